package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletFunded
	EventTypeCreateFarm
	EventTypeEndFarm
	EventTypeDepositPosition
	EventTypeStakeToken
	EventTypeUnstakeToken
	EventTypeHarvestReward
	EventTypeWithdrawToken
	EventTypeTransferDeposit
	EventTypeAccumulatorCheckpoint
)

// Source-sequence partitions. Commands are strictly ordered within their
// partition; checkpoints are partitioned per range.
const (
	PartitionFarm     = "farm"
	PartitionPosition = "position"
	PartitionReward   = "reward"
	PartitionWallet   = "wallet"
	PartitionAdmin    = "admin"
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Source-sequence partition
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// CBOR-encoded event (see Encode)
	Payload []byte

	// Rejection code when the command was refused; its batch is empty
	Rejection string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the source-sequence partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the operation's "now" in unix seconds
	OccurredAt() uint64
}

var eventTypeNames = map[EventType]string{
	EventTypeWalletFunded:          "WalletFunded",
	EventTypeCreateFarm:            "CreateFarm",
	EventTypeEndFarm:               "EndFarm",
	EventTypeDepositPosition:       "DepositPosition",
	EventTypeStakeToken:            "StakeToken",
	EventTypeUnstakeToken:          "UnstakeToken",
	EventTypeHarvestReward:         "HarvestReward",
	EventTypeWithdrawToken:         "WithdrawToken",
	EventTypeTransferDeposit:       "TransferDeposit",
	EventTypeAccumulatorCheckpoint: "AccumulatorCheckpoint",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}

// Meta carries the fields every command shares.
type Meta struct {
	RequestID string
	Sequence  int64
	Timestamp uint64 // unix seconds

	// Admin marks commands injected by operators or the keeper. They are
	// sequenced on the admin partition, which tolerates gaps.
	Admin bool
}

func (m Meta) IdempotencyKey() string {
	return m.RequestID
}

func (m Meta) SourceSequence() int64 {
	return m.Sequence
}

func (m Meta) OccurredAt() uint64 {
	return m.Timestamp
}

func (m Meta) partition(p string) string {
	if m.Admin {
		return PartitionAdmin
	}
	return p
}
