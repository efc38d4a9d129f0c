package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccumulatorCheckpoint is a seconds-per-liquidity observation of one range
// reported by the pool indexer.
type AccumulatorCheckpoint struct {
	RangeID            common.Hash
	Timestamp          uint64
	Accumulator        uint256.Int // Q128
	CheckpointSequence int64       // Monotonic per range
}

func (c *AccumulatorCheckpoint) IdempotencyKey() string {
	return fmt.Sprintf("%s:cp:%d", c.RangeID.Hex(), c.CheckpointSequence)
}

func (c *AccumulatorCheckpoint) EventType() EventType {
	return EventTypeAccumulatorCheckpoint
}

func (c *AccumulatorCheckpoint) Partition() string {
	return CheckpointPartition(c.RangeID)
}

func (c *AccumulatorCheckpoint) SourceSequence() int64 {
	return c.CheckpointSequence
}

func (c *AccumulatorCheckpoint) OccurredAt() uint64 {
	return c.Timestamp
}

// CheckpointPartition is the sequence partition of a range's checkpoints.
func CheckpointPartition(rangeID common.Hash) string {
	return "range:" + rangeID.Hex()
}
