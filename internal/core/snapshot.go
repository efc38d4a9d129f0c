package core

import (
	"fmt"
	"math/big"

	"FarmLedger/internal/custody"
	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/ledger"
	"FarmLedger/internal/oracle"
	"FarmLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotState is the engine's complete in-memory state at Sequence-1,
// i.e. after the last applied event. Restoring it and replaying the log
// from Sequence reproduces the live engine.
type SnapshotState struct {
	Sequence  int64 // next sequence to assign
	StateHash [32]byte
	Clock     uint64

	Balances    map[string]*big.Int // keyed by AccountPath
	Farms       []*farm.Farm
	Deposits    []*position.Deposit
	Stakes      []*position.Stake
	Custody     []custody.Holding
	Checkpoints map[common.Hash][]oracle.Checkpoint

	SequenceState   map[string]int64
	IdempotencyKeys []string // least recently used first
}

// CreateSnapshotState captures current state for persistence.
func (c *FarmingEngine) CreateSnapshotState() *SnapshotState {
	balances := make(map[string]*big.Int)
	for key, bal := range c.balanceTracker.Snapshot() {
		balances[key.AccountPath()] = bal
	}

	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		Clock:           c.clock,
		Balances:        balances,
		Farms:           c.farms.Snapshot(),
		Deposits:        c.positions.Deposits(),
		Stakes:          c.positions.Stakes(),
		Custody:         c.custody.Holdings(),
		Checkpoints:     c.checkpoints.History(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces all in-memory state. The snapshot's
// idempotency keys are loaded into the LRU.
func (c *FarmingEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	tracker := ledger.NewBalanceTracker()
	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("%w: balance %q: %v", ErrInvalidSnapshot, path, err)
		}
		tracker.SetBalance(key, bal)
	}

	c.balanceTracker = tracker
	c.validator = ledger.NewInvariantValidator(tracker)
	c.journalGen = ledger.NewJournalGenerator(snap.Sequence, tracker)
	c.vault = custody.NewLedgerVault(c.journalGen, c.rewardAsset)

	c.farms.Restore(snap.Farms)
	c.positions.Restore(snap.Deposits, snap.Stakes)
	c.custody.Restore(snap.Custody)
	c.checkpoints.Restore(snap.Checkpoints)

	c.sequenceValidator = NewSequenceValidator()
	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, seq)
	}

	c.sequence = snap.Sequence
	c.clock = snap.Clock
	c.hasher.SetPrevHash(snap.StateHash)
	c.WarmLRU(snap.IdempotencyKeys)

	for _, f := range snap.Farms {
		if err := c.validator.ValidateEscrowMatches(f.Key.ID(), c.rewardAsset, &f.RemainingReward); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// WarmLRU pre-populates the idempotency LRU, oldest first.
func (c *FarmingEngine) WarmLRU(keys []string) {
	c.idempotency.lru.Warm(keys)
}

// Replay re-applies a logged event. Sequence validation is skipped, since
// the log already fixed the order, and nothing is emitted. The recomputed
// state hash must match the logged one.
func (c *FarmingEngine) Replay(env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("%w: log has seq %d, engine expects %d", ErrReplayDiverged, env.Sequence, c.sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	c.replaying = true
	defer func() { c.replaying = false }()

	if _, err := c.ProcessEvent(evt); err != nil && !IsRejection(err) {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if c.sequence != env.Sequence+1 {
		return fmt.Errorf("%w: seq %d (%s) was not applied", ErrReplayDiverged, env.Sequence, env.EventType)
	}
	if got := c.hasher.GetPrevHash(); got != env.StateHash {
		return fmt.Errorf("%w: seq %d state hash %x, logged %x", ErrReplayDiverged, env.Sequence, got, env.StateHash)
	}
	return nil
}

// --- Read accessors. Not safe to call concurrently with ProcessEvent. ---

// GetSequence returns the next sequence the engine will assign.
func (c *FarmingEngine) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the hash chain tip.
func (c *FarmingEngine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Clock returns the latest command timestamp applied.
func (c *FarmingEngine) Clock() uint64 {
	return c.clock
}

func (c *FarmingEngine) RewardAsset() ledger.AssetID {
	return c.rewardAsset
}

func (c *FarmingEngine) GetFarm(key farm.Key) (*farm.Farm, error) {
	return c.farms.Get(key)
}

func (c *FarmingEngine) ListFarms() []*farm.Farm {
	return c.farms.List()
}

// ExpiredFarms lists farms anyone may end at now.
func (c *FarmingEngine) ExpiredFarms(now uint64) []farm.Key {
	return c.farms.Expired(now, c.params.ClaimDeadline)
}

func (c *FarmingEngine) GetDeposit(tokenID *uint256.Int) (*position.Deposit, error) {
	return c.positions.GetDeposit(tokenID)
}

func (c *FarmingEngine) GetStake(tokenID *uint256.Int, key farm.Key) (*position.Stake, error) {
	return c.positions.GetStake(tokenID, key)
}

func (c *FarmingEngine) StakesByDeposit(tokenID *uint256.Int) []*position.Stake {
	return c.positions.StakesByDeposit(tokenID)
}

// Accrued returns the account's unharvested reward.
func (c *FarmingEngine) Accrued(account common.Address) *uint256.Int {
	return c.balanceTracker.Accrued(account, c.rewardAsset)
}

// Wallet returns the account's spendable reward-token balance.
func (c *FarmingEngine) Wallet(account common.Address) *uint256.Int {
	return c.balanceTracker.Wallet(account, c.rewardAsset)
}

// Escrow returns the reward a farm still holds.
func (c *FarmingEngine) Escrow(key farm.Key) *uint256.Int {
	return c.balanceTracker.Escrow(key.ID(), c.rewardAsset)
}

// Custody reports who holds a position token.
func (c *FarmingEngine) Custody(tokenID *uint256.Int) (common.Address, bool) {
	return c.custody.Holder(tokenID)
}

// GlobalBalance sums every account per asset; zero when the ledger holds.
func (c *FarmingEngine) GlobalBalance() map[ledger.AssetID]*big.Int {
	return c.balanceTracker.ComputeGlobalBalance()
}
