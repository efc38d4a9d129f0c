package core

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"FarmLedger/internal/custody"
	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/ledger"
	"FarmLedger/internal/observability"
	"FarmLedger/internal/oracle"
	"FarmLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Params are the engine's fixed settings. They must not change between a
// run and the replay of its log.
type Params struct {
	RewardAsset   string
	ClaimDeadline uint64 // seconds after endTime before anyone may end a farm
	LRUCapacity   int
	Custodian     common.Address
	OracleHistory int
}

// Deps are the engine's collaborators. Nil channels disable emission; a nil
// Oracle means snapshots are answered from logged checkpoints.
type Deps struct {
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Oracle         oracle.AccumulatorOracle
}

// FarmingEngine is the single-threaded event processor. Every operation
// reads "now" from its command, validates and computes before mutating, and
// leaves no partial state behind on failure.
type FarmingEngine struct {
	params      Params
	rewardAsset ledger.AssetID

	sequence int64
	clock    uint64 // latest command timestamp applied
	hasher   *StateHasher

	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	vault          custody.TokenVault

	farms       *farm.Registry
	positions   *position.Ledger
	custody     *custody.MemoryRegistry
	checkpoints *oracle.CheckpointOracle
	oracle      oracle.AccumulatorOracle

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything the shell needs for one logged event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	Outcome    *Outcome // nil for rejections
	StateDelta []byte
}

func NewFarmingEngine(startSequence int64, params Params, deps Deps) (*FarmingEngine, error) {
	assetID, ok := ledger.GetAssetID(params.RewardAsset)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, params.RewardAsset)
	}
	if params.LRUCapacity <= 0 {
		params.LRUCapacity = 1_000_000
	}

	balanceTracker := ledger.NewBalanceTracker()
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker)
	checkpoints := oracle.NewCheckpointOracle(params.OracleHistory)

	var acc oracle.AccumulatorOracle = checkpoints
	if deps.Oracle != nil {
		acc = deps.Oracle
	}

	return &FarmingEngine{
		params:            params,
		rewardAsset:       assetID,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		vault:             custody.NewLedgerVault(journalGen, assetID),
		farms:             farm.NewRegistry(),
		positions:         position.NewLedger(),
		custody:           custody.NewMemoryRegistry(params.Custodian),
		checkpoints:       checkpoints,
		oracle:            acc,
		idempotency:       NewIdempotencyChecker(params.LRUCapacity, deps.DBChecker, deps.Metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           deps.Metrics,
		persistChan:       deps.PersistChan,
		projectionChan:    deps.ProjectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline. It returns the outcome of an
// applied command, (nil, nil) for duplicates and ignored checkpoints, and
// (nil, err) otherwise. A rejection (IsRejection(err)) has still been logged
// and consumed a sequence.
func (c *FarmingEngine) ProcessEvent(evt event.Event) (*Outcome, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()

	// Step 1: Idempotency check. Replay trusts the log and skips tier 2.
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.lru.Seen(CompositeKey(eventType, idempotencyKey))
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation
	_, isCheckpoint := evt.(*event.AccumulatorCheckpoint)
	if !c.replaying {
		if isCheckpoint || partition == event.PartitionAdmin {
			if stale := c.sequenceValidator.ValidateTolerantSequence(partition, sourceSequence); stale && !isDuplicate {
				if isCheckpoint {
					// Superseded observation; the range already has newer ones.
					c.recordRejected(eventType, "stale_checkpoint")
					return nil, nil
				}
				c.recordOutOfOrder(partition, eventType)
				return nil, fmt.Errorf("%w: partition=%s, expected>=%d, got=%d",
					ErrOutOfOrder, partition, c.sequenceValidator.GetExpectedSequence(partition), sourceSequence)
			}
		} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
			if errors.Is(err, ErrSequenceGap) {
				c.recordGap(partition, eventType)
			} else {
				c.recordOutOfOrder(partition, eventType)
			}
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil, nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	// Step 3: Dispatch. Handlers mutate registries only once nothing else
	// can fail; the batch is applied here.
	c.journalGen.SetSequence(c.sequence)
	now := evt.OccurredAt()
	if partition == event.PartitionAdmin {
		// Admin commands run at the engine clock; only upstream commands move it.
		now = c.clock
	}

	var (
		outcome *Outcome
		batch   *ledger.Batch
	)
	if !isCheckpoint && now < c.clock {
		err = fmt.Errorf("%w: at %d, clock %d", ErrStaleTimestamp, now, c.clock)
	} else {
		outcome, batch, err = c.dispatchEvent(evt, now)
	}

	rejection := ""
	if err != nil {
		rejection = RejectionCode(err)
		if rejection == "" {
			return nil, fmt.Errorf("dispatch failed: %w", err)
		}
		batch = c.journalGen.NewBatch(idempotencyKey, int64(now))
		outcome = nil
	}

	// Step 4: Validate and apply the batch. Empty batches carry an envelope
	// only.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
		if err := c.validator.ValidateHoldingsNonNegative(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	if rejection == "" {
		if err := c.postCheckInvariants(evt); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
		if !isCheckpoint && now > c.clock {
			c.clock = now
		}
	}

	// Step 5: State digest and hash chain
	stateDigest := c.computeStateDigest(batch, outcome, rejection)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.Advance(c.sequence, c.clock, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      time.Unix(int64(now), 0).UTC(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		Rejection:      rejection,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 6: Emit. Persistence blocks (backpressure); projections drop on
	// full and rebuild from the log. Nothing is emitted during replay.
	if !c.replaying {
		output := CoreOutput{
			Envelope:   envelope,
			Event:      evt,
			Batch:      batch,
			Outcome:    outcome,
			StateDelta: stateDigest,
		}
		if c.persistChan != nil {
			c.persistChan <- output
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	// Step 7: Consume the source sequence and the idempotency key
	c.sequenceValidator.Advance(partition, sourceSequence)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	c.recordApplied(eventType, rejection, batch, outcome, start)

	if rejection != "" {
		return nil, err
	}
	return outcome, nil
}

// dispatchEvent routes a command to its handler.
func (c *FarmingEngine) dispatchEvent(evt event.Event, now uint64) (*Outcome, *ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.WalletFunded:
		return c.handleWalletFunded(e, now)
	case *event.CreateFarm:
		return c.handleCreateFarm(e, now)
	case *event.EndFarm:
		return c.handleEndFarm(e, now)
	case *event.DepositPosition:
		return c.handleDepositPosition(e, now)
	case *event.StakeToken:
		return c.handleStakeToken(e, now)
	case *event.UnstakeToken:
		return c.handleUnstakeToken(e, now)
	case *event.HarvestReward:
		return c.handleHarvestReward(e, now)
	case *event.WithdrawToken:
		return c.handleWithdrawToken(e, now)
	case *event.TransferDeposit:
		return c.handleTransferDeposit(e, now)
	case *event.AccumulatorCheckpoint:
		return c.handleAccumulatorCheckpoint(e)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its balance after application, the domain
// state the command changed, and the rejection code if any.
func (c *FarmingEngine) computeStateDigest(batch *ledger.Batch, outcome *Outcome, rejection string) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+256)
	for _, key := range accounts {
		digest = appendString(digest, key.AccountPath())
		digest = appendSignedInt(digest, c.balanceTracker.GetBalance(key))
	}

	if rejection != "" {
		digest = append(digest, 'R')
		return appendString(digest, rejection)
	}
	return outcome.appendDigest(digest)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// appendSignedInt writes a sign byte followed by the 32-byte big-endian
// magnitude. Balances never exceed 256 bits.
func appendSignedInt(buf []byte, v *big.Int) []byte {
	var mag [32]byte
	new(big.Int).Abs(v).FillBytes(mag[:])
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign)
	return append(buf, mag[:]...)
}

func appendU256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56),
		byte(v>>48),
		byte(v>>40),
		byte(v>>32),
		byte(v>>24),
		byte(v>>16),
		byte(v>>8),
		byte(v),
	)
}

// postCheckInvariants validates invariants after a batch is applied.
func (c *FarmingEngine) postCheckInvariants(evt event.Event) error {
	var key *farm.Key
	switch e := evt.(type) {
	case *event.CreateFarm:
		key = &e.Key
	case *event.EndFarm:
		key = &e.Key
	case *event.UnstakeToken:
		key = &e.Key
	}

	// Escrow must equal the registry's remaining reward
	if key != nil {
		f, err := c.farms.Get(*key)
		if err != nil {
			return fmt.Errorf("post-check escrow: %w", err)
		}
		if err := c.validator.ValidateEscrowMatches(key.ID(), c.rewardAsset, &f.RemainingReward); err != nil {
			return fmt.Errorf("post-check escrow: %w", err)
		}
	}

	// Periodic zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

// --- Metrics ---

func (c *FarmingEngine) recordApplied(eventType, rejection string, batch *ledger.Batch, outcome *Outcome, start time.Time) {
	if c.metrics == nil {
		return
	}
	if rejection != "" {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, rejection).Inc()
	} else {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	}
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	if outcome != nil {
		amount, _ := new(big.Float).SetInt(outcome.Amount.ToBig()).Float64()
		switch outcome.Kind {
		case OutcomeTokenUnstaked:
			c.metrics.RewardsCredited.Add(amount)
		case OutcomeFarmEnded:
			c.metrics.RewardsRefunded.Add(amount)
		case OutcomeRewardHarvested:
			c.metrics.RewardsHarvested.Add(amount)
		}
	}
	c.metrics.OpenStakes.Set(float64(c.positions.OpenStakeCount()))
	c.metrics.ActiveFarms.Set(float64(c.farms.ActiveCount()))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Len()))
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
}

func (c *FarmingEngine) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *FarmingEngine) recordGap(partition, eventType string) {
	if c.metrics != nil {
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence_gap").Inc()
	}
}

func (c *FarmingEngine) recordOutOfOrder(partition, eventType string) {
	if c.metrics != nil {
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, "out_of_order").Inc()
	}
}
