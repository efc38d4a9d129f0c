package oracle

import (
	"errors"
	"fmt"
	"sort"

	fpmath "FarmLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrSnapshotUnavailable is returned for a timestamp the oracle cannot
	// answer for, including any time after its latest observation.
	ErrSnapshotUnavailable = errors.New("oracle: snapshot unavailable")
	ErrNonMonotonic        = errors.New("oracle: non-monotonic checkpoint")
)

// DefaultMaxHistory bounds the checkpoints kept per range.
const DefaultMaxHistory = 8192

// AccumulatorOracle reports the seconds-per-liquidity accumulator of a
// liquidity range. Values are Q128 and never decrease over time.
type AccumulatorOracle interface {
	Snapshot(rangeID common.Hash, t uint64) (*uint256.Int, error)
}

// Func adapts a plain function to AccumulatorOracle.
type Func func(rangeID common.Hash, t uint64) (*uint256.Int, error)

func (f Func) Snapshot(rangeID common.Hash, t uint64) (*uint256.Int, error) {
	return f(rangeID, t)
}

// Checkpoint is one accumulator observation for a range.
type Checkpoint struct {
	Timestamp   uint64
	Accumulator uint256.Int
	Sequence    int64
}

// CheckpointOracle answers snapshots from logged checkpoints. Between two
// checkpoints the accumulator is interpolated linearly; the pool reports a
// checkpoint whenever active liquidity in the range changes.
// Not thread-safe: fed and read only by the core.
type CheckpointOracle struct {
	ranges     map[common.Hash][]Checkpoint
	maxHistory int
}

func NewCheckpointOracle(maxHistory int) *CheckpointOracle {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &CheckpointOracle{
		ranges:     make(map[common.Hash][]Checkpoint),
		maxHistory: maxHistory,
	}
}

// ValidateRecord checks a checkpoint against the range history without
// storing it. A repeat of the latest checkpoint is accepted.
func (o *CheckpointOracle) ValidateRecord(rangeID common.Hash, t uint64, acc *uint256.Int) error {
	history := o.ranges[rangeID]
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]

	if t < last.Timestamp || (t == last.Timestamp && !acc.Eq(&last.Accumulator)) {
		return fmt.Errorf("%w: range %s t=%d after t=%d", ErrNonMonotonic, rangeID.Hex(), t, last.Timestamp)
	}
	if acc.Lt(&last.Accumulator) {
		return fmt.Errorf("%w: range %s at t=%d: %v", ErrNonMonotonic, rangeID.Hex(), t, fpmath.ErrAccumulatorRegression)
	}
	return nil
}

// Record appends a checkpoint for the range.
func (o *CheckpointOracle) Record(rangeID common.Hash, t uint64, acc *uint256.Int, seq int64) error {
	if err := o.ValidateRecord(rangeID, t, acc); err != nil {
		return err
	}

	history := o.ranges[rangeID]
	if n := len(history); n > 0 && history[n-1].Timestamp == t {
		return nil
	}

	cp := Checkpoint{Timestamp: t, Sequence: seq}
	cp.Accumulator.Set(acc)
	history = append(history, cp)

	if len(history) > o.maxHistory {
		history = append(history[:0:0], history[len(history)-o.maxHistory:]...)
	}
	o.ranges[rangeID] = history
	return nil
}

// Snapshot returns the accumulator of rangeID at t.
func (o *CheckpointOracle) Snapshot(rangeID common.Hash, t uint64) (*uint256.Int, error) {
	history := o.ranges[rangeID]
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for range %s", ErrSnapshotUnavailable, rangeID.Hex())
	}
	if t < history[0].Timestamp || t > history[len(history)-1].Timestamp {
		return nil, fmt.Errorf("%w: range %s t=%d outside [%d, %d]", ErrSnapshotUnavailable,
			rangeID.Hex(), t, history[0].Timestamp, history[len(history)-1].Timestamp)
	}

	// First checkpoint at or after t.
	i := sort.Search(len(history), func(i int) bool { return history[i].Timestamp >= t })
	hi := history[i]
	if hi.Timestamp == t {
		return hi.Accumulator.Clone(), nil
	}

	lo := history[i-1]
	growth := new(uint256.Int).Sub(&hi.Accumulator, &lo.Accumulator)
	elapsed := uint256.NewInt(t - lo.Timestamp)
	span := uint256.NewInt(hi.Timestamp - lo.Timestamp)

	delta, err := fpmath.MulDiv(growth, elapsed, span, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("oracle: interpolate range %s: %w", rangeID.Hex(), err)
	}
	return delta.Add(delta, &lo.Accumulator), nil
}

// Latest returns the newest checkpoint of a range.
func (o *CheckpointOracle) Latest(rangeID common.Hash) (Checkpoint, bool) {
	history := o.ranges[rangeID]
	if len(history) == 0 {
		return Checkpoint{}, false
	}
	return history[len(history)-1], true
}

// Snapshot/restore support for the core.

// History returns a copy of every range's checkpoints.
func (o *CheckpointOracle) History() map[common.Hash][]Checkpoint {
	out := make(map[common.Hash][]Checkpoint, len(o.ranges))
	for id, h := range o.ranges {
		out[id] = append([]Checkpoint(nil), h...)
	}
	return out
}

func (o *CheckpointOracle) Restore(history map[common.Hash][]Checkpoint) {
	o.ranges = make(map[common.Hash][]Checkpoint, len(history))
	for id, h := range history {
		o.ranges[id] = append([]Checkpoint(nil), h...)
	}
}
