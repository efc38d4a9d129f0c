package farm

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	fpmath "FarmLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Registry owns every farm. It is the only writer of Farm state.
// Not thread-safe: only the single-threaded core touches it.
type Registry struct {
	farms map[Key]*Farm
}

func NewRegistry() *Registry {
	return &Registry{
		farms: make(map[Key]*Farm),
	}
}

// Get returns a copy of the farm.
func (r *Registry) Get(key Key) (*Farm, error) {
	f, ok := r.farms[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFarmNotFound, key)
	}
	return f.Clone(), nil
}

func (r *Registry) get(key Key) (*Farm, error) {
	f, ok := r.farms[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFarmNotFound, key)
	}
	return f, nil
}

// ValidateCreate checks a create without mutating anything. An ended farm
// may be replaced once all its stakes are closed.
func (r *Registry) ValidateCreate(key Key, totalReward *uint256.Int) error {
	if key.EndTime <= key.StartTime {
		return fmt.Errorf("%w: start=%d end=%d", ErrInvalidWindow, key.StartTime, key.EndTime)
	}
	if totalReward.IsZero() {
		return ErrZeroReward
	}
	if existing, ok := r.farms[key]; ok {
		if !existing.Ended || existing.OpenStakes > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateFarm, key)
		}
	}
	return nil
}

// Create registers a funded farm. The caller has already moved totalReward
// into the farm's escrow.
func (r *Registry) Create(key Key, totalReward *uint256.Int, sponsor common.Address, now uint64) (*Farm, error) {
	if err := r.ValidateCreate(key, totalReward); err != nil {
		return nil, err
	}

	f := &Farm{
		Key:          key,
		Sponsor:      sponsor,
		OpenWeighted: new(big.Int),
		CreatedAt:    now,
	}
	f.TotalReward.Set(totalReward)
	f.RemainingReward.Set(totalReward)
	r.farms[key] = f

	return f.Clone(), nil
}

// AddStake folds a newly opened stake into the farm's open aggregates.
func (r *Registry) AddStake(key Key, liquidity, accAtStake *uint256.Int) error {
	f, err := r.get(key)
	if err != nil {
		return err
	}

	f.OpenStakes++
	f.OpenLiquidity.Add(&f.OpenLiquidity, liquidity)
	f.OpenWeighted.Add(f.OpenWeighted, fpmath.WideProduct(liquidity, accAtStake))
	return nil
}

// Outstanding returns the liquidity-seconds still competing for the farm's
// remaining reward at now, given the range accumulator accNow.
func (r *Registry) Outstanding(key Key, accNow *uint256.Int, now uint64) (*uint256.Int, error) {
	f, err := r.get(key)
	if err != nil {
		return nil, err
	}
	return fpmath.OutstandingSeconds(accNow, &f.OpenLiquidity, f.OpenWeighted, now, f.Key.EndTime)
}

// CreditStakeClose records a closed stake: its secondsX joins the claimed
// total, its reward leaves the escrow and its liquidity leaves the open
// aggregates.
func (r *Registry) CreditStakeClose(key Key, liquidity, accAtStake, secondsX, reward *uint256.Int) error {
	f, err := r.get(key)
	if err != nil {
		return err
	}
	if f.OpenStakes == 0 || f.OpenLiquidity.Lt(liquidity) {
		return fmt.Errorf("farm %s: close without matching open stake", key)
	}
	if f.RemainingReward.Lt(reward) {
		return fmt.Errorf("farm %s: reward %s exceeds remaining %s", key, reward.Dec(), f.RemainingReward.Dec())
	}

	claimed, err := fpmath.Add(&f.ClaimedSecondsX, secondsX)
	if err != nil {
		return fmt.Errorf("farm %s: claimed seconds: %w", key, err)
	}

	f.ClaimedSecondsX.Set(claimed)
	f.RemainingReward.Sub(&f.RemainingReward, reward)
	f.OpenStakes--
	f.OpenLiquidity.Sub(&f.OpenLiquidity, liquidity)
	f.OpenWeighted.Sub(f.OpenWeighted, fpmath.WideProduct(liquidity, accAtStake))
	return nil
}

// ValidateEnd checks whether caller may end the farm at now and returns the
// refund it would produce. The sponsor may end any time after endTime;
// anyone else must also wait out the claim deadline.
func (r *Registry) ValidateEnd(key Key, caller common.Address, now, claimDeadline uint64) (*uint256.Int, error) {
	f, err := r.get(key)
	if err != nil {
		return nil, err
	}
	if f.Ended {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyEnded, key)
	}
	if now <= f.Key.EndTime {
		return nil, fmt.Errorf("%w: now=%d end=%d", ErrNotYetEndable, now, f.Key.EndTime)
	}
	if closes := claimsCloseAt(f.Key.EndTime, claimDeadline); caller != f.Sponsor && now <= closes {
		return nil, fmt.Errorf("%w: non-sponsor must wait until %d", ErrNotYetEndable, closes)
	}
	return f.RemainingReward.Clone(), nil
}

// claimsCloseAt is the last second only the sponsor may end a farm. It
// saturates at math.MaxUint64.
func claimsCloseAt(endTime, claimDeadline uint64) uint64 {
	if endTime > math.MaxUint64-claimDeadline {
		return math.MaxUint64
	}
	return endTime + claimDeadline
}

// End marks the farm ended and releases its remaining reward as the refund.
func (r *Registry) End(key Key, caller common.Address, now, claimDeadline uint64) (*uint256.Int, error) {
	refund, err := r.ValidateEnd(key, caller, now, claimDeadline)
	if err != nil {
		return nil, err
	}

	f := r.farms[key]
	f.Ended = true
	f.EndedAt = now
	f.Refund.Set(refund)
	f.RemainingReward.Clear()
	return refund, nil
}

// List returns copies of every farm ordered by key.
func (r *Registry) List() []*Farm {
	out := make([]*Farm, 0, len(r.farms))
	for _, f := range r.farms {
		out = append(out, f.Clone())
	}
	sortFarms(out)
	return out
}

// Expired returns the keys of non-ended farms whose claim deadline has
// passed at now. Anyone may end these.
func (r *Registry) Expired(now, claimDeadline uint64) []Key {
	var keys []Key
	for key, f := range r.farms {
		if !f.Ended && now > claimsCloseAt(key.EndTime, claimDeadline) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// ActiveCount is the number of farms that have not been ended.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, f := range r.farms {
		if !f.Ended {
			n++
		}
	}
	return n
}

// Snapshot returns every farm for persistence.
func (r *Registry) Snapshot() []*Farm {
	return r.List()
}

// Restore replaces the registry contents.
func (r *Registry) Restore(farms []*Farm) {
	r.farms = make(map[Key]*Farm, len(farms))
	for _, f := range farms {
		r.farms[f.Key] = f.Clone()
	}
}

func sortFarms(farms []*Farm) {
	sort.Slice(farms, func(i, j int) bool {
		return farms[i].Key.String() < farms[j].Key.String()
	})
}
