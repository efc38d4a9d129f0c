package position

import (
	"fmt"
	"sort"

	"FarmLedger/internal/farm"
	fpmath "FarmLedger/internal/math"
	"FarmLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger owns deposits and stakes. It is the only writer of either.
// Not thread-safe: only the single-threaded core touches it.
type Ledger struct {
	deposits map[uint256.Int]*Deposit
	stakes   map[StakeKey]*Stake // latest stake per key, open or closed
}

func NewLedger() *Ledger {
	return &Ledger{
		deposits: make(map[uint256.Int]*Deposit),
		stakes:   make(map[StakeKey]*Stake),
	}
}

func (l *Ledger) deposit(tokenID *uint256.Int) (*Deposit, error) {
	d, ok := l.deposits[*tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrDepositNotFound, tokenID.Dec())
	}
	return d, nil
}

// GetDeposit returns a copy of the deposit.
func (l *Ledger) GetDeposit(tokenID *uint256.Int) (*Deposit, error) {
	d, err := l.deposit(tokenID)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// ValidateRegister checks a deposit registration without mutating anything.
func (l *Ledger) ValidateRegister(tokenID *uint256.Int, owner common.Address, liquidity *uint256.Int) error {
	if _, ok := l.deposits[*tokenID]; ok {
		return fmt.Errorf("%w: token %s", ErrAlreadyDeposited, tokenID.Dec())
	}
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: owner", ErrZeroAddress)
	}
	if liquidity.Gt(maxLiquidity) {
		return fmt.Errorf("%w: %s", ErrLiquidityOutOfRange, liquidity.Dec())
	}
	return nil
}

// RegisterDeposit records a position token taken into custody.
func (l *Ledger) RegisterDeposit(
	tokenID *uint256.Int,
	owner common.Address,
	liquidity *uint256.Int,
	rangeID common.Hash,
	now uint64,
) (*Deposit, error) {
	if err := l.ValidateRegister(tokenID, owner, liquidity); err != nil {
		return nil, err
	}

	d := &Deposit{
		TokenID:     *tokenID,
		Owner:       owner,
		Liquidity:   *liquidity,
		RangeID:     rangeID,
		DepositedAt: now,
	}
	l.deposits[*tokenID] = d
	return d.Clone(), nil
}

// OpenStake stakes a deposit into a farm. f is the farm as of now; the
// accumulator snapshot is taken at now. Nothing is mutated on error.
func (l *Ledger) OpenStake(
	tokenID *uint256.Int,
	f *farm.Farm,
	caller common.Address,
	now uint64,
	acc oracle.AccumulatorOracle,
) (*Stake, error) {
	d, err := l.deposit(tokenID)
	if err != nil {
		return nil, err
	}
	if d.Owner != caller {
		return nil, fmt.Errorf("%w: token %s", ErrNotOwner, tokenID.Dec())
	}
	if d.RangeID != f.Key.RangeID {
		return nil, fmt.Errorf("%w: deposit %s farm %s", ErrRangeMismatch, d.RangeID.Hex(), f.Key.RangeID.Hex())
	}
	if !f.Live(now) {
		return nil, fmt.Errorf("%w: %s at %d", ErrFarmNotActive, f.Key, now)
	}

	key := StakeKey{TokenID: *tokenID, Farm: f.Key}
	if s, ok := l.stakes[key]; ok && s.IsOpen() {
		return nil, fmt.Errorf("%w: token %s farm %s", ErrAlreadyStaked, tokenID.Dec(), f.Key)
	}

	snapshot, err := acc.Snapshot(f.Key.RangeID, now)
	if err != nil {
		return nil, fmt.Errorf("stake snapshot: %w", err)
	}

	s := &Stake{
		TokenID:            *tokenID,
		Farm:               f.Key,
		Liquidity:          d.Liquidity,
		AccumulatorAtStake: *snapshot,
		StakedAt:           now,
	}
	l.stakes[key] = s
	d.OpenStakes++
	return s.Clone(), nil
}

// MeasureClose computes the liquidity-seconds of an open stake at now
// without closing it. While the farm is live only the deposit owner may
// close; after endTime anyone may, and the reward still goes to the owner.
func (l *Ledger) MeasureClose(
	tokenID *uint256.Int,
	f *farm.Farm,
	caller common.Address,
	now uint64,
	acc oracle.AccumulatorOracle,
) (*Closing, error) {
	key := StakeKey{TokenID: *tokenID, Farm: f.Key}
	s, ok := l.stakes[key]
	if !ok || !s.IsOpen() {
		return nil, fmt.Errorf("%w: token %s farm %s", ErrNoOpenStake, tokenID.Dec(), f.Key)
	}
	d, err := l.deposit(tokenID)
	if err != nil {
		return nil, err
	}

	afterEnd := f.Ended || now > f.Key.EndTime
	if !afterEnd && d.Owner != caller {
		return nil, fmt.Errorf("%w: token %s", ErrNotOwner, tokenID.Dec())
	}

	accNow, err := acc.Snapshot(f.Key.RangeID, now)
	if err != nil {
		return nil, fmt.Errorf("unstake snapshot: %w", err)
	}
	secondsX, err := fpmath.LiquiditySeconds(&s.AccumulatorAtStake, accNow, &s.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("token %s farm %s: %w", tokenID.Dec(), f.Key, err)
	}

	return &Closing{
		Stake:    s.Clone(),
		Owner:    d.Owner,
		AccNow:   accNow,
		SecondsX: secondsX,
	}, nil
}

// CommitClose closes the stake measured by c and records its reward.
func (l *Ledger) CommitClose(c *Closing, reward *uint256.Int, now uint64) (*Stake, error) {
	key := c.Stake.Key()
	s, ok := l.stakes[key]
	if !ok || !s.IsOpen() {
		return nil, fmt.Errorf("%w: token %s farm %s", ErrNoOpenStake, key.TokenID.Dec(), key.Farm)
	}
	d, err := l.deposit(&key.TokenID)
	if err != nil {
		return nil, err
	}

	s.AccumulatorAtUnstake = c.AccNow.Clone()
	s.SecondsX.Set(c.SecondsX)
	s.Reward.Set(reward)
	s.RewardTo = c.Owner
	s.UnstakedAt = now
	d.OpenStakes--
	return s.Clone(), nil
}

// ValidateWithdraw checks that caller may take the token out of custody.
func (l *Ledger) ValidateWithdraw(tokenID *uint256.Int, caller, recipient common.Address) (*Deposit, error) {
	d, err := l.deposit(tokenID)
	if err != nil {
		return nil, err
	}
	if d.Owner != caller {
		return nil, fmt.Errorf("%w: token %s", ErrNotOwner, tokenID.Dec())
	}
	if recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: recipient", ErrZeroAddress)
	}
	if d.OpenStakes > 0 {
		return nil, fmt.Errorf("%w: token %s has %d", ErrStakesStillOpen, tokenID.Dec(), d.OpenStakes)
	}
	return d.Clone(), nil
}

// WithdrawDeposit destroys the deposit. Closed stake records are dropped
// with it.
func (l *Ledger) WithdrawDeposit(tokenID *uint256.Int, caller, recipient common.Address) (*Deposit, error) {
	d, err := l.ValidateWithdraw(tokenID, caller, recipient)
	if err != nil {
		return nil, err
	}

	delete(l.deposits, *tokenID)
	for key := range l.stakes {
		if key.TokenID == *tokenID {
			delete(l.stakes, key)
		}
	}
	return d, nil
}

// TransferDeposit reassigns ownership. Open stakes stay open; rewards of
// stakes closed afterwards go to the new owner.
func (l *Ledger) TransferDeposit(tokenID *uint256.Int, caller, newOwner common.Address) (common.Address, error) {
	d, err := l.deposit(tokenID)
	if err != nil {
		return common.Address{}, err
	}
	if d.Owner != caller {
		return common.Address{}, fmt.Errorf("%w: token %s", ErrNotOwner, tokenID.Dec())
	}
	if newOwner == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: new owner", ErrZeroAddress)
	}

	old := d.Owner
	d.Owner = newOwner
	return old, nil
}

// GetStake returns the latest stake for (tokenID, farm).
func (l *Ledger) GetStake(tokenID *uint256.Int, key farm.Key) (*Stake, error) {
	s, ok := l.stakes[StakeKey{TokenID: *tokenID, Farm: key}]
	if !ok {
		return nil, fmt.Errorf("%w: token %s farm %s", ErrNoOpenStake, tokenID.Dec(), key)
	}
	return s.Clone(), nil
}

// StakesByDeposit returns the latest stake in every farm the token has
// been staked in, ordered by farm key.
func (l *Ledger) StakesByDeposit(tokenID *uint256.Int) []*Stake {
	var out []*Stake
	for key, s := range l.stakes {
		if key.TokenID == *tokenID {
			out = append(out, s.Clone())
		}
	}
	sortStakes(out)
	return out
}

// OpenStakeCount is the number of open stakes across all deposits.
func (l *Ledger) OpenStakeCount() int {
	n := 0
	for _, s := range l.stakes {
		if s.IsOpen() {
			n++
		}
	}
	return n
}

// Deposits returns copies of every deposit ordered by token ID.
func (l *Ledger) Deposits() []*Deposit {
	out := make([]*Deposit, 0, len(l.deposits))
	for _, d := range l.deposits {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID.Lt(&out[j].TokenID) })
	return out
}

// Stakes returns copies of every stake ordered by token then farm.
func (l *Ledger) Stakes() []*Stake {
	out := make([]*Stake, 0, len(l.stakes))
	for _, s := range l.stakes {
		out = append(out, s.Clone())
	}
	sortStakes(out)
	return out
}

// Restore replaces the ledger contents. Deposit open-stake counts are
// taken from the stakes, not the deposits.
func (l *Ledger) Restore(deposits []*Deposit, stakes []*Stake) {
	l.deposits = make(map[uint256.Int]*Deposit, len(deposits))
	l.stakes = make(map[StakeKey]*Stake, len(stakes))

	for _, d := range deposits {
		c := d.Clone()
		c.OpenStakes = 0
		l.deposits[c.TokenID] = c
	}
	for _, s := range stakes {
		c := s.Clone()
		l.stakes[c.Key()] = c
		if d, ok := l.deposits[c.TokenID]; ok && c.IsOpen() {
			d.OpenStakes++
		}
	}
}

func sortStakes(stakes []*Stake) {
	sort.Slice(stakes, func(i, j int) bool {
		if !stakes[i].TokenID.Eq(&stakes[j].TokenID) {
			return stakes[i].TokenID.Lt(&stakes[j].TokenID)
		}
		return stakes[i].Farm.String() < stakes[j].Farm.String()
	})
}
