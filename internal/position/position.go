package position

import (
	"errors"

	"FarmLedger/internal/farm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrAlreadyDeposited    = errors.New("position: token already deposited")
	ErrDepositNotFound     = errors.New("position: deposit not found")
	ErrNotOwner            = errors.New("position: caller is not the deposit owner")
	ErrRangeMismatch       = errors.New("position: deposit range does not match farm")
	ErrFarmNotActive       = errors.New("position: farm is not active")
	ErrAlreadyStaked       = errors.New("position: token already staked in farm")
	ErrNoOpenStake         = errors.New("position: no open stake")
	ErrStakesStillOpen     = errors.New("position: deposit still has open stakes")
	ErrZeroAddress         = errors.New("position: zero address")
	ErrLiquidityOutOfRange = errors.New("position: liquidity exceeds uint128")
)

var maxLiquidity = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Deposit is a position token held in custody by the engine.
type Deposit struct {
	TokenID     uint256.Int
	Owner       common.Address
	Liquidity   uint256.Int
	RangeID     common.Hash
	OpenStakes  uint32
	DepositedAt uint64
}

func (d *Deposit) Clone() *Deposit {
	c := *d
	return &c
}

// StakeKey identifies the stake of one deposit in one farm.
type StakeKey struct {
	TokenID uint256.Int
	Farm    farm.Key
}

// Stake is one staking interval of a deposit in a farm. A closed stake is
// never reopened; restaking creates a new Stake under the same key.
type Stake struct {
	TokenID   uint256.Int
	Farm      farm.Key
	Liquidity uint256.Int // frozen at stake time

	AccumulatorAtStake   uint256.Int
	AccumulatorAtUnstake *uint256.Int // nil while open

	SecondsX uint256.Int
	Reward   uint256.Int
	RewardTo common.Address

	StakedAt   uint64
	UnstakedAt uint64
}

func (s *Stake) Key() StakeKey {
	return StakeKey{TokenID: s.TokenID, Farm: s.Farm}
}

func (s *Stake) IsOpen() bool {
	return s.AccumulatorAtUnstake == nil
}

func (s *Stake) Clone() *Stake {
	c := *s
	if s.AccumulatorAtUnstake != nil {
		c.AccumulatorAtUnstake = s.AccumulatorAtUnstake.Clone()
	}
	return &c
}

// Closing is a measured but not yet committed stake close.
type Closing struct {
	Stake    *Stake
	Owner    common.Address // reward recipient
	AccNow   *uint256.Int
	SecondsX *uint256.Int
}
