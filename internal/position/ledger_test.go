package position_test

import (
	"testing"

	"FarmLedger/internal/farm"
	fpmath "FarmLedger/internal/math"
	"FarmLedger/internal/oracle"
	"FarmLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	other   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	rangeA  = common.HexToHash("0xaa")
	rangeB  = common.HexToHash("0xbb")
	tokenID = uint256.NewInt(7)
	liq     = uint256.NewInt(1 << 32)
)

// linearOracle grows by one Q128 second per second divided by liq, so a
// stake of liq earns exactly (t1 - t0) << 128 liquidity-seconds.
var linearOracle = oracle.Func(func(_ common.Hash, t uint64) (*uint256.Int, error) {
	return new(uint256.Int).Div(fpmath.SecondsToQ128(t), liq), nil
})

func liveFarm() *farm.Farm {
	return &farm.Farm{Key: farm.Key{RangeID: rangeA, StartTime: 100, EndTime: 200}}
}

func newLedger(t *testing.T) *position.Ledger {
	t.Helper()
	l := position.NewLedger()
	_, err := l.RegisterDeposit(tokenID, owner, liq, rangeA, 50)
	require.NoError(t, err)
	return l
}

func TestRegisterDeposit(t *testing.T) {
	l := newLedger(t)

	_, err := l.RegisterDeposit(tokenID, owner, liq, rangeA, 51)
	assert.ErrorIs(t, err, position.ErrAlreadyDeposited)

	_, err = l.RegisterDeposit(uint256.NewInt(8), common.Address{}, liq, rangeA, 51)
	assert.ErrorIs(t, err, position.ErrZeroAddress)

	tooBig := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	_, err = l.RegisterDeposit(uint256.NewInt(8), owner, tooBig, rangeA, 51)
	assert.ErrorIs(t, err, position.ErrLiquidityOutOfRange)

	d, err := l.GetDeposit(tokenID)
	require.NoError(t, err)
	assert.Equal(t, owner, d.Owner)
	assert.Equal(t, uint32(0), d.OpenStakes)
}

func TestOpenStake_Rejections(t *testing.T) {
	l := newLedger(t)
	f := liveFarm()

	_, err := l.OpenStake(uint256.NewInt(99), f, owner, 150, linearOracle)
	assert.ErrorIs(t, err, position.ErrDepositNotFound)

	_, err = l.OpenStake(tokenID, f, other, 150, linearOracle)
	assert.ErrorIs(t, err, position.ErrNotOwner)

	wrongRange := &farm.Farm{Key: farm.Key{RangeID: rangeB, StartTime: 100, EndTime: 200}}
	_, err = l.OpenStake(tokenID, wrongRange, owner, 150, linearOracle)
	assert.ErrorIs(t, err, position.ErrRangeMismatch)

	_, err = l.OpenStake(tokenID, f, owner, 99, linearOracle)
	assert.ErrorIs(t, err, position.ErrFarmNotActive)
	_, err = l.OpenStake(tokenID, f, owner, 201, linearOracle)
	assert.ErrorIs(t, err, position.ErrFarmNotActive)

	ended := liveFarm()
	ended.Ended = true
	_, err = l.OpenStake(tokenID, ended, owner, 150, linearOracle)
	assert.ErrorIs(t, err, position.ErrFarmNotActive)

	_, err = l.OpenStake(tokenID, f, owner, 150, linearOracle)
	require.NoError(t, err)
	_, err = l.OpenStake(tokenID, f, owner, 160, linearOracle)
	assert.ErrorIs(t, err, position.ErrAlreadyStaked)
}

func TestOpenStake_OracleFailureLeavesNoState(t *testing.T) {
	l := newLedger(t)
	failing := oracle.Func(func(common.Hash, uint64) (*uint256.Int, error) {
		return nil, oracle.ErrSnapshotUnavailable
	})

	_, err := l.OpenStake(tokenID, liveFarm(), owner, 150, failing)
	assert.ErrorIs(t, err, oracle.ErrSnapshotUnavailable)

	d, err := l.GetDeposit(tokenID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), d.OpenStakes)
	assert.Zero(t, l.OpenStakeCount())
}

func TestCloseStake_Lifecycle(t *testing.T) {
	l := newLedger(t)
	f := liveFarm()

	_, err := l.OpenStake(tokenID, f, owner, 120, linearOracle)
	require.NoError(t, err)

	_, err = l.MeasureClose(tokenID, f, other, 150, linearOracle)
	assert.ErrorIs(t, err, position.ErrNotOwner, "only the owner may close a live stake")

	closing, err := l.MeasureClose(tokenID, f, owner, 150, linearOracle)
	require.NoError(t, err)
	assert.Equal(t, fpmath.SecondsToQ128(30), closing.SecondsX)
	assert.Equal(t, owner, closing.Owner)

	// Measuring does not close.
	s, err := l.GetStake(tokenID, f.Key)
	require.NoError(t, err)
	assert.True(t, s.IsOpen())

	s, err = l.CommitClose(closing, uint256.NewInt(42), 150)
	require.NoError(t, err)
	assert.False(t, s.IsOpen())
	assert.Equal(t, uint64(42), s.Reward.Uint64())
	assert.Equal(t, uint64(150), s.UnstakedAt)

	_, err = l.MeasureClose(tokenID, f, owner, 160, linearOracle)
	assert.ErrorIs(t, err, position.ErrNoOpenStake, "double close")

	// Restake opens a fresh instance.
	s, err = l.OpenStake(tokenID, f, owner, 170, linearOracle)
	require.NoError(t, err)
	assert.True(t, s.IsOpen())
	assert.True(t, s.Reward.IsZero())
}

func TestCloseStake_AnyoneAfterEnd(t *testing.T) {
	l := newLedger(t)
	f := liveFarm()
	_, err := l.OpenStake(tokenID, f, owner, 100, linearOracle)
	require.NoError(t, err)

	closing, err := l.MeasureClose(tokenID, f, other, 250, linearOracle)
	require.NoError(t, err)
	assert.Equal(t, owner, closing.Owner, "reward still goes to the owner")
}

func TestCloseStake_RegressionRejected(t *testing.T) {
	l := newLedger(t)
	f := liveFarm()
	_, err := l.OpenStake(tokenID, f, owner, 150, linearOracle)
	require.NoError(t, err)

	backwards := oracle.Func(func(common.Hash, uint64) (*uint256.Int, error) {
		return uint256.NewInt(0), nil
	})
	_, err = l.MeasureClose(tokenID, f, owner, 160, backwards)
	assert.ErrorIs(t, err, fpmath.ErrAccumulatorRegression)
}

func TestWithdrawAndTransfer(t *testing.T) {
	l := newLedger(t)
	f := liveFarm()
	_, err := l.OpenStake(tokenID, f, owner, 150, linearOracle)
	require.NoError(t, err)

	_, err = l.WithdrawDeposit(tokenID, owner, owner)
	assert.ErrorIs(t, err, position.ErrStakesStillOpen)

	_, err = l.TransferDeposit(tokenID, other, other)
	assert.ErrorIs(t, err, position.ErrNotOwner)
	_, err = l.TransferDeposit(tokenID, owner, common.Address{})
	assert.ErrorIs(t, err, position.ErrZeroAddress)

	old, err := l.TransferDeposit(tokenID, owner, other)
	require.NoError(t, err)
	assert.Equal(t, owner, old)

	closing, err := l.MeasureClose(tokenID, f, other, 160, linearOracle)
	require.NoError(t, err)
	assert.Equal(t, other, closing.Owner)
	_, err = l.CommitClose(closing, uint256.NewInt(0), 160)
	require.NoError(t, err)

	_, err = l.WithdrawDeposit(tokenID, owner, owner)
	assert.ErrorIs(t, err, position.ErrNotOwner)
	_, err = l.WithdrawDeposit(tokenID, other, common.Address{})
	assert.ErrorIs(t, err, position.ErrZeroAddress)

	d, err := l.WithdrawDeposit(tokenID, other, other)
	require.NoError(t, err)
	assert.Equal(t, other, d.Owner)

	_, err = l.GetDeposit(tokenID)
	assert.ErrorIs(t, err, position.ErrDepositNotFound)
	assert.Empty(t, l.StakesByDeposit(tokenID))
}

func TestMultiFarmAndRestore(t *testing.T) {
	l := newLedger(t)
	f1 := liveFarm()
	f2 := &farm.Farm{Key: farm.Key{RangeID: rangeA, StartTime: 100, EndTime: 300}}

	_, err := l.OpenStake(tokenID, f1, owner, 150, linearOracle)
	require.NoError(t, err)
	_, err = l.OpenStake(tokenID, f2, owner, 150, linearOracle)
	require.NoError(t, err)

	d, err := l.GetDeposit(tokenID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), d.OpenStakes)
	assert.Len(t, l.StakesByDeposit(tokenID), 2)

	restored := position.NewLedger()
	restored.Restore(l.Deposits(), l.Stakes())
	assert.Equal(t, l.Deposits(), restored.Deposits())
	assert.Equal(t, l.Stakes(), restored.Stakes())
	assert.Equal(t, 2, restored.OpenStakeCount())
}
