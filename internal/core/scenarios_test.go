package core_test

import (
	"testing"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================================================================
// Reward scenarios: three LPs with equal liquidity and a 3000 budget
// ===========================================================================

func TestThreeEqualLPs_FullWindow(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, liq(3, 1))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	got := []uint64{
		h.reward(1, key, lp0, end),
		h.reward(2, key, lp1, end),
		h.reward(3, key, lp2, end),
	}

	assert.Equal(t, []uint64{1000, 1000, 1000}, got)
	assert.Equal(t, uint64(1000), h.eng.Accrued(lp0).Uint64())
	h.requireConserved(key)

	f, err := h.eng.GetFarm(key)
	require.NoError(t, err)
	assert.True(t, f.RemainingReward.IsZero())
	assert.Equal(t, uint64(0), f.OpenStakes)
}

func TestEarlyExitAtMidpoint(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	// lp0 pulls its liquidity out of the pool when it leaves.
	h.pool.set(rangeA, start, liq(3, 1))
	h.pool.set(rangeA, mid, liq(2, 1))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	first := h.reward(1, key, lp0, mid)
	f, _ := h.eng.GetFarm(key)
	claimedAtMid := f.ClaimedSecondsX

	second := h.reward(2, key, lp1, end)
	f, _ = h.eng.GetFarm(key)
	assert.False(t, f.ClaimedSecondsX.Lt(&claimedAtMid), "claimedSecondsX decreased")

	third := h.reward(3, key, lp2, end)

	assert.Equal(t, uint64(500), first)
	assert.Equal(t, uint64(1250), second)
	assert.Equal(t, uint64(1250), third)
	assert.Equal(t, uint64(3000), first+second+third)
	h.requireConserved(key)
}

func TestLateNonStakingLiquidity(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	// A fourth LP adds L at the midpoint without staking.
	h.pool.set(rangeA, start, liq(3, 1))
	h.pool.set(rangeA, mid, liq(4, 1))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	var sum uint64
	for i, lp := range []common.Address{lp0, lp1, lp2} {
		r := h.reward(uint64(i+1), key, lp, end)
		assert.Equal(t, uint64(1000), r)
		sum += r
	}

	assert.Equal(t, uint64(3000), sum)
	h.requireConserved(key)
}

func TestRestakeAtThreeQuarterMark(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, liq(3, 1))
	h.pool.set(rangeA, mid, liq(2, 1))
	h.pool.set(rangeA, start+duration*3/4, liq(3, 1))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	first := h.reward(1, key, lp0, mid)
	h.mustApply(h.stake(1, key, lp0, start+duration*3/4))
	restake := h.reward(1, key, lp0, end)

	assert.Equal(t, uint64(500), first)
	assert.Equal(t, uint64(250), restake)
	assert.Equal(t, uint64(750), h.eng.Accrued(lp0).Uint64())

	// 9/24 of the window each for lp1 and lp2 against 2/24 for the restake.
	r1 := h.reward(2, key, lp1, end)
	r2 := h.reward(3, key, lp2, end)
	assert.Equal(t, uint64(1125), r1)
	assert.Equal(t, uint64(1125), r2)
	h.requireConserved(key)

	stake, err := h.eng.GetStake(uint256.NewInt(1), key)
	require.NoError(t, err)
	assert.Equal(t, start+duration*3/4, stake.StakedAt)
	assert.False(t, stake.IsOpen())
}

func TestHalfLiquidityLateStaker(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, liq(3, 1))
	h.pool.set(rangeA, mid, liq(7, 2))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	h.deposit(4, lp3, liq(1, 2), rangeA, mid)
	h.mustApply(h.stake(4, key, lp3, mid))

	full := []uint64{
		h.reward(1, key, lp0, end),
		h.reward(2, key, lp1, end),
		h.reward(3, key, lp2, end),
	}
	late := h.reward(4, key, lp3, end)

	// 13/42 of the window for each full staker, 3/42 for the late one.
	stake0, _ := h.eng.GetStake(uint256.NewInt(1), key)
	stake3, _ := h.eng.GetStake(uint256.NewInt(4), key)
	ratio := new(uint256.Int).Div(&stake0.SecondsX, &stake3.SecondsX)
	rem := new(uint256.Int).Mod(&stake0.SecondsX, &stake3.SecondsX)
	assert.Equal(t, uint64(4), ratio.Uint64())
	assert.Equal(t, new(uint256.Int).Div(&stake3.SecondsX, uint256.NewInt(3)).Uint64(), rem.Uint64())

	assert.Equal(t, []uint64{928, 928, 929}, full)
	assert.Equal(t, uint64(215), late)
	assert.Equal(t, uint64(3000), full[0]+full[1]+full[2]+late)
	h.requireConserved(key)
}

func TestTwoRanges_PaidByActiveTime(t *testing.T) {
	h := newHarness(t)
	keyA := h.newFarm(rangeA)
	keyB := h.newFarm(rangeB)

	// Range A is in range the whole window; the price only enters B at the
	// midpoint.
	h.pool.set(rangeA, start, L)
	h.pool.set(rangeB, start, new(uint256.Int))
	h.pool.set(rangeB, mid, L)

	h.deposit(1, lp0, L, rangeA, start)
	h.deposit(2, lp1, L, rangeB, start)
	h.mustApply(h.stake(1, keyA, lp0, start))
	h.mustApply(h.stake(2, keyB, lp1, start))

	rewardA := h.reward(1, keyA, lp0, mid)
	rewardB := h.reward(2, keyB, lp1, mid)

	assert.Equal(t, uint64(1500), rewardA)
	assert.Zero(t, rewardB, "a range that was never active earns nothing")

	refundA := h.mustApply(h.endFarm(keyA, sponsor, end+1))
	refundB := h.mustApply(h.endFarm(keyB, sponsor, end+1))
	assert.Equal(t, uint64(1500), refundA.Amount.Uint64())
	assert.Equal(t, uint64(3000), refundB.Amount.Uint64())
	h.requireConserved(keyA)
	h.requireConserved(keyB)
	assert.Equal(t, uint64(4500), h.eng.Wallet(sponsor).Uint64())
}

func TestStakeInSeveralFarms(t *testing.T) {
	h := newHarness(t)
	keyA := h.newFarm(rangeA)
	h.fund(sponsor, totalReward, start-100)
	keyA2 := keyA
	keyA2.EndTime = start + duration/2
	h.mustApply(h.createFarm(keyA2, totalReward, start-100))
	h.pool.set(rangeA, start, L)

	h.deposit(1, lp0, L, rangeA, start)
	h.mustApply(h.stake(1, keyA, lp0, start))
	h.mustApply(h.stake(1, keyA2, lp0, start))

	d, err := h.eng.GetDeposit(uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), d.OpenStakes)

	_, err = h.apply(h.withdraw(1, lp0, lp0, start+1))
	assert.ErrorIs(t, err, core.ErrStakesStillOpen)

	assert.Equal(t, uint64(3000), h.reward(1, keyA2, lp0, keyA2.EndTime))
	assert.Equal(t, uint64(3000), h.reward(1, keyA, lp0, end))
	assert.Equal(t, uint64(6000), h.eng.Accrued(lp0).Uint64())
	assert.Len(t, h.eng.StakesByDeposit(uint256.NewInt(1)), 2)
}

// ===========================================================================
// End of farm
// ===========================================================================

func TestUnstakeAfterEnd_ThenWithdraw(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, liq(3, 1))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	// After endTime anyone may unstake; the reward still goes to the owner.
	out := h.mustApply(h.unstake(1, key, keeper, end+100))
	assert.Equal(t, lp0, out.Account)
	assert.Equal(t, keeper, out.Counterparty)

	sum := out.Amount.Uint64()
	sum += h.reward(2, key, lp1, end+100)
	sum += h.reward(3, key, lp2, end+100)
	assert.Equal(t, uint64(3000), sum)
	h.requireConserved(key)

	holder, held := h.eng.Custody(uint256.NewInt(1))
	require.True(t, held)
	assert.NotEqual(t, lp0, holder)

	_, err := h.apply(h.withdraw(1, keeper, keeper, end+101))
	assert.ErrorIs(t, err, core.ErrNotOwner)

	w := h.mustApply(h.withdraw(1, lp0, lp0, end+101))
	assert.Equal(t, core.OutcomeTokenWithdrawn, w.Kind)
	holder, held = h.eng.Custody(uint256.NewInt(1))
	assert.False(t, held)
	assert.Equal(t, lp0, holder)

	_, err = h.eng.GetDeposit(uint256.NewInt(1))
	assert.ErrorIs(t, err, core.ErrDepositNotFound)
}

func TestEndFarm_RefundsOpenShareAndStopsPaying(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, liq(3, 1))
	h.pool.set(rangeA, mid, liq(2, 1))
	h.stakeAll(key, start, []common.Address{lp0, lp1, lp2}, L)

	assert.Equal(t, uint64(500), h.reward(1, key, lp0, mid))

	_, err := h.apply(h.endFarm(key, sponsor, end))
	assert.ErrorIs(t, err, core.ErrNotYetEndable)
	_, err = h.apply(h.endFarm(key, keeper, end+1))
	assert.ErrorIs(t, err, core.ErrNotYetEndable, "non-sponsor must wait out the claim deadline")

	out := h.mustApply(h.endFarm(key, sponsor, end+1))
	assert.Equal(t, core.OutcomeFarmEnded, out.Kind)
	assert.Equal(t, uint64(2500), out.Amount.Uint64())

	_, err = h.apply(h.endFarm(key, sponsor, end+2))
	assert.ErrorIs(t, err, core.ErrAlreadyEnded)

	// Stakes still open after the end are closed for nothing.
	assert.Zero(t, h.reward(2, key, lp1, end+2))
	assert.Zero(t, h.reward(3, key, lp2, end+2))

	h.requireConserved(key)
	assert.Equal(t, uint64(2500), h.eng.Wallet(sponsor).Uint64())

	_, err = h.apply(h.stake(1, key, lp0, end+3))
	assert.ErrorIs(t, err, core.ErrFarmNotActive)
}

func TestEndFarm_AnyoneAfterClaimDeadline(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)

	assert.Empty(t, h.eng.ExpiredFarms(end+3600))
	assert.Equal(t, key, h.eng.ExpiredFarms(end+3601)[0])

	out := h.mustApply(h.endFarm(key, keeper, end+3601))
	assert.Equal(t, sponsor, out.Account)
	assert.Equal(t, uint64(3000), out.Amount.Uint64())
	assert.Equal(t, uint64(3000), h.eng.Wallet(sponsor).Uint64())
	assert.Empty(t, h.eng.ExpiredFarms(end+7200))
}

func TestCreateFarm_RecreateAfterEnd(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)

	_, err := h.apply(h.createFarm(key, totalReward, start-50))
	assert.ErrorIs(t, err, core.ErrDuplicateFarm)

	h.mustApply(h.endFarm(key, sponsor, end+1))
	out := h.mustApply(h.createFarm(key, totalReward, end+2))
	assert.Equal(t, core.OutcomeFarmCreated, out.Kind)
	assert.False(t, out.Farm.Ended)
	assert.Equal(t, uint64(0), h.eng.Wallet(sponsor).Uint64())
	h.requireConserved(key)
}

// ===========================================================================
// Guards
// ===========================================================================

func TestCreateFarm_Rejections(t *testing.T) {
	h := newHarness(t)
	h.fund(sponsor, uint256.NewInt(100), start-200)

	bad := h.createFarm(keyAt(rangeA, end, start), totalReward, start-100)
	_, err := h.apply(bad)
	assert.ErrorIs(t, err, core.ErrInvalidWindow)

	_, err = h.apply(h.createFarm(keyAt(rangeA, start, end), new(uint256.Int), start-100))
	assert.ErrorIs(t, err, core.ErrZeroReward)

	_, err = h.apply(h.createFarm(keyAt(rangeA, start, end), totalReward, start-100))
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	assert.Empty(t, h.eng.ListFarms())
	assert.Equal(t, uint64(100), h.eng.Wallet(sponsor).Uint64())
}

func TestStake_Rejections(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, L)
	h.deposit(1, lp0, L, rangeA, start-10)
	h.deposit(2, lp1, L, rangeB, start-10)

	_, err := h.apply(h.stake(1, key, lp0, start-5))
	assert.ErrorIs(t, err, core.ErrFarmNotActive)

	_, err = h.apply(h.stake(1, key, lp1, start))
	assert.ErrorIs(t, err, core.ErrNotOwner)

	_, err = h.apply(h.stake(2, key, lp1, start))
	assert.ErrorIs(t, err, core.ErrRangeMismatch)

	_, err = h.apply(h.stake(9, key, lp1, start))
	assert.ErrorIs(t, err, core.ErrDepositNotFound)

	h.mustApply(h.stake(1, key, lp0, start))
	_, err = h.apply(h.stake(1, key, lp0, start+1))
	assert.ErrorIs(t, err, core.ErrAlreadyStaked)

	// Before the end only the owner may unstake.
	_, err = h.apply(h.unstake(1, key, lp1, start+2))
	assert.ErrorIs(t, err, core.ErrNotOwner)

	f, _ := h.eng.GetFarm(key)
	assert.Equal(t, uint64(1), f.OpenStakes)
}

func TestDoubleUnstake_Fails(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, L)
	h.stakeAll(key, start, []common.Address{lp0}, L)

	assert.Equal(t, uint64(1500), h.reward(1, key, lp0, mid))
	before, _ := h.eng.GetFarm(key)

	_, err := h.apply(h.unstake(1, key, lp0, mid+1))
	assert.ErrorIs(t, err, core.ErrNoOpenStake)

	after, _ := h.eng.GetFarm(key)
	assert.True(t, before.RemainingReward.Eq(&after.RemainingReward))
	assert.Equal(t, uint64(1500), h.eng.Accrued(lp0).Uint64())
}

func TestHarvest(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, L)
	h.stakeAll(key, start, []common.Address{lp0}, L)
	h.reward(1, key, lp0, end)

	// Nothing accrued: harvesting all succeeds with zero.
	out := h.mustApply(h.harvest(lp1, lp1, 0, end+1))
	assert.True(t, out.Amount.IsZero())

	_, err := h.apply(h.harvest(lp0, lp0, 3001, end+1))
	assert.ErrorIs(t, err, core.ErrInsufficientAccrued)

	out = h.mustApply(h.harvest(lp0, lp2, 1000, end+2))
	assert.Equal(t, uint64(1000), out.Amount.Uint64())
	assert.Equal(t, lp2, out.Counterparty)

	out = h.mustApply(h.harvest(lp0, common.Address{}, 0, end+3))
	assert.Equal(t, uint64(2000), out.Amount.Uint64())
	assert.Equal(t, lp0, out.Counterparty, "zero recipient pays the account")
	assert.True(t, h.eng.Accrued(lp0).IsZero())
	h.requireConserved(key)
}

func TestTransferDeposit_RedirectsLaterRewards(t *testing.T) {
	h := newHarness(t)
	key := h.newFarm(rangeA)
	h.pool.set(rangeA, start, L)
	h.stakeAll(key, start, []common.Address{lp0}, L)

	transfer := func(caller, to common.Address, now uint64) (*core.Outcome, error) {
		return h.apply(&event.TransferDeposit{
			Meta:     h.meta(event.PartitionPosition, now),
			TokenID:  *uint256.NewInt(1),
			Caller:   caller,
			NewOwner: to,
		})
	}

	_, err := transfer(lp1, lp1, start+1)
	assert.ErrorIs(t, err, core.ErrNotOwner)
	_, err = transfer(lp0, common.Address{}, start+1)
	assert.ErrorIs(t, err, core.ErrZeroAddress)

	out, err := transfer(lp0, lp1, start+2)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDepositTransferred, out.Kind)
	assert.Equal(t, lp0, out.Account)
	assert.Equal(t, lp1, out.Counterparty)

	_, err = h.apply(h.unstake(1, key, lp0, mid))
	assert.ErrorIs(t, err, core.ErrNotOwner)

	assert.Equal(t, uint64(1500), h.reward(1, key, lp1, mid))
	assert.True(t, h.eng.Accrued(lp0).IsZero())
	assert.Equal(t, uint64(1500), h.eng.Accrued(lp1).Uint64())
}
