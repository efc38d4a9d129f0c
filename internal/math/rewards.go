package math

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrAccumulatorRegression is returned when a later accumulator reading is
// smaller than an earlier one. The pool accumulator never decreases.
var ErrAccumulatorRegression = errors.New("math: accumulator regression")

// LiquiditySeconds computes secondsX = (accEnd - accStart) * liquidity.
//
// Accumulators are Q128 seconds-per-liquidity, so the result is Q128 seconds
// attributable to the position over the interval.
func LiquiditySeconds(accStart, accEnd, liquidity *uint256.Int) (*uint256.Int, error) {
	if accEnd.Lt(accStart) {
		return nil, ErrAccumulatorRegression
	}

	delta := new(uint256.Int).Sub(accEnd, accStart)
	return Mul(delta, liquidity)
}

// RewardShare computes floor(totalReward * secondsX / totalSecondsX).
// A zero denominator yields zero reward.
func RewardShare(secondsX, totalSecondsX, totalReward *uint256.Int) (*uint256.Int, error) {
	if totalSecondsX.IsZero() {
		return new(uint256.Int), nil
	}
	if secondsX.Gt(totalSecondsX) {
		// A share larger than the whole would pay out more than totalReward.
		return nil, ErrArithmeticOverflow
	}
	return MulDiv(totalReward, secondsX, totalSecondsX, RoundDown)
}

// OutstandingSeconds returns the liquidity-seconds that still compete for a
// farm's remaining reward at time now:
//
//	accNow*openLiquidity - openWeighted   (accrued by stakes still open)
//	+ (endTime - now) << 128              (window not yet elapsed)
//
// openWeighted is the running sum of liquidity*accumulatorAtStake over the
// open stakes.
func OutstandingSeconds(
	accNow *uint256.Int,
	openLiquidity *uint256.Int,
	openWeighted *big.Int,
	now, endTime uint64,
) (*uint256.Int, error) {
	acc := getWide()
	defer putWide(acc)

	acc.Mul(accNow.ToBig(), openLiquidity.ToBig())
	acc.Sub(acc, openWeighted)
	if acc.Sign() < 0 {
		return nil, ErrAccumulatorRegression
	}

	if now < endTime {
		acc.Add(acc, SecondsToQ128(endTime-now).ToBig())
	}

	return FromWide(acc)
}

// CloseReward is the payout for a closing stake: its share of the remaining
// reward against the farm's outstanding liquidity-seconds. The outstanding
// total is never allowed below the closing stake's own secondsX, so a single
// close can never pay more than what remains.
func CloseReward(secondsX, outstanding, remainingReward *uint256.Int) (*uint256.Int, error) {
	denominator := outstanding
	if secondsX.Gt(outstanding) {
		denominator = secondsX
	}
	return RewardShare(secondsX, denominator, remainingReward)
}
