package core

import (
	"errors"

	"FarmLedger/internal/custody"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/ledger"
	fpmath "FarmLedger/internal/math"
	"FarmLedger/internal/oracle"
	"FarmLedger/internal/position"
)

// Engine-level sentinels. Domain sentinels are re-exported so callers of the
// engine only need this package for errors.Is.
var (
	ErrZeroAmount      = errors.New("core: amount must be positive")
	ErrStaleTimestamp  = errors.New("core: command timestamp is behind the engine clock")
	ErrOutOfOrder      = errors.New("core: out-of-order source sequence")
	ErrSequenceGap     = errors.New("core: source sequence gap")
	ErrUnknownEvent    = errors.New("core: unknown event type")
	ErrReplayDiverged  = errors.New("core: replay diverged from event log")
	ErrUnknownAsset    = errors.New("core: unknown reward asset")
	ErrInvalidSnapshot = errors.New("core: invalid snapshot")

	ErrInvalidWindow = farm.ErrInvalidWindow
	ErrZeroReward    = farm.ErrZeroReward
	ErrDuplicateFarm = farm.ErrDuplicateFarm
	ErrFarmNotFound  = farm.ErrFarmNotFound
	ErrNotYetEndable = farm.ErrNotYetEndable
	ErrAlreadyEnded  = farm.ErrAlreadyEnded

	ErrAlreadyDeposited    = position.ErrAlreadyDeposited
	ErrDepositNotFound     = position.ErrDepositNotFound
	ErrNotOwner            = position.ErrNotOwner
	ErrRangeMismatch       = position.ErrRangeMismatch
	ErrFarmNotActive       = position.ErrFarmNotActive
	ErrAlreadyStaked       = position.ErrAlreadyStaked
	ErrNoOpenStake         = position.ErrNoOpenStake
	ErrStakesStillOpen     = position.ErrStakesStillOpen
	ErrZeroAddress         = position.ErrZeroAddress
	ErrLiquidityOutOfRange = position.ErrLiquidityOutOfRange

	ErrInsufficientFunds   = ledger.ErrInsufficientFunds
	ErrInsufficientAccrued = ledger.ErrInsufficientAccrued

	ErrArithmeticOverflow    = fpmath.ErrArithmeticOverflow
	ErrDivideByZero          = fpmath.ErrDivideByZero
	ErrAccumulatorRegression = fpmath.ErrAccumulatorRegression

	ErrSnapshotUnavailable = oracle.ErrSnapshotUnavailable
	ErrNonMonotonic        = oracle.ErrNonMonotonic

	ErrAlreadyInCustody = custody.ErrAlreadyInCustody
	ErrNotInCustody     = custody.ErrNotInCustody
)

// rejections maps every domain rejection to the code stored in the event
// log. Codes are part of the state hash: never renumber, only append.
var rejections = []struct {
	err  error
	code string
}{
	{ErrInvalidWindow, "invalid_window"},
	{ErrZeroReward, "zero_reward"},
	{ErrDuplicateFarm, "duplicate_farm"},
	{ErrFarmNotFound, "farm_not_found"},
	{ErrNotYetEndable, "not_yet_endable"},
	{ErrAlreadyEnded, "already_ended"},
	{ErrAlreadyDeposited, "already_deposited"},
	{ErrDepositNotFound, "deposit_not_found"},
	{ErrNotOwner, "not_owner"},
	{ErrRangeMismatch, "range_mismatch"},
	{ErrFarmNotActive, "farm_not_active"},
	{ErrAlreadyStaked, "already_staked"},
	{ErrNoOpenStake, "no_open_stake"},
	{ErrStakesStillOpen, "stakes_still_open"},
	{ErrZeroAddress, "zero_address"},
	{ErrLiquidityOutOfRange, "liquidity_out_of_range"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientAccrued, "insufficient_accrued"},
	{ErrArithmeticOverflow, "arithmetic_overflow"},
	{ErrDivideByZero, "divide_by_zero"},
	{ErrAccumulatorRegression, "accumulator_regression"},
	{ErrSnapshotUnavailable, "snapshot_unavailable"},
	{ErrNonMonotonic, "non_monotonic_checkpoint"},
	{ErrAlreadyInCustody, "already_in_custody"},
	{ErrNotInCustody, "not_in_custody"},
	{ErrZeroAmount, "zero_amount"},
	{ErrStaleTimestamp, "stale_timestamp"},
}

// RejectionCode returns the log code of a domain rejection, or "" for
// anything else.
func RejectionCode(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ""
}

// IsRejection reports whether err is a domain rejection. Rejected commands
// are logged and consume a sequence; the shell acks them and never retries.
// Anything else is an infrastructure error.
func IsRejection(err error) bool {
	return RejectionCode(err) != ""
}
