package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateHoldingsNonNegative checks every wallet, accrued and escrow account.
// Only external boundary accounts may be negative.
func (v *InvariantValidator) ValidateHoldingsNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeExternal {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateEscrowMatches verifies a farm's escrow equals the registry's view of
// its remaining reward.
func (v *InvariantValidator) ValidateEscrowMatches(farmID common.Hash, assetID AssetID, remaining *uint256.Int) error {
	escrow := v.tracker.GetBalance(NewFarmAccountKey(farmID, assetID))
	if escrow.Cmp(remaining.ToBig()) != 0 {
		return fmt.Errorf("farm %s escrow %s does not match remaining reward %s",
			farmID.Hex(), escrow, remaining.Dec())
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
