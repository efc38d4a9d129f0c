package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
// Balances are signed: external boundary accounts go negative as value
// enters the system.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) entry(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	debit := bt.entry(j.DebitAccount)
	debit.Add(debit, amount)
	credit := bt.entry(j.CreditAccount)
	credit.Sub(credit, amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetBalance overwrites a balance. Used for snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	bt.balances[key] = new(big.Int).Set(balance)
}

// holding returns the balance of an asset-holding account as uint256.
// Holding accounts are never negative once invariants hold.
func (bt *BalanceTracker) holding(key AccountKey) *uint256.Int {
	b := bt.balances[key]
	if b == nil || b.Sign() <= 0 {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		panic(fmt.Sprintf("FATAL: account %s exceeds 256 bits", key.AccountPath()))
	}
	return v
}

// Wallet returns the spendable reward-token balance of an account.
func (bt *BalanceTracker) Wallet(account common.Address, assetID AssetID) *uint256.Int {
	return bt.holding(NewUserAccountKey(account, SubTypeWallet, assetID))
}

// Accrued returns the unharvested reward of an account.
func (bt *BalanceTracker) Accrued(account common.Address, assetID AssetID) *uint256.Int {
	return bt.holding(NewUserAccountKey(account, SubTypeAccrued, assetID))
}

// Escrow returns the reward still held in a farm's escrow.
func (bt *BalanceTracker) Escrow(farmID common.Hash, assetID AssetID) *uint256.Int {
	return bt.holding(NewFarmAccountKey(farmID, assetID))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(big.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// SortedKeys returns every tracked account ordered by AccountPath.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}
