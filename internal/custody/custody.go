package custody

import (
	"errors"
	"fmt"
	"sort"

	"FarmLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrAlreadyInCustody = errors.New("custody: token already in custody")
	ErrNotInCustody     = errors.New("custody: token not in custody")
)

// PositionRegistry moves position tokens in and out of the engine's custody.
type PositionRegistry interface {
	// Receive records tokenID arriving from its owner.
	Receive(tokenID *uint256.Int, from common.Address) error
	// Release hands tokenID to the recipient.
	Release(tokenID *uint256.Int, to common.Address) error
	// Holder reports who holds tokenID and whether the engine does.
	Holder(tokenID *uint256.Int) (holder common.Address, inCustody bool)
}

// Holding is one token's custody record.
type Holding struct {
	TokenID   uint256.Int
	Holder    common.Address
	InCustody bool
}

// MemoryRegistry tracks custody in memory. Its state is part of the core
// snapshot so replay reproduces it.
type MemoryRegistry struct {
	custodian common.Address
	holdings  map[uint256.Int]*Holding
}

func NewMemoryRegistry(custodian common.Address) *MemoryRegistry {
	return &MemoryRegistry{
		custodian: custodian,
		holdings:  make(map[uint256.Int]*Holding),
	}
}

func (r *MemoryRegistry) Receive(tokenID *uint256.Int, from common.Address) error {
	if h, ok := r.holdings[*tokenID]; ok && h.InCustody {
		return fmt.Errorf("%w: token %s", ErrAlreadyInCustody, tokenID.Dec())
	}
	r.holdings[*tokenID] = &Holding{TokenID: *tokenID, Holder: r.custodian, InCustody: true}
	return nil
}

func (r *MemoryRegistry) Release(tokenID *uint256.Int, to common.Address) error {
	h, ok := r.holdings[*tokenID]
	if !ok || !h.InCustody {
		return fmt.Errorf("%w: token %s", ErrNotInCustody, tokenID.Dec())
	}
	h.Holder = to
	h.InCustody = false
	return nil
}

func (r *MemoryRegistry) Holder(tokenID *uint256.Int) (common.Address, bool) {
	h, ok := r.holdings[*tokenID]
	if !ok {
		return common.Address{}, false
	}
	return h.Holder, h.InCustody
}

// Holdings returns every record ordered by token ID.
func (r *MemoryRegistry) Holdings() []Holding {
	out := make([]Holding, 0, len(r.holdings))
	for _, h := range r.holdings {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID.Lt(&out[j].TokenID) })
	return out
}

func (r *MemoryRegistry) Restore(holdings []Holding) {
	r.holdings = make(map[uint256.Int]*Holding, len(holdings))
	for i := range holdings {
		h := holdings[i]
		r.holdings[h.TokenID] = &h
	}
}

// TokenVault is the reward-token boundary. Each call returns the journal
// batch for the transfer; nothing moves until the core applies it.
type TokenVault interface {
	TransferIn(eventRef string, timestamp int64, account common.Address, amount *uint256.Int) (*ledger.Batch, error)
	TransferOut(eventRef string, timestamp int64, account common.Address, amount *uint256.Int) (*ledger.Batch, error)
}

// LedgerVault books reward-token transfers against the double-entry ledger:
// inbound through the bridge account into a wallet, outbound from accrued
// reward to the payouts account.
type LedgerVault struct {
	gen   *ledger.JournalGenerator
	asset ledger.AssetID
}

func NewLedgerVault(gen *ledger.JournalGenerator, asset ledger.AssetID) *LedgerVault {
	return &LedgerVault{gen: gen, asset: asset}
}

func (v *LedgerVault) TransferIn(eventRef string, timestamp int64, account common.Address, amount *uint256.Int) (*ledger.Batch, error) {
	return v.gen.GenerateWalletFunded(eventRef, timestamp, account, v.asset, amount)
}

func (v *LedgerVault) TransferOut(eventRef string, timestamp int64, account common.Address, amount *uint256.Int) (*ledger.Batch, error) {
	return v.gen.GenerateHarvest(eventRef, timestamp, account, v.asset, amount)
}
