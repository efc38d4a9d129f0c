package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrInsufficientAccrued = errors.New("ledger: insufficient accrued reward")
	ErrInsufficientEscrow  = errors.New("ledger: insufficient farm escrow")
)

// Namespaces for deterministic batch and journal IDs. Replaying the same
// event log yields the same IDs.
var (
	batchNamespace   = uuid.MustParse("6c2b7f0e-3f4d-5a8e-9b1c-2d3e4f5a6b7c")
	journalNamespace = uuid.MustParse("9a8b7c6d-5e4f-5a3b-8c2d-1e0f9a8b7c6d")
)

// JournalGenerator creates balanced journal batches for farm operations.
// Every Generate* method pre-checks the balances it draws from and never
// mutates the tracker; the core applies the batch once the whole operation
// has succeeded.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence aligns the generator with the core's next sequence.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// NewBatch returns an empty batch for the given event. Events that only
// change engine state (stakes, checkpoints, custody) carry an empty batch.
func (jg *JournalGenerator) NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%s:%d", eventRef, jg.sequence))),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
	}
}

func (jg *JournalGenerator) appendJournal(
	batch *Batch,
	debit, credit AccountKey,
	amount *uint256.Int,
	journalType JournalType,
) {
	idx := len(batch.Journals)
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, append(batch.BatchID[:], byte(idx))),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        *amount.Clone(),
		JournalType:   journalType,
		Timestamp:     batch.Timestamp,
	})
}

// GenerateWalletFunded credits reward tokens bridged into an account's wallet.
// Moves funds: external:bridge → user:wallet
func (jg *JournalGenerator) GenerateWalletFunded(
	eventRef string,
	timestamp int64,
	account common.Address,
	assetID AssetID,
	amount *uint256.Int,
) (*Batch, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("wallet funding must be positive")
	}

	batch := jg.NewBatch(eventRef, timestamp)
	jg.appendJournal(batch,
		NewUserAccountKey(account, SubTypeWallet, assetID),
		NewExternalAccountKey(SubTypeExternalBridge, assetID),
		amount, JournalTypeWalletFunding)

	return batch, nil
}

// GenerateFarmFunded escrows a farm's reward from the sponsor's wallet.
// Moves funds: user:wallet → farm:escrow
func (jg *JournalGenerator) GenerateFarmFunded(
	eventRef string,
	timestamp int64,
	sponsor common.Address,
	farmID common.Hash,
	assetID AssetID,
	amount *uint256.Int,
) (*Batch, error) {
	if have := jg.balanceTracker.Wallet(sponsor, assetID); have.Lt(amount) {
		return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientFunds, have.Dec(), amount.Dec())
	}

	batch := jg.NewBatch(eventRef, timestamp)
	jg.appendJournal(batch,
		NewFarmAccountKey(farmID, assetID),
		NewUserAccountKey(sponsor, SubTypeWallet, assetID),
		amount, JournalTypeFarmEscrow)

	return batch, nil
}

// GenerateRewardAccrued credits a closed stake's reward to its owner.
// Moves funds: farm:escrow → user:accrued. A zero reward yields an empty batch.
func (jg *JournalGenerator) GenerateRewardAccrued(
	eventRef string,
	timestamp int64,
	farmID common.Hash,
	account common.Address,
	assetID AssetID,
	amount *uint256.Int,
) (*Batch, error) {
	batch := jg.NewBatch(eventRef, timestamp)
	if amount.IsZero() {
		return batch, nil
	}

	if have := jg.balanceTracker.Escrow(farmID, assetID); have.Lt(amount) {
		return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientEscrow, have.Dec(), amount.Dec())
	}

	jg.appendJournal(batch,
		NewUserAccountKey(account, SubTypeAccrued, assetID),
		NewFarmAccountKey(farmID, assetID),
		amount, JournalTypeRewardAccrual)

	return batch, nil
}

// GenerateHarvest pays accrued reward out of the system.
// Moves funds: user:accrued → external:payouts. A zero amount yields an empty batch.
func (jg *JournalGenerator) GenerateHarvest(
	eventRef string,
	timestamp int64,
	account common.Address,
	assetID AssetID,
	amount *uint256.Int,
) (*Batch, error) {
	batch := jg.NewBatch(eventRef, timestamp)
	if amount.IsZero() {
		return batch, nil
	}

	if have := jg.balanceTracker.Accrued(account, assetID); have.Lt(amount) {
		return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientAccrued, have.Dec(), amount.Dec())
	}

	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalPayouts, assetID),
		NewUserAccountKey(account, SubTypeAccrued, assetID),
		amount, JournalTypeHarvest)

	return batch, nil
}

// GenerateRefund returns a farm's undistributed escrow to the sponsor's wallet.
// Moves funds: farm:escrow → user:wallet. A zero refund yields an empty batch.
func (jg *JournalGenerator) GenerateRefund(
	eventRef string,
	timestamp int64,
	farmID common.Hash,
	sponsor common.Address,
	assetID AssetID,
	amount *uint256.Int,
) (*Batch, error) {
	batch := jg.NewBatch(eventRef, timestamp)
	if amount.IsZero() {
		return batch, nil
	}

	if have := jg.balanceTracker.Escrow(farmID, assetID); have.Lt(amount) {
		return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientEscrow, have.Dec(), amount.Dec())
	}

	jg.appendJournal(batch,
		NewUserAccountKey(sponsor, SubTypeWallet, assetID),
		NewFarmAccountKey(farmID, assetID),
		amount, JournalTypeRefund)

	return batch, nil
}
