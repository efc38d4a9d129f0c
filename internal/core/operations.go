package core

import (
	"fmt"

	"FarmLedger/internal/event"
	"FarmLedger/internal/ledger"
	fpmath "FarmLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Handlers return the outcome and the journal batch of a command. Each one
// runs every check that can fail before its first mutation; a mutation
// failing afterwards means the registries disagree with each other, and the
// engine stops.

func (c *FarmingEngine) handleWalletFunded(e *event.WalletFunded, now uint64) (*Outcome, *ledger.Batch, error) {
	if e.Amount.IsZero() {
		return nil, nil, ErrZeroAmount
	}
	if e.Account == (common.Address{}) {
		return nil, nil, fmt.Errorf("%w: account", ErrZeroAddress)
	}

	batch, err := c.vault.TransferIn(e.IdempotencyKey(), int64(now), e.Account, &e.Amount)
	if err != nil {
		return nil, nil, err
	}

	out := &Outcome{Kind: OutcomeWalletFunded, Account: e.Account}
	out.Amount.Set(&e.Amount)
	return out, batch, nil
}

func (c *FarmingEngine) handleCreateFarm(e *event.CreateFarm, now uint64) (*Outcome, *ledger.Batch, error) {
	if err := c.farms.ValidateCreate(e.Key, &e.TotalReward); err != nil {
		return nil, nil, err
	}
	if e.Sponsor == (common.Address{}) {
		return nil, nil, fmt.Errorf("%w: sponsor", ErrZeroAddress)
	}

	batch, err := c.journalGen.GenerateFarmFunded(
		e.IdempotencyKey(), int64(now), e.Sponsor, e.Key.ID(), c.rewardAsset, &e.TotalReward)
	if err != nil {
		return nil, nil, fmt.Errorf("fund farm %s: %w", e.Key, err)
	}

	f, err := c.farms.Create(e.Key, &e.TotalReward, e.Sponsor, now)
	mustCommit(err, "create farm")

	out := &Outcome{Kind: OutcomeFarmCreated, Farm: f, Account: e.Sponsor}
	out.Amount.Set(&e.TotalReward)
	return out, batch, nil
}

func (c *FarmingEngine) handleEndFarm(e *event.EndFarm, now uint64) (*Outcome, *ledger.Batch, error) {
	refund, err := c.farms.ValidateEnd(e.Key, e.Caller, now, c.params.ClaimDeadline)
	if err != nil {
		return nil, nil, err
	}
	f, err := c.farms.Get(e.Key)
	if err != nil {
		return nil, nil, err
	}

	batch, err := c.journalGen.GenerateRefund(
		e.IdempotencyKey(), int64(now), e.Key.ID(), f.Sponsor, c.rewardAsset, refund)
	if err != nil {
		return nil, nil, fmt.Errorf("refund farm %s: %w", e.Key, err)
	}

	_, err = c.farms.End(e.Key, e.Caller, now, c.params.ClaimDeadline)
	mustCommit(err, "end farm")

	ended, err := c.farms.Get(e.Key)
	mustCommit(err, "end farm")

	out := &Outcome{Kind: OutcomeFarmEnded, Farm: ended, Account: f.Sponsor, Counterparty: e.Caller}
	out.Amount.Set(refund)
	return out, batch, nil
}

func (c *FarmingEngine) handleDepositPosition(e *event.DepositPosition, now uint64) (*Outcome, *ledger.Batch, error) {
	if err := c.positions.ValidateRegister(&e.TokenID, e.Owner, &e.Liquidity); err != nil {
		return nil, nil, err
	}
	if _, held := c.custody.Holder(&e.TokenID); held {
		return nil, nil, fmt.Errorf("%w: token %s", ErrAlreadyInCustody, e.TokenID.Dec())
	}

	d, err := c.positions.RegisterDeposit(&e.TokenID, e.Owner, &e.Liquidity, e.RangeID, now)
	mustCommit(err, "register deposit")
	mustCommit(c.custody.Receive(&e.TokenID, e.Owner), "receive token")

	out := &Outcome{Kind: OutcomeDepositRegistered, Deposit: d, Account: e.Owner}
	return out, c.journalGen.NewBatch(e.IdempotencyKey(), int64(now)), nil
}

func (c *FarmingEngine) handleStakeToken(e *event.StakeToken, now uint64) (*Outcome, *ledger.Batch, error) {
	f, err := c.farms.Get(e.Key)
	if err != nil {
		return nil, nil, err
	}

	// OpenStake is the last check and the first mutation.
	s, err := c.positions.OpenStake(&e.TokenID, f, e.Caller, now, c.oracle)
	if err != nil {
		return nil, nil, err
	}
	mustCommit(c.farms.AddStake(e.Key, &s.Liquidity, &s.AccumulatorAtStake), "add stake")

	after, err := c.farms.Get(e.Key)
	mustCommit(err, "stake")

	out := &Outcome{Kind: OutcomeTokenStaked, Farm: after, Stake: s, Account: e.Caller}
	return out, c.journalGen.NewBatch(e.IdempotencyKey(), int64(now)), nil
}

func (c *FarmingEngine) handleUnstakeToken(e *event.UnstakeToken, now uint64) (*Outcome, *ledger.Batch, error) {
	f, err := c.farms.Get(e.Key)
	if err != nil {
		return nil, nil, err
	}

	closing, err := c.positions.MeasureClose(&e.TokenID, f, e.Caller, now, c.oracle)
	if err != nil {
		return nil, nil, err
	}

	// An ended farm already refunded its remainder.
	reward := new(uint256.Int)
	if !f.Ended {
		outstanding, err := c.farms.Outstanding(e.Key, closing.AccNow, now)
		if err != nil {
			return nil, nil, fmt.Errorf("farm %s outstanding: %w", e.Key, err)
		}
		reward, err = fpmath.CloseReward(closing.SecondsX, outstanding, &f.RemainingReward)
		if err != nil {
			return nil, nil, fmt.Errorf("farm %s reward: %w", e.Key, err)
		}
	}

	batch, err := c.journalGen.GenerateRewardAccrued(
		e.IdempotencyKey(), int64(now), e.Key.ID(), closing.Owner, c.rewardAsset, reward)
	if err != nil {
		return nil, nil, fmt.Errorf("accrue farm %s: %w", e.Key, err)
	}

	// CreditStakeClose validates before it mutates, so it may still reject.
	stake := closing.Stake
	if err := c.farms.CreditStakeClose(e.Key, &stake.Liquidity, &stake.AccumulatorAtStake, closing.SecondsX, reward); err != nil {
		return nil, nil, err
	}
	closed, err := c.positions.CommitClose(closing, reward, now)
	mustCommit(err, "close stake")

	after, err := c.farms.Get(e.Key)
	mustCommit(err, "unstake")

	out := &Outcome{Kind: OutcomeTokenUnstaked, Farm: after, Stake: closed, Account: closing.Owner, Counterparty: e.Caller}
	out.Amount.Set(reward)
	out.SecondsX.Set(closing.SecondsX)
	return out, batch, nil
}

func (c *FarmingEngine) handleHarvestReward(e *event.HarvestReward, now uint64) (*Outcome, *ledger.Batch, error) {
	recipient := e.Recipient
	if recipient == (common.Address{}) {
		recipient = e.Account
	}

	accrued := c.balanceTracker.Accrued(e.Account, c.rewardAsset)
	amount := e.Amount.Clone()
	if amount.IsZero() {
		amount = accrued
	} else if amount.Gt(accrued) {
		return nil, nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientAccrued, accrued.Dec(), amount.Dec())
	}

	batch, err := c.vault.TransferOut(e.IdempotencyKey(), int64(now), e.Account, amount)
	if err != nil {
		return nil, nil, err
	}

	out := &Outcome{Kind: OutcomeRewardHarvested, Account: e.Account, Counterparty: recipient}
	out.Amount.Set(amount)
	return out, batch, nil
}

func (c *FarmingEngine) handleWithdrawToken(e *event.WithdrawToken, now uint64) (*Outcome, *ledger.Batch, error) {
	if _, err := c.positions.ValidateWithdraw(&e.TokenID, e.Caller, e.Recipient); err != nil {
		return nil, nil, err
	}
	if _, held := c.custody.Holder(&e.TokenID); !held {
		return nil, nil, fmt.Errorf("%w: token %s", ErrNotInCustody, e.TokenID.Dec())
	}

	d, err := c.positions.WithdrawDeposit(&e.TokenID, e.Caller, e.Recipient)
	mustCommit(err, "withdraw deposit")
	mustCommit(c.custody.Release(&e.TokenID, e.Recipient), "release token")

	out := &Outcome{
		Kind:         OutcomeTokenWithdrawn,
		Deposit:      d,
		Account:      d.Owner,
		Counterparty: e.Recipient,
		Data:         append([]byte(nil), e.Data...),
	}
	return out, c.journalGen.NewBatch(e.IdempotencyKey(), int64(now)), nil
}

func (c *FarmingEngine) handleTransferDeposit(e *event.TransferDeposit, now uint64) (*Outcome, *ledger.Batch, error) {
	old, err := c.positions.TransferDeposit(&e.TokenID, e.Caller, e.NewOwner)
	if err != nil {
		return nil, nil, err
	}
	d, err := c.positions.GetDeposit(&e.TokenID)
	mustCommit(err, "transfer deposit")

	out := &Outcome{Kind: OutcomeDepositTransferred, Deposit: d, Account: old, Counterparty: e.NewOwner}
	return out, c.journalGen.NewBatch(e.IdempotencyKey(), int64(now)), nil
}

func (c *FarmingEngine) handleAccumulatorCheckpoint(e *event.AccumulatorCheckpoint) (*Outcome, *ledger.Batch, error) {
	if err := c.checkpoints.Record(e.RangeID, e.Timestamp, &e.Accumulator, e.CheckpointSequence); err != nil {
		return nil, nil, err
	}

	out := &Outcome{Kind: OutcomeCheckpointRecorded, RangeID: e.RangeID, Timestamp: e.Timestamp}
	out.Amount.Set(&e.Accumulator)
	return out, c.journalGen.NewBatch(e.IdempotencyKey(), int64(e.Timestamp)), nil
}

// mustCommit panics when a mutation fails after its checks passed.
func mustCommit(err error, op string) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: %s after validation: %v", op, err))
	}
}
