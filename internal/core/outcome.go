package core

import (
	"FarmLedger/internal/farm"
	"FarmLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OutcomeKind names what an applied command did. Kinds double as outbound
// event names.
type OutcomeKind string

const (
	OutcomeWalletFunded       OutcomeKind = "WalletFunded"
	OutcomeFarmCreated        OutcomeKind = "FarmCreated"
	OutcomeFarmEnded          OutcomeKind = "FarmEnded"
	OutcomeDepositRegistered  OutcomeKind = "DepositRegistered"
	OutcomeDepositTransferred OutcomeKind = "DepositTransferred"
	OutcomeTokenStaked        OutcomeKind = "TokenStaked"
	OutcomeTokenUnstaked      OutcomeKind = "TokenUnstaked"
	OutcomeRewardHarvested    OutcomeKind = "RewardHarvested"
	OutcomeTokenWithdrawn     OutcomeKind = "TokenWithdrawn"
	OutcomeCheckpointRecorded OutcomeKind = "CheckpointRecorded"
)

// Outcome is the result of an applied command. Entity fields hold copies of
// the state after the command; which are set depends on Kind.
//
//	FarmCreated         Farm, Account=sponsor, Amount=totalReward
//	FarmEnded           Farm, Account=sponsor, Counterparty=caller, Amount=refund
//	DepositRegistered   Deposit, Account=owner
//	DepositTransferred  Deposit, Account=old owner, Counterparty=new owner
//	TokenStaked         Farm, Stake, Account=owner
//	TokenUnstaked       Farm, Stake, Account=reward recipient, Amount=reward, SecondsX
//	RewardHarvested     Account, Counterparty=recipient, Amount
//	TokenWithdrawn      Deposit, Account=owner, Counterparty=recipient, Data
//	WalletFunded        Account, Amount
//	CheckpointRecorded  RangeID, Timestamp, Amount=accumulator
type Outcome struct {
	Kind OutcomeKind

	Farm    *farm.Farm
	Stake   *position.Stake
	Deposit *position.Deposit

	Account      common.Address
	Counterparty common.Address
	Amount       uint256.Int
	SecondsX     uint256.Int
	Data         []byte

	RangeID   common.Hash
	Timestamp uint64
}

// appendDigest writes the domain state the outcome changed.
func (o *Outcome) appendDigest(buf []byte) []byte {
	buf = appendString(buf, string(o.Kind))
	buf = append(buf, o.Account[:]...)
	buf = append(buf, o.Counterparty[:]...)
	buf = appendU256(buf, &o.Amount)

	if f := o.Farm; f != nil {
		buf = appendString(buf, f.Key.String())
		buf = appendU256(buf, &f.RemainingReward)
		buf = appendU256(buf, &f.ClaimedSecondsX)
		buf = appendUint64(buf, f.OpenStakes)
		buf = appendU256(buf, &f.OpenLiquidity)
		if f.Ended {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	if s := o.Stake; s != nil {
		buf = appendU256(buf, &s.TokenID)
		buf = appendU256(buf, &s.AccumulatorAtStake)
		if s.AccumulatorAtUnstake != nil {
			buf = appendU256(buf, s.AccumulatorAtUnstake)
		}
		buf = appendU256(buf, &s.SecondsX)
		buf = appendU256(buf, &s.Reward)
	}
	if d := o.Deposit; d != nil {
		buf = appendU256(buf, &d.TokenID)
		buf = append(buf, d.Owner[:]...)
		buf = appendUint64(buf, uint64(d.OpenStakes))
	}
	if o.Kind == OutcomeCheckpointRecorded {
		buf = append(buf, o.RangeID[:]...)
		buf = appendUint64(buf, o.Timestamp)
	}
	return buf
}
