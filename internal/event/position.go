package event

import (
	"FarmLedger/internal/farm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DepositPosition records a position token entering custody.
type DepositPosition struct {
	Meta
	TokenID   uint256.Int
	Owner     common.Address
	Liquidity uint256.Int
	RangeID   common.Hash
}

func (e *DepositPosition) EventType() EventType { return EventTypeDepositPosition }
func (e *DepositPosition) Partition() string    { return e.partition(PartitionPosition) }

type StakeToken struct {
	Meta
	TokenID uint256.Int
	Key     farm.Key
	Caller  common.Address
}

func (e *StakeToken) EventType() EventType { return EventTypeStakeToken }
func (e *StakeToken) Partition() string    { return e.partition(PartitionPosition) }

type UnstakeToken struct {
	Meta
	TokenID uint256.Int
	Key     farm.Key
	Caller  common.Address
}

func (e *UnstakeToken) EventType() EventType { return EventTypeUnstakeToken }
func (e *UnstakeToken) Partition() string    { return e.partition(PartitionPosition) }

// WithdrawToken releases a deposit with no open stakes to Recipient.
// Data is opaque and forwarded on the outbound event.
type WithdrawToken struct {
	Meta
	TokenID   uint256.Int
	Caller    common.Address
	Recipient common.Address
	Data      []byte
}

func (e *WithdrawToken) EventType() EventType { return EventTypeWithdrawToken }
func (e *WithdrawToken) Partition() string    { return e.partition(PartitionPosition) }

type TransferDeposit struct {
	Meta
	TokenID  uint256.Int
	Caller   common.Address
	NewOwner common.Address
}

func (e *TransferDeposit) EventType() EventType { return EventTypeTransferDeposit }
func (e *TransferDeposit) Partition() string    { return e.partition(PartitionPosition) }
