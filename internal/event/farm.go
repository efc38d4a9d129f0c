package event

import (
	"FarmLedger/internal/farm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WalletFunded credits reward tokens bridged in for an account.
type WalletFunded struct {
	Meta
	Account common.Address
	Amount  uint256.Int
}

func (e *WalletFunded) EventType() EventType { return EventTypeWalletFunded }
func (e *WalletFunded) Partition() string    { return e.partition(PartitionWallet) }

// CreateFarm escrows TotalReward from the sponsor's wallet for a new farm.
type CreateFarm struct {
	Meta
	Key         farm.Key
	TotalReward uint256.Int
	Sponsor     common.Address
}

func (e *CreateFarm) EventType() EventType { return EventTypeCreateFarm }
func (e *CreateFarm) Partition() string    { return e.partition(PartitionFarm) }

// EndFarm refunds a finished farm's remaining reward to its sponsor.
type EndFarm struct {
	Meta
	Key    farm.Key
	Caller common.Address
}

func (e *EndFarm) EventType() EventType { return EventTypeEndFarm }
func (e *EndFarm) Partition() string    { return e.partition(PartitionFarm) }

// HarvestReward pays Amount of Account's accrued reward to Recipient.
// A zero Amount harvests everything.
type HarvestReward struct {
	Meta
	Account   common.Address
	Recipient common.Address
	Amount    uint256.Int
}

func (e *HarvestReward) EventType() EventType { return EventTypeHarvestReward }
func (e *HarvestReward) Partition() string    { return e.partition(PartitionReward) }
