package event

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	// Core deterministic encoding: identical events always produce identical
	// payload bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("event: cbor enc mode: %v", err))
	}
}

// Encode serializes an event for the event log payload.
func Encode(evt Event) ([]byte, error) {
	return encMode.Marshal(evt)
}

// Decode rebuilds a typed event from a logged payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeWalletFunded:
		evt = &WalletFunded{}
	case EventTypeCreateFarm:
		evt = &CreateFarm{}
	case EventTypeEndFarm:
		evt = &EndFarm{}
	case EventTypeDepositPosition:
		evt = &DepositPosition{}
	case EventTypeStakeToken:
		evt = &StakeToken{}
	case EventTypeUnstakeToken:
		evt = &UnstakeToken{}
	case EventTypeHarvestReward:
		evt = &HarvestReward{}
	case EventTypeWithdrawToken:
		evt = &WithdrawToken{}
	case EventTypeTransferDeposit:
		evt = &TransferDeposit{}
	case EventTypeAccumulatorCheckpoint:
		evt = &AccumulatorCheckpoint{}
	default:
		return nil, fmt.Errorf("event: cannot decode type %s", et)
	}

	if err := cbor.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", et, err)
	}
	return evt, nil
}
