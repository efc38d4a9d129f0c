package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

var ErrMalformed = errors.New("ingestion: malformed event")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. It validates field syntax only; the engine owns every
// domain rule.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "WalletFunded":
		return parseWalletFunded(raw.Data)
	case "CreateFarm":
		return parseCreateFarm(raw.Data)
	case "EndFarm":
		return parseEndFarm(raw.Data)
	case "DepositPosition":
		return parseDepositPosition(raw.Data)
	case "StakeToken":
		return parseStakeToken(raw.Data)
	case "UnstakeToken":
		return parseUnstakeToken(raw.Data)
	case "HarvestReward":
		return parseHarvestReward(raw.Data)
	case "WithdrawToken":
		return parseWithdrawToken(raw.Data)
	case "TransferDeposit":
		return parseTransferDeposit(raw.Data)
	case "AccumulatorCheckpoint":
		return parseAccumulatorCheckpoint(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Amounts, token
// IDs and liquidity are decimal or 0x-hex strings.

type metaJSON struct {
	RequestID string `json:"request_id"`
	Sequence  int64  `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`
	Admin     bool   `json:"admin,omitempty"`
}

func (m metaJSON) meta() (event.Meta, error) {
	if strings.TrimSpace(m.RequestID) == "" {
		return event.Meta{}, fmt.Errorf("%w: request_id is required", ErrMalformed)
	}
	if m.Sequence < 0 {
		return event.Meta{}, fmt.Errorf("%w: negative sequence", ErrMalformed)
	}
	return event.Meta{
		RequestID: m.RequestID,
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
		Admin:     m.Admin,
	}, nil
}

type farmKeyJSON struct {
	RangeID   string `json:"range_id"`
	StartTime uint64 `json:"start_time"`
	EndTime   uint64 `json:"end_time"`
}

func (k farmKeyJSON) key() (farm.Key, error) {
	rangeID, err := parseHash("range_id", k.RangeID)
	if err != nil {
		return farm.Key{}, err
	}
	return farm.Key{RangeID: rangeID, StartTime: k.StartTime, EndTime: k.EndTime}, nil
}

func decode(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrMalformed, name, err)
	}
	return nil
}

type walletFundedJSON struct {
	metaJSON
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func parseWalletFunded(data []byte) (*event.WalletFunded, error) {
	var j walletFundedJSON
	if err := decode("WalletFunded", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WalletFunded{Meta: meta, Account: account, Amount: *amount}, nil
}

type createFarmJSON struct {
	metaJSON
	farmKeyJSON
	TotalReward string `json:"total_reward"`
	Sponsor     string `json:"sponsor"`
}

func parseCreateFarm(data []byte) (*event.CreateFarm, error) {
	var j createFarmJSON
	if err := decode("CreateFarm", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	key, err := j.key()
	if err != nil {
		return nil, err
	}
	reward, err := parseAmount("total_reward", j.TotalReward)
	if err != nil {
		return nil, err
	}
	sponsor, err := parseAddress("sponsor", j.Sponsor)
	if err != nil {
		return nil, err
	}
	return &event.CreateFarm{Meta: meta, Key: key, TotalReward: *reward, Sponsor: sponsor}, nil
}

type endFarmJSON struct {
	metaJSON
	farmKeyJSON
	Caller string `json:"caller"`
}

func parseEndFarm(data []byte) (*event.EndFarm, error) {
	var j endFarmJSON
	if err := decode("EndFarm", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	key, err := j.key()
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	return &event.EndFarm{Meta: meta, Key: key, Caller: caller}, nil
}

type depositPositionJSON struct {
	metaJSON
	TokenID   string `json:"token_id"`
	Owner     string `json:"owner"`
	Liquidity string `json:"liquidity"`
	RangeID   string `json:"range_id"`
}

func parseDepositPosition(data []byte) (*event.DepositPosition, error) {
	var j depositPositionJSON
	if err := decode("DepositPosition", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	tokenID, err := parseAmount("token_id", j.TokenID)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	liquidity, err := parseAmount("liquidity", j.Liquidity)
	if err != nil {
		return nil, err
	}
	rangeID, err := parseHash("range_id", j.RangeID)
	if err != nil {
		return nil, err
	}
	return &event.DepositPosition{
		Meta:      meta,
		TokenID:   *tokenID,
		Owner:     owner,
		Liquidity: *liquidity,
		RangeID:   rangeID,
	}, nil
}

type stakeJSON struct {
	metaJSON
	farmKeyJSON
	TokenID string `json:"token_id"`
	Caller  string `json:"caller"`
}

func (j stakeJSON) fields() (event.Meta, *uint256.Int, farm.Key, common.Address, error) {
	meta, err := j.meta()
	if err != nil {
		return event.Meta{}, nil, farm.Key{}, common.Address{}, err
	}
	tokenID, err := parseAmount("token_id", j.TokenID)
	if err != nil {
		return event.Meta{}, nil, farm.Key{}, common.Address{}, err
	}
	key, err := j.key()
	if err != nil {
		return event.Meta{}, nil, farm.Key{}, common.Address{}, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return event.Meta{}, nil, farm.Key{}, common.Address{}, err
	}
	return meta, tokenID, key, caller, nil
}

func parseStakeToken(data []byte) (*event.StakeToken, error) {
	var j stakeJSON
	if err := decode("StakeToken", data, &j); err != nil {
		return nil, err
	}
	meta, tokenID, key, caller, err := j.fields()
	if err != nil {
		return nil, err
	}
	return &event.StakeToken{Meta: meta, TokenID: *tokenID, Key: key, Caller: caller}, nil
}

func parseUnstakeToken(data []byte) (*event.UnstakeToken, error) {
	var j stakeJSON
	if err := decode("UnstakeToken", data, &j); err != nil {
		return nil, err
	}
	meta, tokenID, key, caller, err := j.fields()
	if err != nil {
		return nil, err
	}
	return &event.UnstakeToken{Meta: meta, TokenID: *tokenID, Key: key, Caller: caller}, nil
}

type harvestJSON struct {
	metaJSON
	Account   string `json:"account"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

func parseHarvestReward(data []byte) (*event.HarvestReward, error) {
	var j harvestJSON
	if err := decode("HarvestReward", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return nil, err
	}

	// An empty recipient pays the account itself; an empty amount harvests all.
	var recipient common.Address
	if j.Recipient != "" {
		if recipient, err = parseAddress("recipient", j.Recipient); err != nil {
			return nil, err
		}
	}
	amount := new(uint256.Int)
	if j.Amount != "" {
		if amount, err = parseAmount("amount", j.Amount); err != nil {
			return nil, err
		}
	}
	return &event.HarvestReward{Meta: meta, Account: account, Recipient: recipient, Amount: *amount}, nil
}

type withdrawJSON struct {
	metaJSON
	TokenID   string `json:"token_id"`
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Data      string `json:"data,omitempty"` // 0x-hex
}

func parseWithdrawToken(data []byte) (*event.WithdrawToken, error) {
	var j withdrawJSON
	if err := decode("WithdrawToken", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	tokenID, err := parseAmount("token_id", j.TokenID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddress("recipient", j.Recipient)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if j.Data != "" {
		if payload, err = hexutil.Decode(j.Data); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
	}
	return &event.WithdrawToken{
		Meta:      meta,
		TokenID:   *tokenID,
		Caller:    caller,
		Recipient: recipient,
		Data:      payload,
	}, nil
}

type transferJSON struct {
	metaJSON
	TokenID  string `json:"token_id"`
	Caller   string `json:"caller"`
	NewOwner string `json:"new_owner"`
}

func parseTransferDeposit(data []byte) (*event.TransferDeposit, error) {
	var j transferJSON
	if err := decode("TransferDeposit", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta()
	if err != nil {
		return nil, err
	}
	tokenID, err := parseAmount("token_id", j.TokenID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	newOwner, err := parseAddress("new_owner", j.NewOwner)
	if err != nil {
		return nil, err
	}
	return &event.TransferDeposit{Meta: meta, TokenID: *tokenID, Caller: caller, NewOwner: newOwner}, nil
}

type checkpointJSON struct {
	RangeID            string `json:"range_id"`
	Timestamp          uint64 `json:"timestamp"`
	AccumulatorX128    string `json:"accumulator_x128"`
	CheckpointSequence int64  `json:"checkpoint_sequence"`
}

func parseAccumulatorCheckpoint(data []byte) (*event.AccumulatorCheckpoint, error) {
	var j checkpointJSON
	if err := decode("AccumulatorCheckpoint", data, &j); err != nil {
		return nil, err
	}
	rangeID, err := parseHash("range_id", j.RangeID)
	if err != nil {
		return nil, err
	}
	acc, err := parseAmount("accumulator_x128", j.AccumulatorX128)
	if err != nil {
		return nil, err
	}
	return &event.AccumulatorCheckpoint{
		RangeID:            rangeID,
		Timestamp:          j.Timestamp,
		Accumulator:        *acc,
		CheckpointSequence: j.CheckpointSequence,
	}, nil
}

// --- field parsers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s: invalid address %q", ErrMalformed, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s: want 32-byte 0x-hex, got %q", ErrMalformed, field, s)
	}
	return common.BytesToHash(b), nil
}

// parseAmount reads a uint256 in decimal or 0x-hex.
func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
	}
	return v, nil
}
