package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeFarm
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota
	SubTypeAccrued

	// Farm sub-types
	SubTypeFarmEscrow

	// External sub-types
	SubTypeExternalBridge
	SubTypeExternalPayouts
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"BTR":  1,
		"USDC": 2,
		"USDT": 3,
		"ETH":  4,
		"WBTC": 5,
	}
	idToAsset = map[AssetID]string{
		1: "BTR",
		2: "USDC",
		3: "USDT",
		4: "ETH",
		5: "WBTC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking.
// EntityID holds a left-padded address for users and the farm ID for farms.
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Hash
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(account common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: common.BytesToHash(account.Bytes()),
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewFarmAccountKey creates a key for a farm's escrow
func NewFarmAccountKey(farmID common.Hash, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeFarm,
		EntityID: farmID,
		SubType:  SubTypeFarmEscrow,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Address returns the user address for user-scoped keys.
func (k AccountKey) Address() common.Address {
	return common.BytesToAddress(k.EntityID.Bytes())
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", strings.ToLower(k.Address().Hex()), k.subTypeName(), assetName)
	case AccountScopeFarm:
		return fmt.Sprintf("farm:%s:%s:%s", k.EntityID.Hex(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "user":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad address", path)
		}
		subType, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		return NewUserAccountKey(common.HexToAddress(parts[1]), subType, assetID), nil

	case len(parts) == 4 && parts[0] == "farm":
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		return NewFarmAccountKey(common.HexToHash(parts[1]), assetID), nil

	case len(parts) == 3 && parts[0] == "external":
		subType, err := parseSubType(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		return NewExternalAccountKey(subType, assetID), nil
	}

	return AccountKey{}, fmt.Errorf("account path %q: unrecognised format", path)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeAccrued:
		return "accrued"
	case SubTypeFarmEscrow:
		return "escrow"
	case SubTypeExternalBridge:
		return "bridge"
	case SubTypeExternalPayouts:
		return "payouts"
	default:
		return "unknown"
	}
}

func parseSubType(name string) (AccountSubType, error) {
	switch name {
	case "wallet":
		return SubTypeWallet, nil
	case "accrued":
		return SubTypeAccrued, nil
	case "escrow":
		return SubTypeFarmEscrow, nil
	case "bridge":
		return SubTypeExternalBridge, nil
	case "payouts":
		return SubTypeExternalPayouts, nil
	}
	return 0, fmt.Errorf("unknown sub-type %q", name)
}
