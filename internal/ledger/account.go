package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeActivePool
	SubTypeDefaultPool
	SubTypeStabilityPool

	// External sub-types
	SubTypeExternalIssuance
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs
type AssetID uint16

const (
	AssetStable AssetID = 1 // The stable synthetic asset
	AssetColl   AssetID = 2 // The collateral asset
	AssetDebt   AssetID = 3 // Outstanding position debt, tracked per pool
)

var (
	assetToID = map[string]AssetID{
		"STABLE": AssetStable,
		"COLL":   AssetColl,
		"DEBT":   AssetDebt,
	}
	idToAsset = map[AssetID]string{
		AssetStable: "STABLE",
		AssetColl:   "COLL",
		AssetDebt:   "DEBT",
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

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // Account UUID for users, zero for system and external
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user wallet
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for a pool account
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
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

// IsExternal reports whether the account sits outside the system boundary.
// External balances may go negative; every other balance may not.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeActivePool:
		return "active_pool"
	case SubTypeDefaultPool:
		return "default_pool"
	case SubTypeStabilityPool:
		return "stability_pool"
	case SubTypeExternalIssuance:
		return "issuance"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
