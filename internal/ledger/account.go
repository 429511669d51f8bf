package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeHabit
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypePendingWithdrawal

	// Habit sub-types
	SubTypeHabitStake

	// System sub-types
	SubTypeSystemTreasury
	SubTypeSystemRewardPool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// Supported assets: the native chain asset and the designated stable token.
const (
	AssetNative = "ETH"
	AssetStable = "USDC"
)

var (
	assetToID = map[string]AssetID{
		AssetNative: 1,
		AssetStable: 2,
	}
	idToAsset = map[AssetID]string{
		1: AssetNative,
		2: AssetStable,
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

// AllAssetIDs returns the registered asset IDs in ascending order.
func AllAssetIDs() []AssetID {
	return []AssetID{1, 2}
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, big-endian habit ID for habits, name hash for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewHabitAccountKey creates a key for a habit's stake account
func NewHabitAccountKey(habitID int64, assetID AssetID) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint64(entityID[8:], uint64(habitID))
	return AccountKey{
		Scope:    AccountScopeHabit,
		EntityID: entityID,
		SubType:  SubTypeHabitStake,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
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

// HabitID decodes the habit identifier from a habit-scoped key.
func (k AccountKey) HabitID() int64 {
	return int64(binary.BigEndian.Uint64(k.EntityID[8:]))
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeHabit:
		return fmt.Sprintf("habit:%d:%s:%s", k.HabitID(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypeHabitStake:
		return "stake"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeSystemRewardPool:
		return "reward_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
