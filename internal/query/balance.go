// internal/query/balance.go (NEW)
package query

import (
	"github.com/google/uuid"
)

// BalanceResponse represents user balance state for API queries
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Asset  string    `json:"asset"`

	// Ledger balances (from journal entries)
	TotalBalance      int64 `json:"total_balance"`      // available + staked + pending withdrawal
	AvailableBalance  int64 `json:"available_balance"`  // spendable collateral
	StakedBalance     int64 `json:"staked_balance"`     // locked in habit stakes
	PendingWithdrawal int64 `json:"pending_withdrawal"` // awaiting custody confirmation

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// VaultResponse represents a per-asset reward vault for API queries.
// RewardPerWeight is the monotone accumulator scaled by 1e18, serialized
// as a decimal string because it exceeds int64 range.
type VaultResponse struct {
	Asset           string `json:"asset"`
	AssetID         uint16 `json:"asset_id"`
	RewardPerWeight string `json:"reward_per_weight"`
	TotalWeight     int64  `json:"total_weight"`
	PoolBalance     int64  `json:"pool_balance"` // system:reward_pool balance

	AsOfSequence int64 `json:"as_of_sequence"`
}
