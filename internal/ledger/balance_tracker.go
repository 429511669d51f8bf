package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === User Balance Queries ===

// GetUserCollateral returns the spendable custody balance
func (bt *BalanceTracker) GetUserCollateral(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, assetID))
}

// GetUserPendingWithdrawal returns the amount locked for unconfirmed withdrawals
func (bt *BalanceTracker) GetUserPendingWithdrawal(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID))
}

// GetHabitStake returns the locked stake for a habit
func (bt *BalanceTracker) GetHabitStake(habitID int64, assetID AssetID) int64 {
	return bt.GetBalance(NewHabitAccountKey(habitID, assetID))
}

// === Invariant Checks ===

// ValidateSufficientCollateral checks if user has enough spendable balance
func (bt *BalanceTracker) ValidateSufficientCollateral(userID uuid.UUID, assetID AssetID, required int64) error {
	collateral := bt.GetUserCollateral(userID, assetID)
	if collateral < required {
		return fmt.Errorf("insufficient collateral: have=%d, need=%d", collateral, required)
	}
	return nil
}

// ValidateSufficientStake checks if a habit has enough locked stake to release
func (bt *BalanceTracker) ValidateSufficientStake(habitID int64, assetID AssetID, required int64) error {
	stake := bt.GetHabitStake(habitID, assetID)
	if stake < required {
		return fmt.Errorf("insufficient stake: have=%d, need=%d", stake, required)
	}
	return nil
}

// ValidateSufficientPendingWithdrawal checks the pending holding account
// covers a withdrawal confirmation or rejection
func (bt *BalanceTracker) ValidateSufficientPendingWithdrawal(userID uuid.UUID, assetID AssetID, required int64) error {
	pending := bt.GetUserPendingWithdrawal(userID, assetID)
	if pending < required {
		return fmt.Errorf("insufficient pending withdrawal: have=%d, need=%d", pending, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance overwrites an account balance. Used on snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}
