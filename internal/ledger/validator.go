package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserCollateralNonNegative checks user collateral >= 0
func (v *InvariantValidator) ValidateUserCollateralNonNegative(userID uuid.UUID, assetID AssetID) error {
	key := NewUserAccountKey(userID, SubTypeCollateral, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateHabitStakeNonNegative checks a habit's stake account >= 0.
// Penalties are capped at the remaining stake, so a negative stake
// account means the cap was bypassed somewhere.
func (v *InvariantValidator) ValidateHabitStakeNonNegative(habitID int64, assetID AssetID) error {
	key := NewHabitAccountKey(habitID, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateSystemPoolsNonNegative checks treasury and reward pool >= 0.
// Both only ever receive penalty inflows; the reward pool additionally
// pays out claims that are bounded by prior inflows.
func (v *InvariantValidator) ValidateSystemPoolsNonNegative(assetID AssetID) error {
	treasuryKey := NewSystemAccountKey(SubTypeSystemTreasury, assetID)
	if err := v.tracker.ValidateNonNegative(treasuryKey); err != nil {
		return err
	}

	poolKey := NewSystemAccountKey(SubTypeSystemRewardPool, assetID)
	return v.tracker.ValidateNonNegative(poolKey)
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
