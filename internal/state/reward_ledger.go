package state

import (
	"fmt"
	"math/big"

	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"
)

// HabitLookup is the narrow view of habit state the reward ledger
// needs: which token a habit stakes. Keeping the dependency this small
// means the reward math never reads or mutates habit records.
type HabitLookup interface {
	HabitAsset(id int64) (ledger.AssetID, bool)
}

// VaultState is the per-token reward accumulator. RewardPerWeight is
// the lifetime reward per unit of weight at 18 decimal places; it only
// ever increases. TotalWeight is the sum of all participant weights
// for this token.
type VaultState struct {
	AssetID         ledger.AssetID
	RewardPerWeight *big.Int // 18 decimal places, monotonic
	TotalWeight     int64
}

// CanonicalBytes returns a deterministic byte representation for state hashing
func (v *VaultState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)

	buf = appendInt64LE(buf, int64(v.AssetID))

	// RewardPerWeight: length-prefixed big-endian magnitude
	rpw := v.RewardPerWeight.Bytes()
	buf = appendInt64LE(buf, int64(len(rpw)))
	buf = append(buf, rpw...)

	buf = appendInt64LE(buf, v.TotalWeight)

	return buf
}

// HabitReward is one habit's participation in a token's vault. Pending
// holds settled-but-unclaimed rewards; RewardPerWeightPaid is the vault
// accumulator value the habit has been settled up to.
type HabitReward struct {
	HabitID             int64
	AssetID             ledger.AssetID
	Pending             int64
	RewardPerWeightPaid *big.Int // 18 decimal places
	Weight              int64
}

// CanonicalBytes returns a deterministic byte representation for state hashing
func (r *HabitReward) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	buf = appendInt64LE(buf, r.HabitID)
	buf = appendInt64LE(buf, int64(r.AssetID))
	buf = appendInt64LE(buf, r.Pending)

	paid := r.RewardPerWeightPaid.Bytes()
	buf = appendInt64LE(buf, int64(len(paid)))
	buf = append(buf, paid...)

	buf = appendInt64LE(buf, r.Weight)

	return buf
}

// RewardKey addresses one habit's reward record within one token vault.
type RewardKey struct {
	AssetID ledger.AssetID
	HabitID int64
}

// RewardLedger distributes penalty proceeds across active habits in
// proportion to streak weight. Distribution is O(1) per deposit: the
// vault accumulator advances, and each habit settles lazily whenever
// its weight changes or it claims.
type RewardLedger struct {
	vaults  map[ledger.AssetID]*VaultState
	rewards map[RewardKey]*HabitReward
	habits  HabitLookup
}

func NewRewardLedger(habits HabitLookup) *RewardLedger {
	return &RewardLedger{
		vaults:  make(map[ledger.AssetID]*VaultState),
		rewards: make(map[RewardKey]*HabitReward),
		habits:  habits,
	}
}

func (rl *RewardLedger) getOrCreateVault(assetID ledger.AssetID) *VaultState {
	vault, exists := rl.vaults[assetID]
	if !exists {
		vault = &VaultState{
			AssetID:         assetID,
			RewardPerWeight: big.NewInt(0),
			TotalWeight:     0,
		}
		rl.vaults[assetID] = vault
	}
	return vault
}

func (rl *RewardLedger) getOrCreateReward(assetID ledger.AssetID, habitID int64) *HabitReward {
	key := RewardKey{AssetID: assetID, HabitID: habitID}
	reward, exists := rl.rewards[key]
	if !exists {
		reward = &HabitReward{
			HabitID:             habitID,
			AssetID:             assetID,
			Pending:             0,
			RewardPerWeightPaid: big.NewInt(0),
			Weight:              0,
		}
		rl.rewards[key] = reward
	}
	return reward
}

// AddReward adds penalty proceeds to a token vault. Returns false if
// no weight is registered for the token: with no participants there is
// nobody to distribute to, and the amount stays in the pool account
// undistributed.
func (rl *RewardLedger) AddReward(assetID ledger.AssetID, amount int64) bool {
	vault := rl.getOrCreateVault(assetID)

	if vault.TotalWeight == 0 {
		return false
	}

	delta := fpmath.AccrueRewardPerWeight(amount, vault.TotalWeight)
	vault.RewardPerWeight.Add(vault.RewardPerWeight, delta)

	return true
}

// settle folds the accumulator delta since the last settlement into the
// habit's pending balance. Must run before any weight change, or the
// habit would earn its new weight retroactively.
func (rl *RewardLedger) settle(vault *VaultState, reward *HabitReward) {
	owed := fpmath.SettlePendingReward(reward.Weight, vault.RewardPerWeight, reward.RewardPerWeightPaid)
	reward.Pending += owed
	reward.RewardPerWeightPaid.Set(vault.RewardPerWeight)
}

// UpdateWeight settles the habit at its current weight, then moves it
// to the new weight and adjusts the vault total.
func (rl *RewardLedger) UpdateWeight(habitID int64, newWeight int64) error {
	assetID, ok := rl.habits.HabitAsset(habitID)
	if !ok {
		return fmt.Errorf("%w: habit %d not found", ErrInvalidInput, habitID)
	}

	vault := rl.getOrCreateVault(assetID)
	reward := rl.getOrCreateReward(assetID, habitID)

	rl.settle(vault, reward)

	vault.TotalWeight += newWeight - reward.Weight
	reward.Weight = newWeight

	return nil
}

// Claim settles the habit and returns the full pending amount, zeroing
// it. A claim with nothing pending returns 0; that is a no-op, not an
// error.
func (rl *RewardLedger) Claim(habitID int64) (int64, error) {
	assetID, ok := rl.habits.HabitAsset(habitID)
	if !ok {
		return 0, fmt.Errorf("%w: habit %d not found", ErrInvalidInput, habitID)
	}

	vault := rl.getOrCreateVault(assetID)
	reward := rl.getOrCreateReward(assetID, habitID)

	rl.settle(vault, reward)

	claimed := reward.Pending
	reward.Pending = 0

	return claimed, nil
}

// PendingReward returns the habit's claimable amount as of now without
// mutating anything.
func (rl *RewardLedger) PendingReward(habitID int64) int64 {
	assetID, ok := rl.habits.HabitAsset(habitID)
	if !ok {
		return 0
	}

	vault, exists := rl.vaults[assetID]
	if !exists {
		return 0
	}

	reward, exists := rl.rewards[RewardKey{AssetID: assetID, HabitID: habitID}]
	if !exists {
		return 0
	}

	owed := fpmath.SettlePendingReward(reward.Weight, vault.RewardPerWeight, reward.RewardPerWeightPaid)
	return reward.Pending + owed
}

// ValidateTotalWeight checks that each vault's total equals the sum of
// its habits' weights.
func (rl *RewardLedger) ValidateTotalWeight() error {
	sums := make(map[ledger.AssetID]int64)
	for key, reward := range rl.rewards {
		sums[key.AssetID] += reward.Weight
	}

	for assetID, vault := range rl.vaults {
		if sums[assetID] != vault.TotalWeight {
			assetName, _ := ledger.GetAssetName(assetID)
			return fmt.Errorf("vault %s total weight %d != sum of habit weights %d",
				assetName, vault.TotalWeight, sums[assetID])
		}
	}

	return nil
}

// GetVault returns the vault for a token, or nil
func (rl *RewardLedger) GetVault(assetID ledger.AssetID) *VaultState {
	return rl.vaults[assetID]
}

// GetReward returns the reward record for a habit, or nil
func (rl *RewardLedger) GetReward(assetID ledger.AssetID, habitID int64) *HabitReward {
	return rl.rewards[RewardKey{AssetID: assetID, HabitID: habitID}]
}

// GetAllVaults returns deep copies of all vaults (for snapshots)
func (rl *RewardLedger) GetAllVaults() map[ledger.AssetID]*VaultState {
	result := make(map[ledger.AssetID]*VaultState, len(rl.vaults))
	for assetID, vault := range rl.vaults {
		result[assetID] = &VaultState{
			AssetID:         vault.AssetID,
			RewardPerWeight: new(big.Int).Set(vault.RewardPerWeight),
			TotalWeight:     vault.TotalWeight,
		}
	}
	return result
}

// GetAllRewards returns deep copies of all reward records (for snapshots)
func (rl *RewardLedger) GetAllRewards() map[RewardKey]*HabitReward {
	result := make(map[RewardKey]*HabitReward, len(rl.rewards))
	for key, reward := range rl.rewards {
		result[key] = &HabitReward{
			HabitID:             reward.HabitID,
			AssetID:             reward.AssetID,
			Pending:             reward.Pending,
			RewardPerWeightPaid: new(big.Int).Set(reward.RewardPerWeightPaid),
			Weight:              reward.Weight,
		}
	}
	return result
}

// RestoreVault directly sets a vault (used for snapshot restore)
func (rl *RewardLedger) RestoreVault(vault *VaultState) {
	rl.vaults[vault.AssetID] = &VaultState{
		AssetID:         vault.AssetID,
		RewardPerWeight: new(big.Int).Set(vault.RewardPerWeight),
		TotalWeight:     vault.TotalWeight,
	}
}

// RestoreReward directly sets a reward record (used for snapshot restore)
func (rl *RewardLedger) RestoreReward(reward *HabitReward) {
	key := RewardKey{AssetID: reward.AssetID, HabitID: reward.HabitID}
	rl.rewards[key] = &HabitReward{
		HabitID:             reward.HabitID,
		AssetID:             reward.AssetID,
		Pending:             reward.Pending,
		RewardPerWeightPaid: new(big.Int).Set(reward.RewardPerWeightPaid),
		Weight:              reward.Weight,
	}
}
