package math

import "math/big"

// Reward distribution uses a per-token accumulator: every deposit bumps
// rewardPerWeight by its amount scaled to 10^18 and divided by the total
// weight at deposit time. A habit's claimable share is then
// weight * (accumulator - snapshot at last settlement), unscaled. This
// makes deposits and settlements O(1) regardless of participant count.

// AccrueRewardPerWeight returns the accumulator increment for a deposit:
// floor(amount * 10^18 / totalWeight). totalWeight must be positive —
// the zero-weight discard rule lives with the caller, not here.
func AccrueRewardPerWeight(amount, totalWeight int64) *big.Int {
	// amount is at 10^6 scale; the product amount * 10^18 needs ~90 bits.
	raw := MultiplyInt128(amount, RewardIndexConfig.Scale)

	delta := new(big.Int).Quo(raw, big.NewInt(totalWeight))

	putInt128(raw)

	return delta
}

// SettlePendingReward returns the newly claimable amount for a habit:
// floor(weight * (rewardPerWeight - rewardPerWeightPaid) / 10^18).
// The result is bounded by the total ever deposited, so it fits int64.
// Settling twice without an intervening deposit yields 0 the second time
// because the caller snapshots rewardPerWeightPaid to rewardPerWeight.
func SettlePendingReward(weight int64, rewardPerWeight, rewardPerWeightPaid *big.Int) int64 {
	if weight == 0 {
		return 0
	}

	diff := getInt128()
	diff.Sub(rewardPerWeight, rewardPerWeightPaid)

	product := getInt128()
	product.Mul(diff, big.NewInt(weight))

	pending := DivideInt128(product, RewardIndexConfig.Scale, RoundDown)

	putInt128(diff)
	putInt128(product)

	return pending
}
