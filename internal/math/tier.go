package math

// Tier labels the streak milestone a habit has reached. Exposed to
// observers alongside the numeric weight; the weight alone drives
// reward distribution.
type Tier int32

const (
	TierNone Tier = iota
	TierCopper
	TierSapphire
	TierGold
	TierDiamond
	TierPlatinum
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierCopper:
		return "copper"
	case TierSapphire:
		return "sapphire"
	case TierGold:
		return "gold"
	case TierDiamond:
		return "diamond"
	case TierPlatinum:
		return "platinum"
	default:
		return "unknown"
	}
}

// TierAndWeight maps a streak length to its tier and distribution weight.
// Deterministic, total: every streak value maps to exactly one bucket.
// Thresholds are inclusive lower bounds.
func TierAndWeight(streak int64) (Tier, int64) {
	switch {
	case streak < 7:
		return TierNone, 0
	case streak < 30:
		return TierCopper, 1
	case streak < 60:
		return TierSapphire, 2
	case streak < 100:
		return TierGold, 4
	case streak < 150:
		return TierDiamond, 8
	default:
		return TierPlatinum, 16
	}
}

// WeightForStreak returns just the distribution weight for a streak.
func WeightForStreak(streak int64) int64 {
	_, weight := TierAndWeight(streak)
	return weight
}
