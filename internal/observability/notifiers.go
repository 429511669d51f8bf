package observability

import (
	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BadgeNotifier logs badge milestones and streak movement and keeps the
// badge counters. Badge rendering itself happens outside this system;
// the log line is the durable trace of the milestone.
type BadgeNotifier struct {
	log     zerolog.Logger
	metrics *Metrics
}

func NewBadgeNotifier(log zerolog.Logger, metrics *Metrics) *BadgeNotifier {
	return &BadgeNotifier{log: log, metrics: metrics}
}

func (n *BadgeNotifier) OnMinted(owner uuid.UUID, habitID int64, tier fpmath.Tier) {
	n.log.Info().
		Str("owner", owner.String()).
		Int64("habit_id", habitID).
		Str("tier", tier.String()).
		Msg("badge milestone reached")
	if n.metrics != nil {
		n.metrics.BadgesMinted.WithLabelValues(tier.String()).Inc()
	}
}

func (n *BadgeNotifier) OnStreakChanged(habitID, newStreak int64, isBreak bool) {
	if isBreak {
		n.log.Warn().
			Int64("habit_id", habitID).
			Msg("streak broken")
		return
	}
	n.log.Debug().
		Int64("habit_id", habitID).
		Int64("streak", newStreak).
		Msg("streak changed")
}

// RegistryNotifier keeps the aggregate habit counters an external
// registry would track: habits opened and total stake per token.
type RegistryNotifier struct {
	log     zerolog.Logger
	metrics *Metrics
}

func NewRegistryNotifier(log zerolog.Logger, metrics *Metrics) *RegistryNotifier {
	return &RegistryNotifier{log: log, metrics: metrics}
}

func (n *RegistryNotifier) OnCreated(owner uuid.UUID, habitID int64, assetID ledger.AssetID, stake int64) {
	asset, _ := ledger.GetAssetName(assetID)
	n.log.Info().
		Str("owner", owner.String()).
		Int64("habit_id", habitID).
		Str("asset", asset).
		Int64("stake", stake).
		Msg("habit registered")
	if n.metrics != nil {
		n.metrics.HabitsCreated.WithLabelValues(asset).Inc()
		n.metrics.StakeLockedTotal.WithLabelValues(asset).Add(float64(stake))
	}
}

func (n *RegistryNotifier) OnStakeDelta(assetID ledger.AssetID, delta int64) {
	if n.metrics != nil {
		asset, _ := ledger.GetAssetName(assetID)
		n.metrics.StakeLockedTotal.WithLabelValues(asset).Add(float64(delta))
	}
}
