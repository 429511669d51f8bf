package state

import (
	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"

	"github.com/google/uuid"
)

// BadgeNotifier is told when a habit earns a new badge tier or its
// streak moves. The badge renderer lives outside this system; callers
// must tolerate any implementation, including one that does nothing.
type BadgeNotifier interface {
	OnMinted(owner uuid.UUID, habitID int64, tier fpmath.Tier)
	OnStreakChanged(habitID int64, newStreak int64, isBreak bool)
}

// RegistryNotifier is told about habit creation and stake movement so
// an external registry can keep aggregate counters. Also out of scope
// here beyond the call surface.
type RegistryNotifier interface {
	OnCreated(owner uuid.UUID, habitID int64, assetID ledger.AssetID, stake int64)
	OnStakeDelta(assetID ledger.AssetID, delta int64)
}

// NopBadgeNotifier ignores all badge events.
type NopBadgeNotifier struct{}

func (NopBadgeNotifier) OnMinted(uuid.UUID, int64, fpmath.Tier) {}
func (NopBadgeNotifier) OnStreakChanged(int64, int64, bool)     {}

// NopRegistryNotifier ignores all registry events.
type NopRegistryNotifier struct{}

func (NopRegistryNotifier) OnCreated(uuid.UUID, int64, ledger.AssetID, int64) {}
func (NopRegistryNotifier) OnStakeDelta(ledger.AssetID, int64)                {}
