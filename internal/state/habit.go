package state

import (
	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"

	"github.com/google/uuid"
)

// MinStakeMicroUSD is the smallest stake accepted at creation, valued
// through the price oracle. Ten dollars.
const MinStakeMicroUSD int64 = 10_000_000

// Frequency is the habit cadence. Daily is the only implemented variant;
// the enum exists so the wire format stays stable when more are added.
type Frequency int32

const (
	FrequencyDaily Frequency = iota
)

func (f Frequency) String() string {
	switch f {
	case FrequencyDaily:
		return "daily"
	default:
		return "unknown"
	}
}

// validDurations is the enumerated set of commitment lengths in days.
// 0 means open-ended.
var validDurations = map[int64]bool{
	0: true, 7: true, 30: true, 60: true, 100: true, 150: true,
}

// ValidDuration reports whether a duration is in the allowed set.
func ValidDuration(days int64) bool {
	return validDurations[days]
}

// Habit is the per-habit mutable record. A habit is Active for its whole
// life: there is no closed or withdrawn state, and records are never
// deleted.
type Habit struct {
	ID             int64
	Owner          uuid.UUID
	Frequency      Frequency
	DurationDays   int64 // 0 = open-ended
	AssetID        ledger.AssetID
	Stake          int64 // Fixed-point: amount scale; never negative
	CurrentStreak  int64
	LastCheckIn    int64 // Epoch micros; only ever advances
	CreatedAt      int64 // Epoch micros
	CooldownMicros int64 // Owner-chosen minimum gap between check-ins
	IsPrivate      bool
	CommitmentHash [32]byte // Only meaningful when IsPrivate
	Version        int64    // Optimistic concurrency control
}

// Weight returns the habit's current distribution weight.
func (h *Habit) Weight() int64 {
	return fpmath.WeightForStreak(h.CurrentStreak)
}

// Tier returns the streak milestone label.
func (h *Habit) Tier() fpmath.Tier {
	tier, _ := fpmath.TierAndWeight(h.CurrentStreak)
	return tier
}

// CanonicalBytes returns deterministic serialization for hashing
func (h *Habit) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// id (8 bytes LE)
	buf = appendInt64LE(buf, h.ID)

	// owner (16 bytes UUID binary)
	buf = append(buf, h.Owner[:]...)

	// frequency (1 byte)
	buf = append(buf, byte(h.Frequency))

	// duration_days (8 bytes LE)
	buf = appendInt64LE(buf, h.DurationDays)

	// asset_id (2 bytes LE)
	buf = append(buf, byte(h.AssetID), byte(h.AssetID>>8))

	// stake (8 bytes LE)
	buf = appendInt64LE(buf, h.Stake)

	// current_streak (8 bytes LE)
	buf = appendInt64LE(buf, h.CurrentStreak)

	// last_check_in (8 bytes LE)
	buf = appendInt64LE(buf, h.LastCheckIn)

	// created_at (8 bytes LE)
	buf = appendInt64LE(buf, h.CreatedAt)

	// cooldown (8 bytes LE)
	buf = appendInt64LE(buf, h.CooldownMicros)

	// is_private (1 byte)
	if h.IsPrivate {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	// commitment_hash (32 bytes)
	buf = append(buf, h.CommitmentHash[:]...)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
