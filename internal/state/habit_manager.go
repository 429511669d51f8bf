package state

import (
	"HabitLedger/internal/ledger"

	"github.com/google/uuid"
)

// HabitManager owns all Habit records and the monotonic identifier
// counter. Habits are mutated only through operations addressed to their
// identifier; no operation touches more than one habit.
type HabitManager struct {
	habits map[int64]*Habit
	nextID int64
}

func NewHabitManager() *HabitManager {
	return &HabitManager{
		habits: make(map[int64]*Habit),
		nextID: 1,
	}
}

// CreateHabit allocates the next identifier and records a fresh habit.
// The caller validates inputs; this only assigns and stores.
func (hm *HabitManager) CreateHabit(
	owner uuid.UUID,
	frequency Frequency,
	durationDays int64,
	assetID ledger.AssetID,
	stake int64,
	cooldownMicros int64,
	isPrivate bool,
	commitmentHash [32]byte,
	now int64,
) *Habit {
	habit := &Habit{
		ID:             hm.nextID,
		Owner:          owner,
		Frequency:      frequency,
		DurationDays:   durationDays,
		AssetID:        assetID,
		Stake:          stake,
		CurrentStreak:  0,
		LastCheckIn:    now,
		CreatedAt:      now,
		CooldownMicros: cooldownMicros,
		IsPrivate:      isPrivate,
		CommitmentHash: commitmentHash,
		Version:        0,
	}

	hm.habits[habit.ID] = habit
	hm.nextID++

	return habit
}

// GetHabit returns the habit or nil
func (hm *HabitManager) GetHabit(id int64) *Habit {
	return hm.habits[id]
}

// HabitAsset reports the token a habit stakes, for reward bookkeeping.
func (hm *HabitManager) HabitAsset(id int64) (ledger.AssetID, bool) {
	habit := hm.habits[id]
	if habit == nil {
		return 0, false
	}
	return habit.AssetID, true
}

// GetAllHabits returns copies of all habits (for snapshots). Habit is a
// flat struct, so a value copy is a full copy.
func (hm *HabitManager) GetAllHabits() []*Habit {
	result := make([]*Habit, 0, len(hm.habits))
	for _, habit := range hm.habits {
		copied := *habit
		result = append(result, &copied)
	}
	return result
}

// GetOwnerHabits returns all habits owned by a user
func (hm *HabitManager) GetOwnerHabits(owner uuid.UUID) []*Habit {
	result := make([]*Habit, 0)
	for _, habit := range hm.habits {
		if habit.Owner == owner {
			result = append(result, habit)
		}
	}
	return result
}

// NextID returns the next identifier to be assigned.
func (hm *HabitManager) NextID() int64 {
	return hm.nextID
}

// SetHabit directly sets a habit record (used for snapshot restore)
func (hm *HabitManager) SetHabit(habit *Habit) {
	copied := *habit
	hm.habits[copied.ID] = &copied
}

// RestoreNextID resets the identifier counter (used for snapshot restore)
func (hm *HabitManager) RestoreNextID(next int64) {
	hm.nextID = next
}
