package event

import (
	"time"

	"github.com/google/uuid"
)

// HabitCreate opens a new staked habit. The stake is locked from the
// owner's collateral when the command is applied.
type HabitCreate struct {
	CommandID      uuid.UUID
	Owner          uuid.UUID
	Frequency      string // "daily" is the only supported frequency
	DurationDays   int64  // 0 means open-ended
	Asset          string
	Stake          int64 // Fixed-point
	CooldownSecs   int64 // Owner-chosen minimum seconds between check-ins
	IsPrivate      bool
	CommitmentHash [32]byte
	Sequence       int64
	Timestamp      time.Time
}

func (h *HabitCreate) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h *HabitCreate) EventType() EventType {
	return EventTypeHabitCreate
}

func (h *HabitCreate) Partition() *string {
	return nil // Global event
}

func (h *HabitCreate) SourceSequence() int64 {
	return h.Sequence
}

// CheckIn marks a habit done for the current period. Any overdue
// penalty is applied first, then the cooldown gate decides whether the
// streak advances.
type CheckIn struct {
	CommandID uuid.UUID
	HabitID   int64
	Requester uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (c *CheckIn) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CheckIn) EventType() EventType {
	return EventTypeCheckIn
}

func (c *CheckIn) Partition() *string {
	return nil
}

func (c *CheckIn) SourceSequence() int64 {
	return c.Sequence
}

// ForceSettle applies an overdue penalty without a check-in. Anyone may
// issue it; the keeper does so for habits whose owners went quiet.
type ForceSettle struct {
	CommandID uuid.UUID
	HabitID   int64
	Sequence  int64
	Timestamp time.Time
}

func (f *ForceSettle) IdempotencyKey() string {
	return f.CommandID.String()
}

func (f *ForceSettle) EventType() EventType {
	return EventTypeForceSettle
}

func (f *ForceSettle) Partition() *string {
	return nil
}

func (f *ForceSettle) SourceSequence() int64 {
	return f.Sequence
}

// StakeAdd locks additional collateral behind a habit. Resets the
// streak: raising the stake restarts the commitment.
type StakeAdd struct {
	CommandID uuid.UUID
	HabitID   int64
	Requester uuid.UUID
	Amount    int64 // Fixed-point, must be positive
	Sequence  int64
	Timestamp time.Time
}

func (s *StakeAdd) IdempotencyKey() string {
	return s.CommandID.String()
}

func (s *StakeAdd) EventType() EventType {
	return EventTypeStakeAdd
}

func (s *StakeAdd) Partition() *string {
	return nil
}

func (s *StakeAdd) SourceSequence() int64 {
	return s.Sequence
}

// StakeEdit sets the stake to a new absolute value. Reductions below
// half the current stake are rejected; the streak is untouched either
// way.
type StakeEdit struct {
	CommandID uuid.UUID
	HabitID   int64
	Requester uuid.UUID
	NewStake  int64 // Fixed-point
	Sequence  int64
	Timestamp time.Time
}

func (s *StakeEdit) IdempotencyKey() string {
	return s.CommandID.String()
}

func (s *StakeEdit) EventType() EventType {
	return EventTypeStakeEdit
}

func (s *StakeEdit) Partition() *string {
	return nil
}

func (s *StakeEdit) SourceSequence() int64 {
	return s.Sequence
}

// RewardClaim pays out the habit's settled rewards to its owner.
type RewardClaim struct {
	CommandID uuid.UUID
	HabitID   int64
	Requester uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (r *RewardClaim) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RewardClaim) EventType() EventType {
	return EventTypeRewardClaim
}

func (r *RewardClaim) Partition() *string {
	return nil
}

func (r *RewardClaim) SourceSequence() int64 {
	return r.Sequence
}
