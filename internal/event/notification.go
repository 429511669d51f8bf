package event

import "time"

// NotificationKind labels an outbound notification.
type NotificationKind string

const (
	NotificationHabitCreated   NotificationKind = "habit-created"
	NotificationCheckIn        NotificationKind = "check-in"
	NotificationStreakBroken   NotificationKind = "streak-broken"
	NotificationStakeAdded     NotificationKind = "stake-added"
	NotificationStakeEdited    NotificationKind = "stake-edited"
	NotificationRewardsClaimed NotificationKind = "rewards-claimed"
	NotificationRewardAdded    NotificationKind = "reward-added"
	NotificationWeightUpdated  NotificationKind = "weight-updated"
)

// Notification is the audit record the core emits alongside state
// changes. Each one carries the identifiers and resulting magnitudes an
// external observer needs to reconcile by replay. JSON tags are the
// outbound wire format.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	Sequence int64            `json:"sequence"`
	HabitID  int64            `json:"habit_id,omitempty"`
	Asset    string           `json:"asset,omitempty"`

	// Amount is the magnitude of the change: the penalty taken on a
	// streak break, the stake delta, the claimed or deposited reward.
	Amount int64 `json:"amount,omitempty"`

	// Streak and Weight are the values AFTER the change.
	Streak int64  `json:"streak,omitempty"`
	Weight int64  `json:"weight,omitempty"`
	Tier   string `json:"tier,omitempty"`

	// Discarded is set on a reward-added notification when the deposit
	// found no registered weight and was left undistributed.
	Discarded bool `json:"discarded,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
