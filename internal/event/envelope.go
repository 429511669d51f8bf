package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeHabitCreate
	EventTypeCheckIn
	EventTypeForceSettle
	EventTypeStakeAdd
	EventTypeStakeEdit
	EventTypeRewardClaim
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypeWithdrawalConfirmed
	EventTypeWithdrawalRejected
	EventTypePriceUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition (nil for the strict global partition,
	// feed name for price updates)
	Partition *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte

	// Rejection reason when the command was refused. Empty for applied
	// commands. A rejected command still occupies its sequence slot so
	// the hash chain and replay stay gapless.
	Error string
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition (nil for global)
	Partition() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeHabitCreate:
		return "HabitCreate"
	case EventTypeCheckIn:
		return "CheckIn"
	case EventTypeForceSettle:
		return "ForceSettle"
	case EventTypeStakeAdd:
		return "StakeAdd"
	case EventTypeStakeEdit:
		return "StakeEdit"
	case EventTypeRewardClaim:
		return "RewardClaim"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeWithdrawalConfirmed:
		return "WithdrawalConfirmed"
	case EventTypeWithdrawalRejected:
		return "WithdrawalRejected"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	default:
		return "Unknown"
	}
}
