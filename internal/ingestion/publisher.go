package ingestion

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes applied events and their notifications to
// NATS for downstream consumers. Events are published after persistence
// is confirmed. Subjects follow the pattern: habits.ledger.events.{event_type}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
}

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Partition      *string         `json:"partition,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	StateHash      []byte          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`

	// Notifications ride along from the core but go out on their own
	// subjects, not embedded in the event record.
	Notifications []event.Notification `json:"-"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}

			op.publishNotifications(ctx, evt.Notifications)
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Build subject: habits.ledger.events.{event_type}, with the feed name
	// appended for partitioned price events
	subject := fmt.Sprintf("habits.ledger.events.%s", evt.EventType)
	if evt.Partition != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.Partition)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// publishNotifications fans out the audit notifications and counts the
// domain activity they describe.
func (op *OutboundPublisher) publishNotifications(ctx context.Context, notifs []event.Notification) {
	for _, n := range notifs {
		op.count(n)

		data, err := json.Marshal(n)
		if err != nil {
			log.Printf("WARN: marshal notification kind=%s: %v", n.Kind, err)
			continue
		}

		subject := fmt.Sprintf("habits.ledger.notifications.%s", n.Kind)
		if _, err := op.js.Publish(ctx, subject, data); err != nil {
			log.Printf("WARN: notification publish failed seq=%d kind=%s: %v", n.Sequence, n.Kind, err)
		}
	}
}

// count increments the habit activity counters. Creation and stake-delta
// metrics are recorded at apply time by the registry notifier, so only
// the settlement-side kinds are counted here.
func (op *OutboundPublisher) count(n event.Notification) {
	if op.metrics == nil {
		return
	}
	switch n.Kind {
	case event.NotificationCheckIn:
		op.metrics.CheckInsApplied.WithLabelValues(n.Asset).Inc()
	case event.NotificationStreakBroken:
		op.metrics.PenaltiesSettled.WithLabelValues(n.Asset).Inc()
		op.metrics.PenaltyTaken.WithLabelValues(n.Asset).Add(float64(n.Amount))
	case event.NotificationRewardAdded:
		if n.Discarded {
			op.metrics.RewardsDiscarded.WithLabelValues(n.Asset).Add(float64(n.Amount))
		} else {
			op.metrics.RewardsDeposited.WithLabelValues(n.Asset).Add(float64(n.Amount))
		}
	case event.NotificationRewardsClaimed:
		op.metrics.RewardsClaimed.WithLabelValues(n.Asset).Add(float64(n.Amount))
	}
}

// EnsureOutboundStream creates the outbound events stream. It covers both
// the event records and the notification subjects.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "HABIT_LEDGER_EVENTS",
		Subjects:  []string{"habits.ledger.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream HABIT_LEDGER_EVENTS")
	return nil
}
