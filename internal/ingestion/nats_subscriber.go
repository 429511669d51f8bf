package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic core via the eventChan. JetStream is the primary
// high-throughput ingestion surface; each event type has its own subject
// so producers can scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration: habit
// commands, custody confirmations, and oracle quotes.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "habits.cmd.create.>", EventType: "HabitCreate", ConsumerName: "ledger-habit-create", StreamName: "HABIT_COMMANDS"},
		{Subject: "habits.cmd.checkin.>", EventType: "CheckIn", ConsumerName: "ledger-checkin", StreamName: "HABIT_COMMANDS"},
		{Subject: "habits.cmd.settle.>", EventType: "ForceSettle", ConsumerName: "ledger-force-settle", StreamName: "HABIT_COMMANDS"},
		{Subject: "habits.cmd.stake-add.>", EventType: "StakeAdd", ConsumerName: "ledger-stake-add", StreamName: "HABIT_COMMANDS"},
		{Subject: "habits.cmd.stake-edit.>", EventType: "StakeEdit", ConsumerName: "ledger-stake-edit", StreamName: "HABIT_COMMANDS"},
		{Subject: "habits.cmd.claim.>", EventType: "RewardClaim", ConsumerName: "ledger-reward-claim", StreamName: "HABIT_COMMANDS"},
		{Subject: "habits.deposits.confirmed.>", EventType: "DepositConfirmed", ConsumerName: "ledger-deposit-confirm", StreamName: "HABIT_DEPOSITS"},
		{Subject: "habits.withdrawals.requested.>", EventType: "WithdrawalRequested", ConsumerName: "ledger-wd-request", StreamName: "HABIT_WITHDRAWALS"},
		{Subject: "habits.withdrawals.confirmed.>", EventType: "WithdrawalConfirmed", ConsumerName: "ledger-wd-confirm", StreamName: "HABIT_WITHDRAWALS"},
		{Subject: "habits.withdrawals.rejected.>", EventType: "WithdrawalRejected", ConsumerName: "ledger-wd-reject", StreamName: "HABIT_WITHDRAWALS"},
		{Subject: "habits.prices.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: "HABIT_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := map[string]string{
		"HABIT_COMMANDS":    "habits.cmd.>",
		"HABIT_DEPOSITS":    "habits.deposits.>",
		"HABIT_WITHDRAWALS": "habits.withdrawals.>",
		"HABIT_PRICES":      "habits.prices.>",
	}

	for name, subject := range streams {
		cfg := jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		log.Printf("INFO: ensured stream %s", name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
