package ingestion

import (
	"HabitLedger/internal/event"
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is the slice of jetstream.JetStream the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// CommandGateway assigns global source sequences to locally produced
// commands and publishes them to JetStream. The global partition accepts
// exactly the next sequence, so every producer in this process (HTTP API,
// keeper, admin service) must funnel through the one sequencer goroutine.
// Price updates bypass the gateway entirely; they carry per-feed
// sequences minted by the oracle poller.
type CommandGateway struct {
	js       Publisher
	requests chan submitRequest
	nextSeq  int64
}

type submitRequest struct {
	evt   event.Event
	reply chan submitResult
}

type submitResult struct {
	sequence int64
	err      error
}

// NewCommandGateway creates a gateway that will stamp nextSequence onto
// the first submitted command. Seed it with ExpectedSourceSequence from
// the core after replay.
func NewCommandGateway(js Publisher, nextSequence int64) *CommandGateway {
	return &CommandGateway{
		js:       js,
		requests: make(chan submitRequest),
		nextSeq:  nextSequence,
	}
}

// Submit stamps the event with the next global source sequence, publishes
// it to the command subject for its type, and returns the assigned
// sequence once JetStream acknowledges the write.
func (g *CommandGateway) Submit(ctx context.Context, evt event.Event) (int64, error) {
	req := submitRequest{evt: evt, reply: make(chan submitResult, 1)}

	select {
	case g.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.sequence, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run owns the sequence counter. It must be the only goroutine touching
// nextSeq; Submit talks to it over the request channel.
func (g *CommandGateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-g.requests:
			if !ok {
				return nil
			}
			seq, err := g.publish(ctx, req.evt)
			req.reply <- submitResult{sequence: seq, err: err}
		}
	}
}

func (g *CommandGateway) publish(ctx context.Context, evt event.Event) (int64, error) {
	subject, err := commandSubject(evt)
	if err != nil {
		return 0, err
	}

	seq := g.nextSeq
	if err := stampSequence(evt, seq); err != nil {
		return 0, err
	}

	data, err := MarshalEvent(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}

	// Msg-ID dedup makes a retry after an ambiguous failure safe: if the
	// first copy actually landed, the rebroadcast is dropped server-side.
	_, err = g.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.IdempotencyKey()))
	if err != nil {
		// Sequence NOT advanced. The caller retries with the same
		// command ID and gets the same slot.
		return 0, fmt.Errorf("publish %s: %w", subject, err)
	}

	g.nextSeq = seq + 1
	return seq, nil
}

// commandSubject routes an event to its ingestion subject. The last token
// carries the entity ID so consumers can filter, but ordering comes from
// the stamped sequence, not the subject.
func commandSubject(evt event.Event) (string, error) {
	switch e := evt.(type) {
	case *event.HabitCreate:
		return fmt.Sprintf("habits.cmd.create.%s", e.Owner), nil
	case *event.CheckIn:
		return fmt.Sprintf("habits.cmd.checkin.%d", e.HabitID), nil
	case *event.ForceSettle:
		return fmt.Sprintf("habits.cmd.settle.%d", e.HabitID), nil
	case *event.StakeAdd:
		return fmt.Sprintf("habits.cmd.stake-add.%d", e.HabitID), nil
	case *event.StakeEdit:
		return fmt.Sprintf("habits.cmd.stake-edit.%d", e.HabitID), nil
	case *event.RewardClaim:
		return fmt.Sprintf("habits.cmd.claim.%d", e.HabitID), nil
	case *event.DepositConfirmed:
		return fmt.Sprintf("habits.deposits.confirmed.%s", e.UserID), nil
	case *event.WithdrawalRequested:
		return fmt.Sprintf("habits.withdrawals.requested.%s", e.UserID), nil
	case *event.WithdrawalConfirmed:
		return fmt.Sprintf("habits.withdrawals.confirmed.%s", e.UserID), nil
	case *event.WithdrawalRejected:
		return fmt.Sprintf("habits.withdrawals.rejected.%s", e.UserID), nil
	default:
		return "", fmt.Errorf("no command subject for %T", evt)
	}
}

func stampSequence(evt event.Event, seq int64) error {
	switch e := evt.(type) {
	case *event.HabitCreate:
		e.Sequence = seq
	case *event.CheckIn:
		e.Sequence = seq
	case *event.ForceSettle:
		e.Sequence = seq
	case *event.StakeAdd:
		e.Sequence = seq
	case *event.StakeEdit:
		e.Sequence = seq
	case *event.RewardClaim:
		e.Sequence = seq
	case *event.DepositConfirmed:
		e.Sequence = seq
	case *event.WithdrawalRequested:
		e.Sequence = seq
	case *event.WithdrawalConfirmed:
		e.Sequence = seq
	case *event.WithdrawalRejected:
		e.Sequence = seq
	default:
		return fmt.Errorf("cannot stamp sequence on %T", evt)
	}
	return nil
}
