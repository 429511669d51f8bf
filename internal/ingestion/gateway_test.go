package ingestion_test

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/ingestion"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// fakePublisher records publishes. No mutex: the gateway's single Run
// goroutine is the only publisher, even under concurrent Submits.
type fakePublisher struct {
	published []publishedMsg
	failNext  bool
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.failNext {
		f.failNext = false
		return nil, errors.New("nats: timeout")
	}
	f.published = append(f.published, publishedMsg{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: "HABIT_COMMANDS", Sequence: uint64(len(f.published))}, nil
}

func startGateway(t *testing.T, pub ingestion.Publisher, nextSeq int64) *ingestion.CommandGateway {
	t.Helper()
	gw := ingestion.NewCommandGateway(pub, nextSeq)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("gateway did not stop")
		}
	})
	return gw
}

func checkInCommand() *event.CheckIn {
	return &event.CheckIn{
		CommandID: uuid.New(),
		HabitID:   42,
		Requester: uuid.New(),
		Timestamp: time.UnixMicro(1700000000000000),
	}
}

func TestGatewayAssignsContiguousSequences(t *testing.T) {
	pub := &fakePublisher{}
	gw := startGateway(t, pub, 5)

	for want := int64(5); want < 8; want++ {
		got, err := gw.Submit(context.Background(), checkInCommand())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if got != want {
			t.Errorf("sequence: got %d, want %d", got, want)
		}
	}

	if len(pub.published) != 3 {
		t.Fatalf("published: got %d messages, want 3", len(pub.published))
	}
}

func TestGatewayStampsSequenceIntoPayload(t *testing.T) {
	pub := &fakePublisher{}
	gw := startGateway(t, pub, 9)

	cmd := checkInCommand()
	seq, err := gw.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if seq != 9 {
		t.Fatalf("sequence: got %d, want 9", seq)
	}
	if cmd.Sequence != 9 {
		t.Errorf("event sequence: got %d, want 9", cmd.Sequence)
	}

	parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: pub.published[0].data}, "CheckIn")
	if err != nil {
		t.Fatalf("parse published payload: %v", err)
	}
	if parsed.SourceSequence() != 9 {
		t.Errorf("published sequence: got %d, want 9", parsed.SourceSequence())
	}
}

func TestGatewaySubjectRouting(t *testing.T) {
	owner := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")

	cases := []struct {
		evt  event.Event
		want string
	}{
		{&event.HabitCreate{CommandID: uuid.New(), Owner: owner, Frequency: "daily", Asset: "USDC", Stake: 10_000_000, Timestamp: time.Now()},
			"habits.cmd.create.660e8400-e29b-41d4-a716-446655440001"},
		{&event.CheckIn{CommandID: uuid.New(), HabitID: 7, Requester: owner, Timestamp: time.Now()},
			"habits.cmd.checkin.7"},
		{&event.ForceSettle{CommandID: uuid.New(), HabitID: 7, Timestamp: time.Now()},
			"habits.cmd.settle.7"},
		{&event.StakeAdd{CommandID: uuid.New(), HabitID: 7, Requester: owner, Amount: 5, Timestamp: time.Now()},
			"habits.cmd.stake-add.7"},
		{&event.StakeEdit{CommandID: uuid.New(), HabitID: 7, Requester: owner, NewStake: 5, Timestamp: time.Now()},
			"habits.cmd.stake-edit.7"},
		{&event.RewardClaim{CommandID: uuid.New(), HabitID: 7, Requester: owner, Timestamp: time.Now()},
			"habits.cmd.claim.7"},
		{&event.DepositConfirmed{DepositID: uuid.New(), UserID: owner, Asset: "USDC", Amount: 5, Timestamp: time.Now()},
			"habits.deposits.confirmed.660e8400-e29b-41d4-a716-446655440001"},
		{&event.WithdrawalRequested{WithdrawalID: uuid.New(), UserID: owner, Asset: "USDC", Amount: 5, Timestamp: time.Now()},
			"habits.withdrawals.requested.660e8400-e29b-41d4-a716-446655440001"},
		{&event.WithdrawalConfirmed{WithdrawalID: uuid.New(), UserID: owner, Asset: "USDC", Amount: 5, Timestamp: time.Now()},
			"habits.withdrawals.confirmed.660e8400-e29b-41d4-a716-446655440001"},
		{&event.WithdrawalRejected{WithdrawalID: uuid.New(), UserID: owner, Asset: "USDC", Amount: 5, Timestamp: time.Now()},
			"habits.withdrawals.rejected.660e8400-e29b-41d4-a716-446655440001"},
	}

	pub := &fakePublisher{}
	gw := startGateway(t, pub, 0)

	for i, tc := range cases {
		if _, err := gw.Submit(context.Background(), tc.evt); err != nil {
			t.Fatalf("submit %T: %v", tc.evt, err)
		}
		if got := pub.published[i].subject; got != tc.want {
			t.Errorf("%T subject: got %s, want %s", tc.evt, got, tc.want)
		}
	}
}

func TestGatewayDoesNotAdvanceOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{failNext: true}
	gw := startGateway(t, pub, 3)

	if _, err := gw.Submit(context.Background(), checkInCommand()); err == nil {
		t.Fatal("expected publish error")
	}

	// The failed slot is reassigned.
	seq, err := gw.Submit(context.Background(), checkInCommand())
	if err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
	if seq != 3 {
		t.Errorf("sequence after failure: got %d, want 3", seq)
	}
}

func TestGatewayRejectsPriceUpdates(t *testing.T) {
	pub := &fakePublisher{}
	gw := startGateway(t, pub, 0)

	quote := &event.PriceUpdate{Feed: "ETH-USD", Price: 1, PriceSequence: 1, PriceTimestamp: 1}
	if _, err := gw.Submit(context.Background(), quote); err == nil {
		t.Fatal("expected error: prices must not flow through the gateway")
	}
	if len(pub.published) != 0 {
		t.Errorf("published: got %d messages, want 0", len(pub.published))
	}
}

func TestGatewayConcurrentSubmitsGetDistinctSequences(t *testing.T) {
	const n = 50

	pub := &fakePublisher{}
	gw := startGateway(t, pub, 100)

	var (
		mu   sync.Mutex
		seqs []int64
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := gw.Submit(context.Background(), checkInCommand())
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			mu.Lock()
			seqs = append(seqs, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seqs) != n {
		t.Fatalf("got %d sequences, want %d", len(seqs), n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if want := int64(100 + i); seq != want {
			t.Fatalf("sequence[%d]: got %d, want %d (gap or duplicate)", i, seq, want)
		}
	}
}

func TestGatewaySubmitHonorsContext(t *testing.T) {
	// Gateway not running: Submit must give up when the context expires.
	gw := ingestion.NewCommandGateway(&fakePublisher{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := gw.Submit(ctx, checkInCommand())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}
