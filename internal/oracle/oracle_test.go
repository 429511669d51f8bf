package oracle_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go/jetstream"

	"HabitLedger/internal/event"
	"HabitLedger/internal/ingestion"
	"HabitLedger/internal/oracle"
)

const pollInterval = 5 * time.Second

type publishedQuote struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedQuote
	ch        chan publishedQuote
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan publishedQuote, 16)}
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	msg := publishedQuote{subject: subject, data: payload}
	f.published = append(f.published, msg)
	f.mu.Unlock()
	f.ch <- msg
	return &jetstream.PubAck{Stream: "HABIT_PRICES"}, nil
}

func (f *fakePublisher) waitForQuote(t *testing.T) publishedQuote {
	t.Helper()
	select {
	case msg := <-f.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published quote")
		return publishedQuote{}
	}
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeBridge plays the upstream price bridge. The handler reads its state
// before signaling requests, so tests may mutate quotes as soon as a
// signal arrives without racing the in-flight response.
type fakeBridge struct {
	mu       sync.Mutex
	price    int64
	tsUs     int64
	fail     bool
	requests chan struct{}
	srv      *httptest.Server
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{requests: make(chan struct{}, 64)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail, price, tsUs := b.fail, b.price, b.tsUs
	b.mu.Unlock()
	b.requests <- struct{}{}

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int64{"price": price, "timestamp_us": tsUs})
}

func (b *fakeBridge) setQuote(price, tsUs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.price = price
	b.tsUs = tsUs
}

func (b *fakeBridge) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *fakeBridge) waitForRequest(t *testing.T) {
	t.Helper()
	select {
	case <-b.requests:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream request")
	}
}

func startOracle(t *testing.T, pub *fakePublisher, feeds []oracle.FeedConfig, cfg oracle.Config) *clockwork.FakeClock {
	t.Helper()
	clock := clockwork.NewFakeClock()
	cfg.PollInterval = pollInterval
	o := oracle.New(pub, feeds, clock, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	clock.BlockUntil(1)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("oracle did not stop")
		}
	})
	return clock
}

func parseQuote(t *testing.T, msg publishedQuote) *event.PriceUpdate {
	t.Helper()
	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: msg.data}, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse published quote: %v", err)
	}
	return evt.(*event.PriceUpdate)
}

func TestOraclePublishesQuoteWithUpstreamSequence(t *testing.T) {
	bridge := newFakeBridge(t)
	bridge.setQuote(250_000_000_000, 1_700_000_000_000_001)
	pub := newFakePublisher()
	feeds := []oracle.FeedConfig{{Name: "ETH-USD", URL: bridge.srv.URL}}
	clock := startOracle(t, pub, feeds, oracle.Config{})

	clock.Advance(pollInterval)
	msg := pub.waitForQuote(t)

	if got, want := msg.subject, "habits.prices.ETH-USD"; got != want {
		t.Errorf("subject = %q, want %q", got, want)
	}
	quote := parseQuote(t, msg)
	if quote.Price != 250_000_000_000 {
		t.Errorf("price = %d, want 250000000000", quote.Price)
	}
	if quote.PriceSequence != 1_700_000_000_000_001 {
		t.Errorf("sequence = %d, want the upstream timestamp", quote.PriceSequence)
	}
	if quote.PriceTimestamp != quote.PriceSequence {
		t.Errorf("timestamp = %d, sequence = %d, want equal", quote.PriceTimestamp, quote.PriceSequence)
	}
}

func TestOraclePollsEveryFeed(t *testing.T) {
	bridgeETH := newFakeBridge(t)
	bridgeETH.setQuote(250_000_000_000, 1000)
	bridgeBTC := newFakeBridge(t)
	bridgeBTC.setQuote(6_400_000_000_000, 1000)

	pub := newFakePublisher()
	feeds := []oracle.FeedConfig{
		{Name: "ETH-USD", URL: bridgeETH.srv.URL},
		{Name: "BTC-USD", URL: bridgeBTC.srv.URL},
	}
	clock := startOracle(t, pub, feeds, oracle.Config{})

	clock.Advance(pollInterval)
	subjects := map[string]bool{}
	subjects[pub.waitForQuote(t).subject] = true
	subjects[pub.waitForQuote(t).subject] = true

	if !subjects["habits.prices.ETH-USD"] || !subjects["habits.prices.BTC-USD"] {
		t.Errorf("published subjects = %v, want both feeds", subjects)
	}
}

func TestOracleSkipsUnchangedQuotes(t *testing.T) {
	bridge := newFakeBridge(t)
	bridge.setQuote(250_000_000_000, 1000)
	pub := newFakePublisher()
	feeds := []oracle.FeedConfig{{Name: "ETH-USD", URL: bridge.srv.URL}}
	clock := startOracle(t, pub, feeds, oracle.Config{})

	clock.Advance(pollInterval)
	first := parseQuote(t, pub.waitForQuote(t))
	if first.PriceSequence != 1000 {
		t.Fatalf("first sequence = %d, want 1000", first.PriceSequence)
	}
	bridge.waitForRequest(t)

	// Same upstream tick again: fetched, not republished.
	clock.Advance(pollInterval)
	bridge.waitForRequest(t)

	bridge.setQuote(251_000_000_000, 2000)
	clock.Advance(pollInterval)
	second := parseQuote(t, pub.waitForQuote(t))

	if second.PriceSequence != 2000 {
		t.Errorf("second sequence = %d, want 2000", second.PriceSequence)
	}
	if got := pub.count(); got != 2 {
		t.Errorf("published %d quotes, want 2", got)
	}
}

func TestOracleBreakerOpensAfterRepeatedFailures(t *testing.T) {
	bridge := newFakeBridge(t)
	bridge.setFail(true)
	pub := newFakePublisher()
	feeds := []oracle.FeedConfig{{Name: "ETH-USD", URL: bridge.srv.URL}}
	cfg := oracle.Config{TripAfter: 3, RecoveryTimeout: time.Hour}
	clock := startOracle(t, pub, feeds, cfg)

	for i := 0; i < 3; i++ {
		clock.Advance(pollInterval)
		bridge.waitForRequest(t)
	}

	// Breaker is open now: later ticks must not reach upstream even
	// though it has recovered.
	bridge.setFail(false)
	bridge.setQuote(250_000_000_000, 1000)
	clock.Advance(pollInterval)

	select {
	case <-bridge.requests:
		t.Fatal("breaker open but upstream was polled")
	case <-time.After(200 * time.Millisecond):
	}
	if got := pub.count(); got != 0 {
		t.Errorf("published %d quotes, want 0", got)
	}
}

func TestOracleRecoversAfterBreakerTimeout(t *testing.T) {
	bridge := newFakeBridge(t)
	bridge.setFail(true)
	pub := newFakePublisher()
	feeds := []oracle.FeedConfig{{Name: "ETH-USD", URL: bridge.srv.URL}}
	cfg := oracle.Config{TripAfter: 1, RecoveryTimeout: 20 * time.Millisecond}
	clock := startOracle(t, pub, feeds, cfg)

	clock.Advance(pollInterval)
	bridge.waitForRequest(t)

	// The breaker recovery window runs on the wall clock, not the fake
	// one, so a real sleep is the only way to reach half-open.
	bridge.setFail(false)
	bridge.setQuote(250_000_000_000, 3000)
	time.Sleep(200 * time.Millisecond)

	clock.Advance(pollInterval)
	quote := parseQuote(t, pub.waitForQuote(t))
	if quote.PriceSequence != 3000 {
		t.Errorf("sequence = %d, want 3000", quote.PriceSequence)
	}
}
