// Package oracle polls upstream price feeds and publishes quotes to the
// price stream. Quotes ride per-feed partitions; the core tolerates gaps
// and silently skips anything at or behind the last applied sequence.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"HabitLedger/internal/event"
	"HabitLedger/internal/ingestion"
	"HabitLedger/internal/observability"
)

// FeedConfig names one upstream feed. The URL points at the price bridge,
// which already normalizes quotes to fixed-point integers.
type FeedConfig struct {
	Name string
	URL  string
}

// Config holds oracle tuning.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Breaker shape: open after TripAfter consecutive upstream failures,
	// probe again after RecoveryTimeout.
	TripAfter       uint32
	RecoveryTimeout time.Duration
}

// quoteJSON is the bridge response shape.
type quoteJSON struct {
	Price       int64 `json:"price"`
	TimestampUs int64 `json:"timestamp_us"`
}

// Oracle polls every configured feed on one ticker. The upstream quote
// timestamp doubles as the price sequence: it is monotone per feed,
// survives oracle restarts without coordination, and makes two oracle
// instances publishing the same tick collapse into one applied update.
type Oracle struct {
	client   *http.Client
	js       ingestion.Publisher
	feeds    []FeedConfig
	breakers map[string]*gobreaker.CircuitBreaker
	lastPub  map[string]int64
	clock    clockwork.Clock
	cfg      Config
	metrics  *observability.Metrics
}

func New(js ingestion.Publisher, feeds []FeedConfig, clock clockwork.Clock, cfg Config, metrics *observability.Metrics) *Oracle {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	o := &Oracle{
		client:   &http.Client{Timeout: cfg.PollTimeout},
		js:       js,
		feeds:    feeds,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(feeds)),
		lastPub:  make(map[string]int64, len(feeds)),
		clock:    clock,
		cfg:      cfg,
		metrics:  metrics,
	}
	for _, feed := range feeds {
		o.breakers[feed.Name] = o.newBreaker(feed.Name)
	}
	return o
}

func (o *Oracle) newBreaker(feed string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle:" + feed,
		MaxRequests: 1,
		Timeout:     o.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("WARN: %s breaker: %s -> %s", name, from, to)
			if o.metrics == nil {
				return
			}
			if to == gobreaker.StateOpen {
				o.metrics.OracleBreakerOpen.WithLabelValues(feed).Set(1)
			} else {
				o.metrics.OracleBreakerOpen.WithLabelValues(feed).Set(0)
			}
		},
	})
}

// Run polls until ctx is done.
func (o *Oracle) Run(ctx context.Context) error {
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.Chan():
			for _, feed := range o.feeds {
				o.pollFeed(ctx, feed)
			}
		}
	}
}

func (o *Oracle) pollFeed(ctx context.Context, feed FeedConfig) {
	start := o.clock.Now()

	result, err := o.breakers[feed.Name].Execute(func() (interface{}, error) {
		return o.fetchQuote(ctx, feed)
	})

	if o.metrics != nil {
		o.metrics.OraclePollDuration.WithLabelValues(feed.Name).Observe(o.clock.Since(start).Seconds())
	}

	if err != nil {
		status := "upstream_error"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			status = "breaker_open"
		} else {
			log.Printf("WARN: oracle poll %s: %v", feed.Name, err)
		}
		o.countPoll(feed.Name, status)
		return
	}

	quote := result.(*quoteJSON)
	if quote.TimestampUs <= o.lastPub[feed.Name] {
		// Upstream has no new tick. Skip rather than spam the stream
		// with quotes the core would drop as stale anyway.
		o.countPoll(feed.Name, "stale")
		return
	}

	if err := o.publish(ctx, feed.Name, quote); err != nil {
		log.Printf("WARN: oracle publish %s: %v", feed.Name, err)
		o.countPoll(feed.Name, "publish_error")
		return
	}

	o.lastPub[feed.Name] = quote.TimestampUs
	o.countPoll(feed.Name, "ok")
	if o.metrics != nil {
		o.metrics.OracleQuotesPublished.WithLabelValues(feed.Name).Inc()
	}
}

func (o *Oracle) fetchQuote(ctx context.Context, feed FeedConfig) (*quoteJSON, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var quote quoteJSON
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if quote.Price <= 0 {
		return nil, fmt.Errorf("non-positive price %d", quote.Price)
	}
	if quote.TimestampUs <= 0 {
		return nil, fmt.Errorf("missing quote timestamp")
	}
	return &quote, nil
}

func (o *Oracle) publish(ctx context.Context, feed string, quote *quoteJSON) error {
	evt := &event.PriceUpdate{
		Feed:           feed,
		Price:          quote.Price,
		PriceSequence:  quote.TimestampUs,
		PriceTimestamp: quote.TimestampUs,
	}
	data, err := ingestion.MarshalEvent(evt)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("habits.prices.%s", feed)
	_, err = o.js.Publish(ctx, subject, data)
	return err
}

func (o *Oracle) countPoll(feed, status string) {
	if o.metrics != nil {
		o.metrics.OraclePolls.WithLabelValues(feed, status).Inc()
	}
}
