// Package keeper publishes force-settle commands for habits whose owners
// went quiet. Settlement is permissionless in the core; the keeper just
// makes sure it happens without waiting for the next check-in.
package keeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"HabitLedger/internal/event"
	fpmath "HabitLedger/internal/math"
	"HabitLedger/internal/observability"
)

// settleNamespace derives deterministic command IDs: the same overdue
// habit at the same last check-in yields the same ID, so a rescan before
// the projection catches up dedups in the core instead of double-settling.
var settleNamespace = uuid.MustParse("8f3c1b6e-94d4-4a2b-b0d7-5a6f0c2e9d41")

// CommandSubmitter is the slice of the command gateway the keeper needs.
type CommandSubmitter interface {
	Submit(ctx context.Context, evt event.Event) (int64, error)
}

// OverdueHabit is one scan hit.
type OverdueHabit struct {
	HabitID       int64
	LastCheckInUs int64
}

// OverdueSource finds habits past their period plus grace.
type OverdueSource interface {
	FindOverdue(ctx context.Context, cutoffUs int64, limit int) ([]OverdueHabit, error)
}

// Config holds keeper tuning.
type Config struct {
	ScanInterval time.Duration
	SettleRate   rate.Limit // force-settle publishes per second
	SettleBurst  int
	ScanLimit    int // max habits per scan
}

// Keeper scans the habits projection on a ticker and submits ForceSettle
// for every overdue habit. Only the lease holder scans.
type Keeper struct {
	source   OverdueSource
	submit   CommandSubmitter
	lease    Lease
	clock    clockwork.Clock
	limiter  *rate.Limiter
	metrics  *observability.Metrics
	cfg      Config
	isLeader bool
}

func New(source OverdueSource, submit CommandSubmitter, lease Lease, clock clockwork.Clock, cfg Config, metrics *observability.Metrics) *Keeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.SettleRate <= 0 {
		cfg.SettleRate = 50
	}
	if cfg.SettleBurst <= 0 {
		cfg.SettleBurst = 100
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 1000
	}

	return &Keeper{
		source:  source,
		submit:  submit,
		lease:   lease,
		clock:   clock,
		limiter: rate.NewLimiter(cfg.SettleRate, cfg.SettleBurst),
		metrics: metrics,
		cfg:     cfg,
	}
}

// Run ticks until ctx is done. The lease is released on the way out so a
// standby instance takes over immediately.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := k.clock.NewTicker(k.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if k.isLeader {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := k.lease.Release(releaseCtx); err != nil {
					log.Printf("WARN: keeper lease release: %v", err)
				}
				cancel()
				k.setLeaderGauge(false)
			}
			return ctx.Err()

		case <-ticker.Chan():
			k.tick(ctx)
		}
	}
}

func (k *Keeper) tick(ctx context.Context) {
	if !k.ensureLeadership(ctx) {
		k.setLeaderGauge(false)
		return
	}
	k.setLeaderGauge(true)
	k.scanOnce(ctx)
}

// ensureLeadership renews a held lease or tries to take a free one.
func (k *Keeper) ensureLeadership(ctx context.Context) bool {
	if k.isLeader {
		err := k.lease.Renew(ctx)
		if err == nil {
			return true
		}
		if !errors.Is(err, ErrNotLeader) {
			log.Printf("WARN: keeper lease renew: %v", err)
		}
		k.isLeader = false
	}

	ok, err := k.lease.TryAcquire(ctx)
	if err != nil {
		log.Printf("WARN: keeper lease acquire: %v", err)
		return false
	}
	if ok {
		log.Printf("INFO: keeper acquired leadership")
	}
	k.isLeader = ok
	return ok
}

func (k *Keeper) scanOnce(ctx context.Context) {
	start := k.clock.Now()
	cutoff := start.UnixMicro() - fpmath.CheckInPeriodMicros - fpmath.PenaltyGraceMicros

	overdue, err := k.source.FindOverdue(ctx, cutoff, k.cfg.ScanLimit)
	if err != nil {
		log.Printf("WARN: keeper scan: %v", err)
		return
	}

	if k.metrics != nil {
		k.metrics.KeeperScans.Inc()
		k.metrics.KeeperScanDuration.Observe(k.clock.Since(start).Seconds())
		k.metrics.KeeperOverdueFound.Set(float64(len(overdue)))
	}

	for _, h := range overdue {
		if err := k.limiter.Wait(ctx); err != nil {
			return
		}

		cmd := &event.ForceSettle{
			CommandID: settleCommandID(h),
			HabitID:   h.HabitID,
			Timestamp: k.clock.Now(),
		}
		if _, err := k.submit.Submit(ctx, cmd); err != nil {
			if k.metrics != nil {
				k.metrics.KeeperPublishErrors.Inc()
			}
			log.Printf("WARN: keeper settle publish habit=%d: %v", h.HabitID, err)
			continue
		}
		if k.metrics != nil {
			k.metrics.KeeperSettlesPublished.Inc()
		}
	}
}

func (k *Keeper) setLeaderGauge(leader bool) {
	if k.metrics == nil {
		return
	}
	if leader {
		k.metrics.KeeperLeader.Set(1)
	} else {
		k.metrics.KeeperLeader.Set(0)
	}
}

func settleCommandID(h OverdueHabit) uuid.UUID {
	return uuid.NewSHA1(settleNamespace, []byte(fmt.Sprintf("settle:%d:%d", h.HabitID, h.LastCheckInUs)))
}

// PostgresOverdueSource scans the habits projection. The partial index on
// last_checkin_us (stake > 0) keeps this cheap even with many closed
// habits.
type PostgresOverdueSource struct {
	db *sql.DB
}

func NewPostgresOverdueSource(db *sql.DB) *PostgresOverdueSource {
	return &PostgresOverdueSource{db: db}
}

func (s *PostgresOverdueSource) FindOverdue(ctx context.Context, cutoffUs int64, limit int) ([]OverdueHabit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT habit_id, last_checkin_us
		FROM projections.habits
		WHERE stake > 0 AND last_checkin_us < $1
		ORDER BY last_checkin_us
		LIMIT $2
	`, cutoffUs, limit)
	if err != nil {
		return nil, fmt.Errorf("scan overdue: %w", err)
	}
	defer rows.Close()

	var overdue []OverdueHabit
	for rows.Next() {
		var h OverdueHabit
		if err := rows.Scan(&h.HabitID, &h.LastCheckInUs); err != nil {
			return nil, fmt.Errorf("scan overdue row: %w", err)
		}
		overdue = append(overdue, h)
	}
	return overdue, rows.Err()
}
