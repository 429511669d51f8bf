package persistence

import (
	"HabitLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// CoreOutput mirrors core.CoreOutput to avoid an import cycle. The
// orchestrator in cmd/habitledger bridges between the two.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// pending accumulates rows between flushes. Journals are kept flat since
// they commit in the same transaction as their events anyway.
type pending struct {
	events   []EventRow
	journals []JournalRow
}

func (p *pending) add(out CoreOutput) {
	p.events = append(p.events, out.EventRow)
	p.journals = append(p.journals, out.JournalRows...)
}

func (p *pending) reset() {
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

func (p *pending) empty() bool { return len(p.events) == 0 }

// PersistenceWorker drains the persist channel and batch-writes the event
// log to Postgres. The core sends on this channel with blocking sends, so
// a worker that falls behind stalls the core rather than losing events.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes; on either exit path the remaining batch is flushed with
// a background context so shutdown never drops applied events.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	buf := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drainAndFlush(buf)
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush(buf)
				return nil
			}
			buf.add(output)
			if len(buf.events) < pw.batchSize {
				continue
			}
			if err := pw.flushWithRetry(ctx, buf); err != nil {
				log.Printf("ERROR: batch flush failed after retries: %v", err)
			}
			buf.reset()
			timer.Reset(pw.flushTimeout)

		case <-timer.C:
			if !buf.empty() {
				if err := pw.flushWithRetry(ctx, buf); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				buf.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drainAndFlush pulls whatever the core managed to send before shutdown,
// then writes it all in one final batch.
func (pw *PersistenceWorker) drainAndFlush(buf *pending) {
	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush(buf)
				return
			}
			buf.add(output)
		default:
			pw.finalFlush(buf)
			return
		}
	}
}

func (pw *PersistenceWorker) finalFlush(buf *pending) {
	if buf.empty() {
		return
	}
	if err := pw.flush(context.Background(), buf); err != nil {
		log.Printf("ERROR: final flush failed: %v", err)
	}
}

// flushWithRetry retries with exponential backoff until the write lands or
// ctx is cancelled. Cancellation still attempts one last flush on a
// background context; the worker never deliberately drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, buf *pending) error {
	const maxBackoff = 30 * time.Second
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		err := pw.flush(ctx, buf)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		log.Printf("WARN: persistence flush attempt %d failed (backoff=%v, events=%d): %v",
			attempt+1, backoff, len(buf.events), err)

		select {
		case <-ctx.Done():
			if finalErr := pw.flush(context.Background(), buf); finalErr != nil {
				return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
			}
			return nil
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, buf *pending) error {
	start := time.Now()

	// Events and journals commit atomically; a torn write would break the
	// zero-sum audit across the two tables.
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, buf.events, tx); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, buf.journals, tx); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(buf.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(buf.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(buf.journals)))
		if len(buf.events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(buf.events[len(buf.events)-1].Sequence))
		}
	}

	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
