package projection

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// ProjectionOutput mirrors the data projection workers need.
// The orchestrator (cmd/main.go) bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	Partition      *string
	Event          event.Event
	JournalEntries []JournalEntry
	Notifications  []event.Notification
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they are rebuilt from the event log and a core snapshot.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}
		}
	}
}

// processOutput applies one event's worth of changes in a single
// transaction: balances from journals, habit and reward tables from
// notifications, then the watermark.
func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, output.Sequence, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, n := range output.Notifications {
		if err := pw.applyNotification(ctx, tx, output, n); err != nil {
			return fmt.Errorf("%s projection: %w", n.Kind, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
	}

	return nil
}

// updateBalanceProjection folds one journal entry into the balances table.
// Sign convention matches ledger.BalanceTracker: debit increases, credit
// decreases.
func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, seq int64, j JournalEntry) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// applyNotification routes one notification to its table handler.
// Notifications are applied in emission order; within a single event that
// ordering is part of the contract (a reward deposit precedes the streak
// reset that follows it).
func (pw *ProjectionWorker) applyNotification(ctx context.Context, tx *sql.Tx, output ProjectionOutput, n event.Notification) error {
	switch n.Kind {
	case event.NotificationHabitCreated:
		return pw.insertHabit(ctx, tx, output, n)
	case event.NotificationCheckIn:
		return pw.applyCheckIn(ctx, tx, output.Sequence, n)
	case event.NotificationStreakBroken:
		return pw.applyStreakBroken(ctx, tx, output.Sequence, n)
	case event.NotificationStakeAdded:
		return pw.applyStakeAdded(ctx, tx, output.Sequence, n)
	case event.NotificationStakeEdited:
		return pw.applyStakeEdited(ctx, tx, output.Sequence, n)
	case event.NotificationRewardAdded:
		return pw.applyRewardAdded(ctx, tx, output.Sequence, n)
	case event.NotificationRewardsClaimed:
		return pw.applyRewardsClaimed(ctx, tx, output.Sequence, n)
	default:
		return nil
	}
}
