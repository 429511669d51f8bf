package projection

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
)

// insertHabit materializes a new habit row. Attributes come from the
// creation event; the assigned ID comes from the notification, since IDs
// are allocated inside the core.
func (pw *ProjectionWorker) insertHabit(ctx context.Context, tx *sql.Tx, output ProjectionOutput, n event.Notification) error {
	evt, ok := output.Event.(*event.HabitCreate)
	if !ok {
		return fmt.Errorf("habit-created notification on %T event", output.Event)
	}

	assetID, ok := ledger.GetAssetID(n.Asset)
	if !ok {
		return fmt.Errorf("unknown asset %q", n.Asset)
	}

	commitment := ""
	if evt.CommitmentHash != ([32]byte{}) {
		commitment = hex.EncodeToString(evt.CommitmentHash[:])
	}

	createdUs := evt.Timestamp.UnixMicro()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.habits
			(habit_id, owner, asset, asset_id, frequency, duration_days, cooldown_micros,
			 is_private, commitment_hash, stake, streak, weight, tier,
			 last_checkin_us, created_at_us, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, 'none', $11, $11, $12)
		ON CONFLICT (habit_id) DO NOTHING
	`, n.HabitID, evt.Owner.String(), n.Asset, assetID, evt.Frequency, evt.DurationDays,
		evt.CooldownSecs*1_000_000, evt.IsPrivate, commitment, evt.Stake,
		createdUs, output.Sequence); err != nil {
		return err
	}

	return pw.registerReward(ctx, tx, n.HabitID, assetID, n.Asset, output.Sequence)
}

func (pw *ProjectionWorker) applyCheckIn(ctx context.Context, tx *sql.Tx, seq int64, n event.Notification) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.habits
		SET streak = $2, weight = $3, tier = $4, last_checkin_us = $5, last_sequence = $6
		WHERE habit_id = $1
	`, n.HabitID, n.Streak, n.Weight, n.Tier, n.Timestamp.UnixMicro(), seq); err != nil {
		return err
	}

	return pw.setRewardWeight(ctx, tx, n.HabitID, n.Asset, n.Weight, seq)
}

// applyStreakBroken mirrors the core's penalty settlement: stake shrinks by
// the penalty, the streak and weight reset, and the check-in baseline
// advances by the missed whole periods. The new baseline is recomputed here
// with the same fixed-point routine the core uses; only (now, lastCheckIn)
// feed it, both of which the projection has.
func (pw *ProjectionWorker) applyStreakBroken(ctx context.Context, tx *sql.Tx, seq int64, n event.Notification) error {
	var stake, lastCheckIn int64
	err := tx.QueryRowContext(ctx, `
		SELECT stake, last_checkin_us FROM projections.habits WHERE habit_id = $1
	`, n.HabitID).Scan(&stake, &lastCheckIn)
	if err == sql.ErrNoRows {
		// The creating event was dropped; a rebuild will reconcile.
		log.Printf("WARN: streak-broken for unknown habit %d (seq=%d)", n.HabitID, seq)
		return nil
	}
	if err != nil {
		return err
	}

	_, _, newLastCheckIn := fpmath.ComputePenalty(stake, n.Timestamp.UnixMicro(), lastCheckIn)

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.habits
		SET stake = stake - $2, streak = 0, weight = 0, tier = 'none',
		    last_checkin_us = $3, last_sequence = $4
		WHERE habit_id = $1
	`, n.HabitID, n.Amount, newLastCheckIn, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.penalty_history (sequence, habit_id, asset, amount, timestamp_us)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence, habit_id) DO NOTHING
	`, seq, n.HabitID, n.Asset, n.Amount, n.Timestamp.UnixMicro()); err != nil {
		return err
	}

	return pw.setRewardWeight(ctx, tx, n.HabitID, n.Asset, 0, seq)
}

// applyStakeAdded raises the stake and restarts progress, matching the
// core's unconditional streak reset on added collateral.
func (pw *ProjectionWorker) applyStakeAdded(ctx context.Context, tx *sql.Tx, seq int64, n event.Notification) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.habits
		SET stake = stake + $2, streak = 0, weight = 0, tier = 'none', last_sequence = $3
		WHERE habit_id = $1
	`, n.HabitID, n.Amount, seq); err != nil {
		return err
	}

	return pw.setRewardWeight(ctx, tx, n.HabitID, n.Asset, 0, seq)
}

// applyStakeEdited adjusts the stake by the signed delta; streak and weight
// are untouched.
func (pw *ProjectionWorker) applyStakeEdited(ctx context.Context, tx *sql.Tx, seq int64, n event.Notification) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.habits
		SET stake = stake + $2, last_sequence = $3
		WHERE habit_id = $1
	`, n.HabitID, n.Amount, seq)
	return err
}
