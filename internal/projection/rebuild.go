package projection

import (
	"HabitLedger/internal/core"
	"HabitLedger/internal/ledger"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
)

// RebuildProjections rebuilds every projection table from authoritative
// state. Balances, habits, and the reward tables come from a core snapshot
// (itself the product of event-log replay); penalty history is
// reconstituted from the journal. The watermark lands on the snapshot's
// sequence so freshness reporting stays honest.
func RebuildProjections(ctx context.Context, db *sql.DB, snap *core.SnapshotState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.habits`,
		`TRUNCATE projections.vaults`,
		`TRUNCATE projections.habit_rewards`,
		`TRUNCATE projections.penalty_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	seq := snap.Sequence

	for _, b := range snap.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
		`, b.Account.AccountPath(), b.Account.AssetID, b.Balance, seq); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
	}

	for _, h := range snap.Habits {
		assetName, _ := ledger.GetAssetName(h.AssetID)
		commitment := ""
		if h.CommitmentHash != ([32]byte{}) {
			commitment = hex.EncodeToString(h.CommitmentHash[:])
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.habits
				(habit_id, owner, asset, asset_id, frequency, duration_days, cooldown_micros,
				 is_private, commitment_hash, stake, streak, weight, tier,
				 last_checkin_us, created_at_us, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, h.ID, h.Owner.String(), assetName, h.AssetID, h.Frequency.String(), h.DurationDays,
			h.CooldownMicros, h.IsPrivate, commitment, h.Stake, h.CurrentStreak,
			h.Weight(), h.Tier().String(), h.LastCheckIn, h.CreatedAt, seq); err != nil {
			return fmt.Errorf("rebuild habits: %w", err)
		}
	}

	for _, v := range snap.Vaults {
		assetName, _ := ledger.GetAssetName(v.AssetID)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vaults (asset_id, asset, reward_per_weight, total_weight, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
		`, v.AssetID, assetName, v.RewardPerWeight.String(), v.TotalWeight, seq); err != nil {
			return fmt.Errorf("rebuild vaults: %w", err)
		}
	}

	for _, r := range snap.Rewards {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.habit_rewards
				(habit_id, asset_id, pending, reward_per_weight_paid, weight, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.HabitID, r.AssetID, r.Pending, r.RewardPerWeightPaid.String(), r.Weight, seq); err != nil {
			return fmt.Errorf("rebuild habit rewards: %w", err)
		}
	}

	// Every penalty journals its treasury and pool halves against the
	// habit's stake account under one event sequence, so grouping restores
	// (habit, full amount) pairs.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.penalty_history (sequence, habit_id, asset, amount, timestamp_us)
		SELECT sequence,
		       split_part(credit_account, ':', 2)::bigint,
		       split_part(credit_account, ':', 4),
		       SUM(amount),
		       MAX(timestamp)
		FROM event_log.journal
		WHERE journal_type IN ($1, $2)
		GROUP BY sequence, credit_account
	`, int32(ledger.JournalTypePenaltyTreasury), int32(ledger.JournalTypePenaltyReward)); err != nil {
		return fmt.Errorf("rebuild penalty history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete at sequence %d", seq)
	return nil
}
