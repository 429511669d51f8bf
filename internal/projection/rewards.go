package projection

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
)

// The vaults and habit_rewards tables mirror state.RewardLedger row for
// row. All accumulator arithmetic goes through the same fixed-point
// routines the core uses, so a healthy projection tracks core state
// exactly and pending-reward queries need no live core access.

func (pw *ProjectionWorker) ensureVault(ctx context.Context, tx *sql.Tx, assetID ledger.AssetID, asset string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vaults (asset_id, asset, reward_per_weight, total_weight, last_sequence)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (asset_id) DO NOTHING
	`, assetID, asset, seq)
	return err
}

func (pw *ProjectionWorker) readVault(ctx context.Context, tx *sql.Tx, assetID ledger.AssetID) (*big.Int, int64, error) {
	var rpwStr string
	var total int64
	err := tx.QueryRowContext(ctx, `
		SELECT reward_per_weight, total_weight FROM projections.vaults WHERE asset_id = $1
	`, assetID).Scan(&rpwStr, &total)
	if err != nil {
		return nil, 0, err
	}

	rpw, err := parseNumeric(rpwStr)
	if err != nil {
		return nil, 0, err
	}
	return rpw, total, nil
}

// registerReward creates the vault and reward rows for a new habit. The
// paid marker starts at the current accumulator value, same as the core's
// settle-on-register: a fresh habit earns nothing retroactively.
func (pw *ProjectionWorker) registerReward(ctx context.Context, tx *sql.Tx, habitID int64, assetID ledger.AssetID, asset string, seq int64) error {
	if err := pw.ensureVault(ctx, tx, assetID, asset, seq); err != nil {
		return err
	}

	rpw, _, err := pw.readVault(ctx, tx, assetID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.habit_rewards
			(habit_id, asset_id, pending, reward_per_weight_paid, weight, last_sequence)
		VALUES ($1, $2, 0, $3, 0, $4)
		ON CONFLICT (habit_id, asset_id) DO NOTHING
	`, habitID, assetID, rpw.String(), seq)
	return err
}

// setRewardWeight settles the habit at its current weight against the
// vault accumulator, then moves it to the new weight and adjusts the vault
// total. Mirrors RewardLedger.UpdateWeight.
func (pw *ProjectionWorker) setRewardWeight(ctx context.Context, tx *sql.Tx, habitID int64, asset string, newWeight, seq int64) error {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return fmt.Errorf("unknown asset %q", asset)
	}
	if err := pw.ensureVault(ctx, tx, assetID, asset, seq); err != nil {
		return err
	}

	rpw, _, err := pw.readVault(ctx, tx, assetID)
	if err != nil {
		return err
	}

	var pending, weight int64
	paid := big.NewInt(0)
	var paidStr string
	err = tx.QueryRowContext(ctx, `
		SELECT pending, reward_per_weight_paid, weight FROM projections.habit_rewards
		WHERE habit_id = $1 AND asset_id = $2
	`, habitID, assetID).Scan(&pending, &paidStr, &weight)
	switch {
	case err == sql.ErrNoRows:
		// Fresh record, zero everything
	case err != nil:
		return err
	default:
		if paid, err = parseNumeric(paidStr); err != nil {
			return err
		}
	}

	pending += fpmath.SettlePendingReward(weight, rpw, paid)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.habit_rewards
			(habit_id, asset_id, pending, reward_per_weight_paid, weight, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (habit_id, asset_id) DO UPDATE
		SET pending = $3, reward_per_weight_paid = $4, weight = $5, last_sequence = $6
	`, habitID, assetID, pending, rpw.String(), newWeight, seq); err != nil {
		return err
	}

	if newWeight != weight {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.vaults SET total_weight = total_weight + $2, last_sequence = $3
			WHERE asset_id = $1
		`, assetID, newWeight-weight, seq); err != nil {
			return err
		}
	}

	return nil
}

// applyRewardAdded advances the vault accumulator for a penalty deposit.
// Mirrors RewardLedger.AddReward.
func (pw *ProjectionWorker) applyRewardAdded(ctx context.Context, tx *sql.Tx, seq int64, n event.Notification) error {
	if n.Discarded {
		// No registered weight at deposit time: the amount stays in the
		// pool account, which the balance projection already shows.
		return nil
	}

	assetID, ok := ledger.GetAssetID(n.Asset)
	if !ok {
		return fmt.Errorf("unknown asset %q", n.Asset)
	}
	if err := pw.ensureVault(ctx, tx, assetID, n.Asset, seq); err != nil {
		return err
	}

	rpw, total, err := pw.readVault(ctx, tx, assetID)
	if err != nil {
		return err
	}
	if total <= 0 {
		// The core had weight registered or it would have discarded; the
		// projection lost an update somewhere. A rebuild reconciles.
		log.Printf("WARN: reward-added with zero projected weight (asset=%s seq=%d)", n.Asset, seq)
		return nil
	}

	rpw.Add(rpw, fpmath.AccrueRewardPerWeight(n.Amount, total))

	_, err = tx.ExecContext(ctx, `
		UPDATE projections.vaults SET reward_per_weight = $2, last_sequence = $3
		WHERE asset_id = $1
	`, assetID, rpw.String(), seq)
	return err
}

// applyRewardsClaimed settles the habit up to the accumulator and zeroes
// its pending balance. Weight is unchanged by a claim.
func (pw *ProjectionWorker) applyRewardsClaimed(ctx context.Context, tx *sql.Tx, seq int64, n event.Notification) error {
	assetID, ok := ledger.GetAssetID(n.Asset)
	if !ok {
		return fmt.Errorf("unknown asset %q", n.Asset)
	}
	if err := pw.ensureVault(ctx, tx, assetID, n.Asset, seq); err != nil {
		return err
	}

	rpw, _, err := pw.readVault(ctx, tx, assetID)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE projections.habit_rewards
		SET pending = 0, reward_per_weight_paid = $3, last_sequence = $4
		WHERE habit_id = $1 AND asset_id = $2
	`, n.HabitID, assetID, rpw.String(), seq)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		log.Printf("WARN: rewards-claimed for unknown habit %d (seq=%d)", n.HabitID, seq)
	}
	return nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q", s)
	}
	return v, nil
}
