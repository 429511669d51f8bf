package query

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	fpmath "HabitLedger/internal/math"
)

// QueryService provides read-only access to projection tables.
// It never touches core state; results are eventually consistent and
// every response carries the projection watermark it was read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns a user's balance for a specific asset: spendable
// collateral, funds awaiting withdrawal confirmation, and the total
// currently locked in habit stakes.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	userID uuid.UUID,
	asset string,
) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	collateralPath := fmt.Sprintf("user:%s:collateral:%s", userID, asset)
	collateral, err := qs.getProjectedBalance(ctx, collateralPath)
	if err != nil {
		return nil, err
	}

	pendingWithdrawalPath := fmt.Sprintf("user:%s:pending_withdrawal:%s", userID, asset)
	pendingWithdrawal, err := qs.getProjectedBalance(ctx, pendingWithdrawalPath)
	if err != nil {
		return nil, err
	}

	// Stakes live on habit accounts, not user accounts, so they are
	// summed from the habits projection by owner.
	var staked int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(stake), 0) FROM projections.habits
		WHERE owner = $1 AND asset = $2
	`, userID, asset).Scan(&staked)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:            userID,
		Asset:             asset,
		TotalBalance:      collateral + pendingWithdrawal + staked,
		AvailableBalance:  collateral,
		StakedBalance:     staked,
		PendingWithdrawal: pendingWithdrawal,
		AsOfSequence:      asOfSeq,
	}, nil
}

// GetHabit returns a single habit with its pending reward settled against
// the current vault accumulator. Returns (nil, nil) when the habit does
// not exist.
func (qs *QueryService) GetHabit(
	ctx context.Context,
	habitID int64,
) (*HabitResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		h              HabitResponse
		cooldownMicros int64
		pending        int64
		rewardWeight   int64
		paidStr        string
		rpwStr         string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT h.habit_id, h.owner, h.asset, h.frequency, h.duration_days,
		       h.cooldown_micros, h.is_private, h.commitment_hash,
		       h.stake, h.streak, h.weight, h.tier,
		       h.last_checkin_us, h.created_at_us,
		       COALESCE(hr.pending, 0),
		       COALESCE(hr.reward_per_weight_paid, 0)::text,
		       COALESCE(hr.weight, 0),
		       COALESCE(v.reward_per_weight, 0)::text
		FROM projections.habits h
		LEFT JOIN projections.habit_rewards hr ON hr.habit_id = h.habit_id
		LEFT JOIN projections.vaults v ON v.asset_id = h.asset_id
		WHERE h.habit_id = $1
	`, habitID).Scan(
		&h.HabitID, &h.Owner, &h.Asset, &h.Frequency, &h.DurationDays,
		&cooldownMicros, &h.IsPrivate, &h.CommitmentHash,
		&h.Stake, &h.Streak, &h.Weight, &h.Tier,
		&h.LastCheckInUs, &h.CreatedAtUs,
		&pending, &paidStr, &rewardWeight, &rpwStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.CooldownSecs = cooldownMicros / 1_000_000
	h.PendingReward, err = settleAtQuery(pending, rewardWeight, rpwStr, paidStr)
	if err != nil {
		return nil, err
	}
	h.AsOfSequence = asOfSeq
	return &h, nil
}

// ListHabits returns all habits owned by a user, private ones included.
// Callers enforce who may see the list.
func (qs *QueryService) ListHabits(
	ctx context.Context,
	owner uuid.UUID,
) ([]HabitResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT h.habit_id, h.owner, h.asset, h.frequency, h.duration_days,
		       h.cooldown_micros, h.is_private, h.commitment_hash,
		       h.stake, h.streak, h.weight, h.tier,
		       h.last_checkin_us, h.created_at_us,
		       COALESCE(hr.pending, 0),
		       COALESCE(hr.reward_per_weight_paid, 0)::text,
		       COALESCE(hr.weight, 0),
		       COALESCE(v.reward_per_weight, 0)::text
		FROM projections.habits h
		LEFT JOIN projections.habit_rewards hr ON hr.habit_id = h.habit_id
		LEFT JOIN projections.vaults v ON v.asset_id = h.asset_id
		WHERE h.owner = $1
		ORDER BY h.habit_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var habits []HabitResponse
	for rows.Next() {
		var (
			h              HabitResponse
			cooldownMicros int64
			pending        int64
			rewardWeight   int64
			paidStr        string
			rpwStr         string
		)
		if err := rows.Scan(
			&h.HabitID, &h.Owner, &h.Asset, &h.Frequency, &h.DurationDays,
			&cooldownMicros, &h.IsPrivate, &h.CommitmentHash,
			&h.Stake, &h.Streak, &h.Weight, &h.Tier,
			&h.LastCheckInUs, &h.CreatedAtUs,
			&pending, &paidStr, &rewardWeight, &rpwStr,
		); err != nil {
			return nil, err
		}
		h.CooldownSecs = cooldownMicros / 1_000_000
		h.PendingReward, err = settleAtQuery(pending, rewardWeight, rpwStr, paidStr)
		if err != nil {
			return nil, err
		}
		h.AsOfSequence = asOfSeq
		habits = append(habits, h)
	}

	return habits, rows.Err()
}

// GetReward returns the claimable reward for one habit: the settled
// pending amount plus whatever the vault has accrued for it since the
// last settle. Returns (nil, nil) when the habit does not exist.
func (qs *QueryService) GetReward(
	ctx context.Context,
	habitID int64,
) (*RewardResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		resp         RewardResponse
		pending      int64
		rewardWeight int64
		paidStr      string
		rpwStr       string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT h.habit_id, h.asset, h.weight,
		       COALESCE(hr.pending, 0),
		       COALESCE(hr.reward_per_weight_paid, 0)::text,
		       COALESCE(hr.weight, 0),
		       COALESCE(v.reward_per_weight, 0)::text
		FROM projections.habits h
		LEFT JOIN projections.habit_rewards hr ON hr.habit_id = h.habit_id
		LEFT JOIN projections.vaults v ON v.asset_id = h.asset_id
		WHERE h.habit_id = $1
	`, habitID).Scan(
		&resp.HabitID, &resp.Asset, &resp.Weight,
		&pending, &paidStr, &rewardWeight, &rpwStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resp.PendingReward, err = settleAtQuery(pending, rewardWeight, rpwStr, paidStr)
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = asOfSeq
	return &resp, nil
}

// GetPenaltyHistory returns settled streak breaks for a habit, newest
// first, with cursor-based pagination on sequence.
func (qs *QueryService) GetPenaltyHistory(
	ctx context.Context,
	habitID int64,
	limit int,
	afterSequence *int64,
) ([]PenaltyHistoryEntry, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, habit_id, asset, amount, timestamp_us
		FROM projections.penalty_history
		WHERE habit_id = $1
	`
	args := []interface{}{habitID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PenaltyHistoryEntry
	for rows.Next() {
		var e PenaltyHistoryEntry
		e.AsOfSequence = asOfSeq
		if err := rows.Scan(&e.Sequence, &e.HabitID, &e.Asset, &e.Amount, &e.TimestampUs); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetVault returns the reward vault for an asset together with the
// projected reward pool balance. Vaults are created lazily on the first
// habit per asset; a missing row reads as an empty vault.
func (qs *QueryService) GetVault(
	ctx context.Context,
	asset string,
) (*VaultResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &VaultResponse{
		Asset:           asset,
		RewardPerWeight: "0",
		AsOfSequence:    asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset_id, reward_per_weight::text, total_weight
		FROM projections.vaults
		WHERE asset = $1
	`, asset).Scan(&resp.AssetID, &resp.RewardPerWeight, &resp.TotalWeight)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	poolPath := fmt.Sprintf("system:reward_pool:%s", asset)
	resp.PoolBalance, err = qs.getProjectedBalance(ctx, poolPath)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// GetJournalHistory returns journal entries for a user with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE debit_account LIKE $1 OR credit_account LIKE $1
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetCommandStatus looks up a command's outcome in the event log by its
// idempotency key (the client-visible command ID). Returns (nil, nil)
// when the command has not been logged yet, which a caller should treat
// as "still in flight or unknown" rather than a hard failure.
func (qs *QueryService) GetCommandStatus(
	ctx context.Context,
	commandID string,
) (*CommandStatusResponse, error) {
	var (
		sequence  int64
		eventType string
		rejectErr string
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, error FROM event_log.events
		WHERE idempotency_key = $1
	`, commandID).Scan(&sequence, &eventType, &rejectErr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	status := "applied"
	if rejectErr != "" {
		status = "rejected"
	}
	return &CommandStatusResponse{
		CommandID: commandID,
		EventType: eventType,
		Status:    status,
		Sequence:  sequence,
		Error:     rejectErr,
	}, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain and global balance invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	// Check global balance (should sum to zero across all accounts per asset)
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// settleAtQuery folds unsettled vault accrual into a habit's pending
// reward without touching the projection row.
func settleAtQuery(pending, weight int64, rpwStr, paidStr string) (int64, error) {
	if weight == 0 {
		return pending, nil
	}
	rpw, ok := new(big.Int).SetString(rpwStr, 10)
	if !ok {
		return 0, fmt.Errorf("parse reward_per_weight %q", rpwStr)
	}
	paid, ok := new(big.Int).SetString(paidStr, 10)
	if !ok {
		return 0, fmt.Errorf("parse reward_per_weight_paid %q", paidStr)
	}
	return pending + fpmath.SettlePendingReward(weight, rpw, paid), nil
}
