package persistence_test

import (
	"HabitLedger/internal/core"
	"HabitLedger/internal/ledger"
	"HabitLedger/internal/persistence"
	"HabitLedger/internal/query"
	"HabitLedger/internal/state"
	"HabitLedger/internal/testutil"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

// setupStore opens the test database and applies migrations. Skips unless
// INTEGRATION_TEST is set and a test Postgres is reachable.
func setupStore(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	migrator := persistence.NewMigrator(db, "../../migrations")
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate up: %v", err)
	}

	return db, cleanup
}

func testEventRow(seq int64, eventType, key string) persistence.EventRow {
	var stateHash, prevHash [32]byte
	stateHash[0] = byte(seq + 1)
	prevHash[0] = byte(seq)

	return persistence.EventRow{
		Sequence:       seq,
		EventType:      eventType,
		IdempotencyKey: key,
		Payload:        []byte(fmt.Sprintf(`{"command_id":%q,"seq":%d}`, key, seq)),
		StateHash:      stateHash[:],
		PrevHash:       prevHash[:],
		Timestamp:      time.UnixMicro(1_700_000_000_000_000 + seq).UTC(),
		SourceSequence: seq,
	}
}

func testJournalRow(seq int64, eventRef string, amount int64) persistence.JournalRow {
	usdc, _ := ledger.GetAssetID("USDC")
	debit := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, usdc)
	credit := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)

	return persistence.JournalRow{
		JournalID:     uuid.New().String(),
		BatchID:       uuid.New().String(),
		EventRef:      eventRef,
		Sequence:      seq,
		DebitAccount:  debit.AccountPath(),
		CreditAccount: credit.AccountPath(),
		AssetID:       uint16(usdc),
		Amount:        amount,
		JournalType:   int32(ledger.JournalTypeDepositConfirm),
		Timestamp:     time.UnixMicro(1_700_000_000_000_000 + seq).UnixMicro(),
	}
}

func TestMigratorUp_Idempotent(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()

	// A second Up over an already-migrated schema must be a no-op.
	migrator := persistence.NewMigrator(db, "../../migrations")
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("second migrate up: %v", err)
	}
}

func TestPersistenceWorker_FlushesOnCloseAndReplaysBack(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	inputChan := make(chan persistence.CoreOutput, 16)
	worker := persistence.NewPersistenceWorker(db, inputChan, 2, 20*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx)
	}()

	feed := "ETH-USD"
	rows := []persistence.EventRow{
		testEventRow(0, "DepositConfirmed", "dep-1"),
		testEventRow(1, "HabitCreate", "cmd-1"),
		testEventRow(2, "PriceUpdate", "price-1"),
	}
	rows[2].Partition = &feed

	inputChan <- persistence.CoreOutput{
		EventRow:    rows[0],
		JournalRows: []persistence.JournalRow{testJournalRow(0, "dep-1", 1_000_000)},
	}
	inputChan <- persistence.CoreOutput{EventRow: rows[1]}
	inputChan <- persistence.CoreOutput{EventRow: rows[2]}
	close(inputChan)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain and exit")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	events, err := snapMgr.LoadEventsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	for i, e := range events {
		if e.Sequence != int64(i) {
			t.Errorf("event %d: expected sequence %d, got %d", i, i, e.Sequence)
		}
		if !bytes.Equal(e.Payload, rows[i].Payload) {
			t.Errorf("event %d: payload mismatch: got %s, want %s", i, e.Payload, rows[i].Payload)
		}
		if e.IdempotencyKey != rows[i].IdempotencyKey {
			t.Errorf("event %d: expected key %s, got %s", i, rows[i].IdempotencyKey, e.IdempotencyKey)
		}
	}
	if events[0].Partition != nil {
		t.Errorf("global event must have nil partition, got %v", *events[0].Partition)
	}
	if events[2].Partition == nil || *events[2].Partition != feed {
		t.Errorf("expected partition %s on price event, got %v", feed, events[2].Partition)
	}

	var journalCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal WHERE sequence = 0`).Scan(&journalCount); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if journalCount != 1 {
		t.Errorf("expected 1 journal row, got %d", journalCount)
	}

	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 2 {
		t.Errorf("expected latest sequence 2, got %d", latest)
	}
}

func TestEventLogWriter_RewrittenSequencesAbsorbed(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(db)
	row := testEventRow(7, "CheckIn", "cmd-7")
	journal := testJournalRow(7, "cmd-7", 500_000)

	write := func() {
		t.Helper()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		defer tx.Rollback()
		if err := writer.WriteEventBatch(ctx, []persistence.EventRow{row}, tx); err != nil {
			t.Fatalf("write events: %v", err)
		}
		if err := writer.WriteJournalBatch(ctx, []persistence.JournalRow{journal}, tx); err != nil {
			t.Fatalf("write journals: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	// Replay after a crash rewrites the same rows; both tables absorb them.
	write()
	write()

	var eventCount, journalCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.events WHERE sequence = 7`).Scan(&eventCount); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal WHERE sequence = 7`).Scan(&journalCount); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if eventCount != 1 || journalCount != 1 {
		t.Errorf("expected 1 event and 1 journal, got %d and %d", eventCount, journalCount)
	}
}

func TestCommandStatus_AppliedAndRejected(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	appliedID := uuid.New().String()
	rejectedID := uuid.New().String()

	applied := testEventRow(0, "CheckIn", appliedID)
	rejected := testEventRow(1, "CheckIn", rejectedID)
	rejected.Error = "state conflict: cooldown active"

	writer := persistence.NewEventLogWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := writer.WriteEventBatch(ctx, []persistence.EventRow{applied, rejected}, tx); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	qs := query.NewQueryService(db)

	got, err := qs.GetCommandStatus(ctx, appliedID)
	if err != nil {
		t.Fatalf("applied status: %v", err)
	}
	if got == nil || got.Status != "applied" || got.Error != "" {
		t.Errorf("applied command status = %+v", got)
	}

	got, err = qs.GetCommandStatus(ctx, rejectedID)
	if err != nil {
		t.Fatalf("rejected status: %v", err)
	}
	if got == nil {
		t.Fatal("rejected command must still be logged")
	}
	if got.Status != "rejected" || got.Error != "state conflict: cooldown active" {
		t.Errorf("rejected command status = %+v", got)
	}
	if got.Sequence != 1 {
		t.Errorf("rejected command sequence = %d, want 1", got.Sequence)
	}

	got, err = qs.GetCommandStatus(ctx, uuid.New().String())
	if err != nil {
		t.Fatalf("unknown status: %v", err)
	}
	if got != nil {
		t.Errorf("unknown command must report nil, got %+v", got)
	}
}

func testSnapshot(sequence int64) *core.SnapshotState {
	owner := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	usdc, _ := ledger.GetAssetID("USDC")

	var hash [32]byte
	hash[0] = 0xAB
	hash[31] = byte(sequence)

	return &core.SnapshotState{
		Sequence:  sequence,
		StateHash: hash,
		Balances: []core.BalanceSnapshot{
			{Account: ledger.NewUserAccountKey(owner, ledger.SubTypeCollateral, usdc), Balance: 90_000_000},
			{Account: ledger.NewHabitAccountKey(1, usdc), Balance: 10_000_000},
		},
		Habits: []*state.Habit{{
			ID:            1,
			Owner:         owner,
			Frequency:     state.FrequencyDaily,
			DurationDays:  30,
			AssetID:       usdc,
			Stake:         10_000_000,
			CurrentStreak: 8,
			LastCheckIn:   1_700_000_000_000_000,
			CreatedAt:     1_699_000_000_000_000,
		}},
		NextHabitID: 2,
		Vaults: []*state.VaultState{{
			AssetID:         usdc,
			RewardPerWeight: big.NewInt(250_000_000_000_000_000),
			TotalWeight:     1,
		}},
		Rewards: []*state.HabitReward{{
			HabitID:             1,
			AssetID:             usdc,
			Pending:             125_000,
			RewardPerWeightPaid: big.NewInt(250_000_000_000_000_000),
			Weight:              1,
		}},
		Prices: map[string]*state.PriceState{
			"ETH-USD": {Price: 200_000_000_000, Sequence: 42, Timestamp: 1_700_000_000_000_000},
		},
		SequenceState:   map[string]int64{"global": sequence + 1, "price:ETH-USD": 42},
		IdempotencyKeys: []string{"cmd-1", "cmd-2"},
	}
}

func TestSnapshot_OnlyVerifiedSnapshotsLoad(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	snapMgr := persistence.NewSnapshotManager(db)
	snap := testSnapshot(41)

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// Unverified snapshots are invisible to recovery.
	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected no verified snapshot, got sequence %d", loaded.Sequence)
	}

	if err := snapMgr.MarkVerified(ctx, 41); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot after verify: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected verified snapshot, got none")
	}

	if loaded.Sequence != 41 {
		t.Errorf("expected sequence 41, got %d", loaded.Sequence)
	}
	if loaded.StateHash != snap.StateHash {
		t.Errorf("state hash mismatch: got %x, want %x", loaded.StateHash, snap.StateHash)
	}
	if len(loaded.Balances) != 2 || len(loaded.Habits) != 1 || len(loaded.IdempotencyKeys) != 2 {
		t.Errorf("unexpected snapshot shape: %d balances, %d habits, %d keys",
			len(loaded.Balances), len(loaded.Habits), len(loaded.IdempotencyKeys))
	}

	habit := loaded.Habits[0]
	if habit.ID != 1 || habit.Stake != 10_000_000 || habit.CurrentStreak != 8 {
		t.Errorf("habit did not round-trip: %+v", habit)
	}

	// The big.Int accumulators must survive the JSON round trip exactly.
	if loaded.Vaults[0].RewardPerWeight.Cmp(snap.Vaults[0].RewardPerWeight) != 0 {
		t.Errorf("vault accumulator mismatch: got %s, want %s",
			loaded.Vaults[0].RewardPerWeight, snap.Vaults[0].RewardPerWeight)
	}
	if loaded.Rewards[0].RewardPerWeightPaid.Cmp(snap.Rewards[0].RewardPerWeightPaid) != 0 {
		t.Errorf("reward paid marker mismatch: got %s, want %s",
			loaded.Rewards[0].RewardPerWeightPaid, snap.Rewards[0].RewardPerWeightPaid)
	}

	if got := loaded.SequenceState["price:ETH-USD"]; got != 42 {
		t.Errorf("expected price partition at 42, got %d", got)
	}
	if loaded.Prices["ETH-USD"] == nil || loaded.Prices["ETH-USD"].Price != 200_000_000_000 {
		t.Errorf("price book did not round-trip: %+v", loaded.Prices["ETH-USD"])
	}
}

func TestSnapshot_NewerUnverifiedDoesNotShadowVerified(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	snapMgr := persistence.NewSnapshotManager(db)

	if err := snapMgr.SaveSnapshot(ctx, testSnapshot(41)); err != nil {
		t.Fatalf("save snapshot 41: %v", err)
	}
	if err := snapMgr.MarkVerified(ctx, 41); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	// A newer snapshot that crashed before verification must not win.
	if err := snapMgr.SaveSnapshot(ctx, testSnapshot(100)); err != nil {
		t.Fatalf("save snapshot 100: %v", err)
	}

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil || loaded.Sequence != 41 {
		t.Fatalf("expected verified snapshot 41, got %+v", loaded)
	}
}

func TestPostgresIdempotencyChecker_FindsPersistedKeys(t *testing.T) {
	db, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := writer.WriteEventBatch(ctx, []persistence.EventRow{testEventRow(3, "CheckIn", "cmd-3")}, tx); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)

	dup, err := checker.IsDuplicate("CheckIn", "cmd-3")
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("expected persisted key to be a duplicate")
	}

	dup, err = checker.IsDuplicate("CheckIn", "cmd-unknown")
	if err != nil {
		t.Fatalf("is duplicate unknown: %v", err)
	}
	if dup {
		t.Error("unknown key must not be a duplicate")
	}

	// Dedup is scoped to the event type.
	dup, err = checker.IsDuplicate("ForceSettle", "cmd-3")
	if err != nil {
		t.Fatalf("is duplicate cross-type: %v", err)
	}
	if dup {
		t.Error("same key under a different event type must not be a duplicate")
	}
}
