package ingestion_test

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/ingestion"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseHabitCreate(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":      "550e8400-e29b-41d4-a716-446655440000",
		"owner":           "660e8400-e29b-41d4-a716-446655440001",
		"frequency":       "daily",
		"duration_days":   int64(30),
		"asset":           "USDC",
		"stake":           int64(25_000_000),
		"cooldown_secs":   int64(3600),
		"is_private":      true,
		"commitment_hash": strings.Repeat("ab", 32),
		"sequence":        int64(7),
		"timestamp_us":    int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "HabitCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	hc, ok := evt.(*event.HabitCreate)
	if !ok {
		t.Fatalf("expected *event.HabitCreate, got %T", evt)
	}

	if hc.Frequency != "daily" {
		t.Errorf("frequency: got %s, want daily", hc.Frequency)
	}
	if hc.DurationDays != 30 {
		t.Errorf("duration_days: got %d, want 30", hc.DurationDays)
	}
	if hc.Asset != "USDC" {
		t.Errorf("asset: got %s, want USDC", hc.Asset)
	}
	if hc.Stake != 25_000_000 {
		t.Errorf("stake: got %d, want 25_000_000", hc.Stake)
	}
	if hc.CooldownSecs != 3600 {
		t.Errorf("cooldown_secs: got %d, want 3600", hc.CooldownSecs)
	}
	if !hc.IsPrivate {
		t.Error("is_private: got false, want true")
	}
	for i, b := range hc.CommitmentHash {
		if b != 0xab {
			t.Fatalf("commitment_hash[%d]: got %#x, want 0xab", i, b)
		}
	}
	if hc.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", hc.Sequence)
	}
	if hc.EventType() != event.EventTypeHabitCreate {
		t.Errorf("event type: got %v, want HabitCreate", hc.EventType())
	}
	if hc.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", hc.IdempotencyKey())
	}
}

func TestParseHabitCreate_EmptyCommitmentHash(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"owner":         "660e8400-e29b-41d4-a716-446655440001",
		"frequency":     "daily",
		"duration_days": int64(7),
		"asset":         "USDC",
		"stake":         int64(10_000_000),
		"cooldown_secs": int64(0),
		"sequence":      int64(1),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "HabitCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	hc := evt.(*event.HabitCreate)
	if hc.CommitmentHash != ([32]byte{}) {
		t.Errorf("commitment_hash: got %x, want zero", hc.CommitmentHash)
	}
	if hc.IsPrivate {
		t.Error("is_private: got true, want false")
	}
}

func TestParseHabitCreate_BadCommitmentHash_Fails(t *testing.T) {
	for _, bad := range []string{"zzzz", "abcd"} {
		payload := map[string]interface{}{
			"command_id":      "550e8400-e29b-41d4-a716-446655440000",
			"owner":           "660e8400-e29b-41d4-a716-446655440001",
			"frequency":       "daily",
			"duration_days":   int64(7),
			"asset":           "USDC",
			"stake":           int64(10_000_000),
			"cooldown_secs":   int64(0),
			"commitment_hash": bad,
			"sequence":        int64(1),
			"timestamp_us":    int64(1700000000000000),
		}

		raw := rawFromJSON(t, payload)
		if _, err := ingestion.ParseRawEvent(raw, "HabitCreate"); err == nil {
			t.Errorf("commitment_hash %q: expected error", bad)
		}
	}
}

func TestParseCheckIn(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"habit_id":     int64(42),
		"requester":    "660e8400-e29b-41d4-a716-446655440001",
		"sequence":     int64(9),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "CheckIn")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ci, ok := evt.(*event.CheckIn)
	if !ok {
		t.Fatalf("expected *event.CheckIn, got %T", evt)
	}

	if ci.HabitID != 42 {
		t.Errorf("habit_id: got %d, want 42", ci.HabitID)
	}
	if ci.Requester.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("requester: got %s", ci.Requester)
	}
	if ci.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d, want 1700000000000000", ci.Timestamp.UnixMicro())
	}
	if ci.EventType() != event.EventTypeCheckIn {
		t.Errorf("event type: got %v, want CheckIn", ci.EventType())
	}
}

func TestParseForceSettle(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"habit_id":     int64(3),
		"sequence":     int64(11),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "ForceSettle")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fs, ok := evt.(*event.ForceSettle)
	if !ok {
		t.Fatalf("expected *event.ForceSettle, got %T", evt)
	}

	if fs.HabitID != 3 {
		t.Errorf("habit_id: got %d, want 3", fs.HabitID)
	}
	if fs.Sequence != 11 {
		t.Errorf("sequence: got %d, want 11", fs.Sequence)
	}
}

func TestParseStakeEdit(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"habit_id":     int64(5),
		"requester":    "660e8400-e29b-41d4-a716-446655440001",
		"new_stake":    int64(40_000_000),
		"sequence":     int64(13),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "StakeEdit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	se, ok := evt.(*event.StakeEdit)
	if !ok {
		t.Fatalf("expected *event.StakeEdit, got %T", evt)
	}

	if se.NewStake != 40_000_000 {
		t.Errorf("new_stake: got %d, want 40_000_000", se.NewStake)
	}
	if se.HabitID != 5 {
		t.Errorf("habit_id: got %d, want 5", se.HabitID)
	}
}

func TestParseDepositConfirmed(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "USDC",
		"amount":       int64(2_000_000),
		"sequence":     int64(2),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("expected *event.DepositConfirmed, got %T", evt)
	}

	if dc.Amount != 2_000_000 {
		t.Errorf("amount: got %d, want 2_000_000", dc.Amount)
	}
	if dc.EventType() != event.EventTypeDepositConfirmed {
		t.Errorf("event type: got %v, want DepositConfirmed", dc.EventType())
	}
}

func TestParseWithdrawalRejected(t *testing.T) {
	payload := map[string]interface{}{
		"withdrawal_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":         "USDC",
		"amount":        int64(1_500_000),
		"sequence":      int64(4),
		"timestamp_us":  int64(1700000000000000),
		"reason":        "compliance_hold",
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "WithdrawalRejected")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wr, ok := evt.(*event.WithdrawalRejected)
	if !ok {
		t.Fatalf("expected *event.WithdrawalRejected, got %T", evt)
	}

	if wr.Reason != "compliance_hold" {
		t.Errorf("reason: got %s, want compliance_hold", wr.Reason)
	}
	if wr.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000:reject" {
		t.Errorf("idempotency key: got %s", wr.IdempotencyKey())
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"feed":               "ETH-USD",
		"price":              int64(200_000_000_000),
		"price_sequence":     int64(100),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu, ok := evt.(*event.PriceUpdate)
	if !ok {
		t.Fatalf("expected *event.PriceUpdate, got %T", evt)
	}

	if pu.Feed != "ETH-USD" {
		t.Errorf("feed: got %s, want ETH-USD", pu.Feed)
	}
	if pu.Price != 200_000_000_000 {
		t.Errorf("price: got %d, want 200_000_000_000", pu.Price)
	}
	if pu.PriceSequence != 100 {
		t.Errorf("price_sequence: got %d, want 100", pu.PriceSequence)
	}
	if pu.Partition() == nil || *pu.Partition() != "ETH-USD" {
		t.Error("partition: want feed name")
	}
	if pu.IdempotencyKey() != "ETH-USD:price:100" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "HabitCreate")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "not-a-uuid",
		"habit_id":     int64(1),
		"requester":    "also-not-a-uuid",
		"sequence":     int64(0),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "CheckIn")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

// Replay depends on MarshalEvent and ParseRawEvent being exact inverses:
// API-injected commands are enveloped with marshaled bytes and later
// re-parsed from the event log.
func TestMarshalEvent_RoundTripsThroughParse(t *testing.T) {
	original := &event.HabitCreate{
		CommandID:    uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Owner:        uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
		Frequency:    "daily",
		DurationDays: 60,
		Asset:        "ETH",
		Stake:        5_000,
		CooldownSecs: 7200,
		IsPrivate:    true,
		Sequence:     21,
		Timestamp:    time.UnixMicro(1700000000000000),
	}
	for i := range original.CommitmentHash {
		original.CommitmentHash[i] = byte(i)
	}

	data, err := ingestion.MarshalEvent(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "HabitCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	got, ok := parsed.(*event.HabitCreate)
	if !ok {
		t.Fatalf("expected *event.HabitCreate, got %T", parsed)
	}

	if *got != *original {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, original)
	}
}

func TestMarshalEvent_PriceUpdateKeepsPartition(t *testing.T) {
	original := &event.PriceUpdate{
		Feed:           "ETH-USD",
		Price:          199_950_000_000,
		PriceSequence:  8,
		PriceTimestamp: 1700000000000000,
	}

	data, err := ingestion.MarshalEvent(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	got := parsed.(*event.PriceUpdate)
	if *got != *original {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, original)
	}
	if got.Partition() == nil || *got.Partition() != "ETH-USD" {
		t.Error("partition: want feed name after round trip")
	}
}
