package ingestion

import (
	"HabitLedger/internal/event"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates and parses raw events
// before sending them to the deterministic core. Replay decodes stored
// envelope payloads through the same routine, so the wire format here is
// also the event log format.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "HabitCreate":
		return parseHabitCreate(raw.Data)
	case "CheckIn":
		return parseCheckIn(raw.Data)
	case "ForceSettle":
		return parseForceSettle(raw.Data)
	case "StakeAdd":
		return parseStakeAdd(raw.Data)
	case "StakeEdit":
		return parseStakeEdit(raw.Data)
	case "RewardClaim":
		return parseRewardClaim(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "WithdrawalConfirmed":
		return parseWithdrawalConfirmed(raw.Data)
	case "WithdrawalRejected":
		return parseWithdrawalRejected(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// MarshalEvent renders a typed event back into the wire JSON that
// ParseRawEvent accepts. Commands injected through the API are enveloped
// with these bytes, so they replay exactly like NATS traffic.
func MarshalEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.HabitCreate:
		return json.Marshal(habitCreateJSON{
			CommandID:      e.CommandID.String(),
			Owner:          e.Owner.String(),
			Frequency:      e.Frequency,
			DurationDays:   e.DurationDays,
			Asset:          e.Asset,
			Stake:          e.Stake,
			CooldownSecs:   e.CooldownSecs,
			IsPrivate:      e.IsPrivate,
			CommitmentHash: formatCommitmentHash(e.CommitmentHash),
			Sequence:       e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})
	case *event.CheckIn:
		return json.Marshal(habitCommandJSON{
			CommandID:   e.CommandID.String(),
			HabitID:     e.HabitID,
			Requester:   e.Requester.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.ForceSettle:
		return json.Marshal(forceSettleJSON{
			CommandID:   e.CommandID.String(),
			HabitID:     e.HabitID,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.StakeAdd:
		return json.Marshal(stakeAddJSON{
			CommandID:   e.CommandID.String(),
			HabitID:     e.HabitID,
			Requester:   e.Requester.String(),
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.StakeEdit:
		return json.Marshal(stakeEditJSON{
			CommandID:   e.CommandID.String(),
			HabitID:     e.HabitID,
			Requester:   e.Requester.String(),
			NewStake:    e.NewStake,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.RewardClaim:
		return json.Marshal(habitCommandJSON{
			CommandID:   e.CommandID.String(),
			HabitID:     e.HabitID,
			Requester:   e.Requester.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.DepositConfirmed:
		return json.Marshal(depositJSON{
			DepositID:   e.DepositID.String(),
			UserID:      e.UserID.String(),
			Asset:       e.Asset,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.WithdrawalRequested:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Asset:        e.Asset,
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})
	case *event.WithdrawalConfirmed:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Asset:        e.Asset,
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})
	case *event.WithdrawalRejected:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Asset:        e.Asset,
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
			Reason:       e.Reason,
		})
	case *event.PriceUpdate:
		return json.Marshal(priceUpdateJSON{
			Feed:           e.Feed,
			Price:          e.Price,
			PriceSequence:  e.PriceSequence,
			PriceTimestamp: e.PriceTimestamp,
		})
	default:
		return nil, fmt.Errorf("marshal event: unsupported type %T", evt)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type habitCreateJSON struct {
	CommandID      string `json:"command_id"`
	Owner          string `json:"owner"`
	Frequency      string `json:"frequency"`
	DurationDays   int64  `json:"duration_days"`
	Asset          string `json:"asset"`
	Stake          int64  `json:"stake"`
	CooldownSecs   int64  `json:"cooldown_secs"`
	IsPrivate      bool   `json:"is_private,omitempty"`
	CommitmentHash string `json:"commitment_hash,omitempty"` // Hex-encoded, 32 bytes
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseHabitCreate(data []byte) (*event.HabitCreate, error) {
	var j habitCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse HabitCreate: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	commitment, err := parseCommitmentHash(j.CommitmentHash)
	if err != nil {
		return nil, err
	}

	return &event.HabitCreate{
		CommandID:      commandID,
		Owner:          owner,
		Frequency:      j.Frequency,
		DurationDays:   j.DurationDays,
		Asset:          j.Asset,
		Stake:          j.Stake,
		CooldownSecs:   j.CooldownSecs,
		IsPrivate:      j.IsPrivate,
		CommitmentHash: commitment,
		Sequence:       j.Sequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

// parseCommitmentHash decodes the optional hex-encoded commitment digest.
// An empty string means the owner published no commitment.
func parseCommitmentHash(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse commitment_hash: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("parse commitment_hash: want %d bytes, got %d", len(out), len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func formatCommitmentHash(h [32]byte) string {
	if h == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(h[:])
}

// habitCommandJSON is the shared shape for habit commands that carry no
// extra arguments: CheckIn and RewardClaim.
type habitCommandJSON struct {
	CommandID   string `json:"command_id"`
	HabitID     int64  `json:"habit_id"`
	Requester   string `json:"requester"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCheckIn(data []byte) (*event.CheckIn, error) {
	var j habitCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CheckIn: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	requester, err := uuid.Parse(j.Requester)
	if err != nil {
		return nil, fmt.Errorf("parse requester: %w", err)
	}
	return &event.CheckIn{
		CommandID: commandID,
		HabitID:   j.HabitID,
		Requester: requester,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRewardClaim(data []byte) (*event.RewardClaim, error) {
	var j habitCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RewardClaim: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	requester, err := uuid.Parse(j.Requester)
	if err != nil {
		return nil, fmt.Errorf("parse requester: %w", err)
	}
	return &event.RewardClaim{
		CommandID: commandID,
		HabitID:   j.HabitID,
		Requester: requester,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// forceSettleJSON carries no requester: settlement is permissionless and
// the keeper issues most of these.
type forceSettleJSON struct {
	CommandID   string `json:"command_id"`
	HabitID     int64  `json:"habit_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseForceSettle(data []byte) (*event.ForceSettle, error) {
	var j forceSettleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ForceSettle: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.ForceSettle{
		CommandID: commandID,
		HabitID:   j.HabitID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type stakeAddJSON struct {
	CommandID   string `json:"command_id"`
	HabitID     int64  `json:"habit_id"`
	Requester   string `json:"requester"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStakeAdd(data []byte) (*event.StakeAdd, error) {
	var j stakeAddJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StakeAdd: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	requester, err := uuid.Parse(j.Requester)
	if err != nil {
		return nil, fmt.Errorf("parse requester: %w", err)
	}
	return &event.StakeAdd{
		CommandID: commandID,
		HabitID:   j.HabitID,
		Requester: requester,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type stakeEditJSON struct {
	CommandID   string `json:"command_id"`
	HabitID     int64  `json:"habit_id"`
	Requester   string `json:"requester"`
	NewStake    int64  `json:"new_stake"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStakeEdit(data []byte) (*event.StakeEdit, error) {
	var j stakeEditJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StakeEdit: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	requester, err := uuid.Parse(j.Requester)
	if err != nil {
		return nil, fmt.Errorf("parse requester: %w", err)
	}
	return &event.StakeEdit{
		CommandID: commandID,
		HabitID:   j.HabitID,
		Requester: requester,
		NewStake:  j.NewStake,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
	Reason       string `json:"reason,omitempty"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalConfirmed(data []byte) (*event.WithdrawalConfirmed, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalConfirmed: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalConfirmed{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalRejected(data []byte) (*event.WithdrawalRejected, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRejected: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalRejected{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
		Reason:       j.Reason,
	}, nil
}

type priceUpdateJSON struct {
	Feed           string `json:"feed"`
	Price          int64  `json:"price"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	return &event.PriceUpdate{
		Feed:           j.Feed,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}
