package query

import "github.com/google/uuid"

// HabitResponse represents a habit for API queries. PendingReward is
// settled at query time against the vault accumulator; everything else
// reads straight from the projection.
type HabitResponse struct {
	HabitID        int64     `json:"habit_id"`
	Owner          uuid.UUID `json:"owner"`
	Asset          string    `json:"asset"`
	Frequency      string    `json:"frequency"`
	DurationDays   int64     `json:"duration_days"`
	CooldownSecs   int64     `json:"cooldown_secs"`
	IsPrivate      bool      `json:"is_private"`
	CommitmentHash string    `json:"commitment_hash,omitempty"`
	Stake          int64     `json:"stake"`
	Streak         int64     `json:"streak"`
	Weight         int64     `json:"weight"`
	Tier           string    `json:"tier"`
	PendingReward  int64     `json:"pending_reward"`
	LastCheckInUs  int64     `json:"last_checkin_us"`
	CreatedAtUs    int64     `json:"created_at_us"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// RewardResponse is the claimable-reward view of one habit.
type RewardResponse struct {
	HabitID       int64  `json:"habit_id"`
	Asset         string `json:"asset"`
	Weight        int64  `json:"weight"`
	PendingReward int64  `json:"pending_reward"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// PenaltyHistoryEntry represents one settled streak break.
type PenaltyHistoryEntry struct {
	Sequence     int64  `json:"sequence"`
	HabitID      int64  `json:"habit_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	TimestampUs  int64  `json:"timestamp_us"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// CommandStatusResponse reports the outcome of an asynchronously
// submitted command. Commands are accepted with 202 and resolved by the
// core later; this is how a client learns whether its command was
// applied or rejected, and why.
type CommandStatusResponse struct {
	CommandID string `json:"command_id"`
	EventType string `json:"event_type"`
	Status    string `json:"status"` // "applied" or "rejected"
	Sequence  int64  `json:"sequence"`
	Error     string `json:"error,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
