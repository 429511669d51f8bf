package ledger

import (
	"HabitLedger/internal/event"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from commands
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // Add reference for pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// GetSequence returns the next batch sequence to be assigned.
func (jg *JournalGenerator) GetSequence() int64 {
	return jg.sequence
}

// SetSequence re-aligns the batch sequence counter with the core's global
// sequence. Called on snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GenerateDepositConfirmed creates journals for a confirmed deposit.
// Moves funds: external:deposits → user:collateral
// The external account is the off-book counterweight and may go negative.
func (jg *JournalGenerator) GenerateDepositConfirmed(
	evt *event.DepositConfirmed,
	assetID AssetID,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  evt.DepositID.String(),
		Sequence:  jg.sequence,
		Timestamp: evt.Timestamp.UnixMicro(),
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      evt.DepositID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(evt.UserID, SubTypeCollateral, assetID),
		CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		AssetID:       assetID,
		Amount:        evt.Amount,
		JournalType:   JournalTypeDepositConfirm,
		Timestamp:     evt.Timestamp.UnixMicro(),
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawalRequested creates journals for a withdrawal request.
// Pre-check: user must have sufficient free collateral. Staked funds are
// never withdrawable — they sit in habit:stake accounts, not collateral.
func (jg *JournalGenerator) GenerateWithdrawalRequested(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient free collateral
	if err := jg.balanceTracker.ValidateSufficientCollateral(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  withdrawalID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Lock funds: user:collateral -> user:pending_withdrawal
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      withdrawalID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypeCollateral, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawalPending,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawalConfirmed finalizes withdrawal (clears pending)
func (jg *JournalGenerator) GenerateWithdrawalConfirmed(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPendingWithdrawal(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal confirm pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  withdrawalID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Finalize: user:pending_withdrawal -> external:withdrawals
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      withdrawalID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawalConfirm,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawalRejected reverses pending withdrawal
func (jg *JournalGenerator) GenerateWithdrawalRejected(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPendingWithdrawal(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal reject pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  withdrawalID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Reverse: user:pending_withdrawal -> user:collateral
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      withdrawalID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypeCollateral, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawalReject,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateStakeLock locks collateral into a habit's stake account.
// Moves funds: user:collateral → habit:stake
// Used by habit creation, stake top-ups, and upward stake edits.
// Pre-check: user must have sufficient free collateral.
func (jg *JournalGenerator) GenerateStakeLock(
	userID uuid.UUID,
	habitID int64,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient free collateral
	if err := jg.balanceTracker.ValidateSufficientCollateral(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("stake lock pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Lock funds: user:collateral -> habit:stake
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewHabitAccountKey(habitID, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypeCollateral, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeStakeLock,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateStakeRelease returns part of a habit's stake to the owner.
// Moves funds: habit:stake → user:collateral
// Used by downward stake edits.
// Pre-check: the habit's stake account must cover the release.
func (jg *JournalGenerator) GenerateStakeRelease(
	userID uuid.UUID,
	habitID int64,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient staked funds
	if err := jg.balanceTracker.ValidateSufficientStake(habitID, assetID, amount); err != nil {
		return nil, fmt.Errorf("stake release pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Release funds: habit:stake -> user:collateral
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypeCollateral, assetID),
		CreditAccount: NewHabitAccountKey(habitID, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeStakeRelease,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GeneratePenalty slashes a habit's stake in one atomic batch.
// Moves funds: habit:stake → system:treasury (floor half)
//              habit:stake → system:reward_pool (remainder)
// When the total is odd, the extra unit lands in the reward pool.
// A zero-amount leg is omitted rather than emitted, since journal
// amounts must be positive: a one-unit penalty produces only the
// reward leg.
func (jg *JournalGenerator) GeneratePenalty(
	habitID int64,
	eventRef string,
	treasuryHalf int64,
	rewardHalf int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: stake account must cover the full slash
	total := treasuryHalf + rewardHalf
	if err := jg.balanceTracker.ValidateSufficientStake(habitID, assetID, total); err != nil {
		return nil, fmt.Errorf("penalty pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	// Journal 1: Treasury half
	if treasuryHalf > 0 {
		treasuryJournal := Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewSystemAccountKey(SubTypeSystemTreasury, assetID),
			CreditAccount: NewHabitAccountKey(habitID, assetID),
			AssetID:       assetID,
			Amount:        treasuryHalf,
			JournalType:   JournalTypePenaltyTreasury,
			Timestamp:     timestamp,
		}
		batch.Journals = append(batch.Journals, treasuryJournal)
	}

	// Journal 2: Reward pool half
	if rewardHalf > 0 {
		rewardJournal := Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewSystemAccountKey(SubTypeSystemRewardPool, assetID),
			CreditAccount: NewHabitAccountKey(habitID, assetID),
			AssetID:       assetID,
			Amount:        rewardHalf,
			JournalType:   JournalTypePenaltyReward,
			Timestamp:     timestamp,
		}
		batch.Journals = append(batch.Journals, rewardJournal)
	}

	jg.sequence++
	return batch, nil
}

// GenerateRewardClaim pays settled rewards out of the pool.
// Moves funds: system:reward_pool → user:collateral
// The pool always holds at least the sum of claimable rewards (floor
// division retains remainders), so a pre-check failure here indicates
// ledger corruption rather than a user error.
func (jg *JournalGenerator) GenerateRewardClaim(
	userID uuid.UUID,
	habitID int64,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: reward pool must cover the claim
	poolKey := NewSystemAccountKey(SubTypeSystemRewardPool, assetID)
	poolBalance := jg.balanceTracker.GetBalance(poolKey)
	if poolBalance < amount {
		return nil, fmt.Errorf("reward claim pre-check failed: pool balance %d below claim %d for habit %d",
			poolBalance, amount, habitID)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Pay out: system:reward_pool -> user:collateral
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypeCollateral, assetID),
		CreditAccount: poolKey,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeRewardClaim,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateStateOnly creates an empty batch for commands that mutate
// in-memory state without moving value (price updates, journal-less
// check-ins). The empty batch keeps the batch sequence in lockstep with
// the envelope sequence so journal rows and envelopes never disagree.
func (jg *JournalGenerator) GenerateStateOnly(eventRef string, timestamp int64) *Batch {
	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  []Journal{},
	}

	jg.sequence++
	return batch
}
