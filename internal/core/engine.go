package core

import (
	"HabitLedger/internal/event"
	"HabitLedger/internal/ledger"
	fpmath "HabitLedger/internal/math"
	"HabitLedger/internal/observability"
	"HabitLedger/internal/state"
	"fmt"
	"sort"
	"time"
)

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	habitManager      *state.HabitManager
	rewardLedger      *state.RewardLedger
	priceBook         *state.PriceBook
	badgeNotifier     state.BadgeNotifier
	registryNotifier  state.RegistryNotifier
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	// Guards against re-entrant invocation from a handler or notifier
	// callback. Single-writer means this is a plain bool, not a mutex.
	inProgress bool

	// Scratch for the event being processed; reset before dispatch.
	touchedHabits  map[int64]bool
	touchedVaults  map[ledger.AssetID]bool
	touchedRewards map[state.RewardKey]bool
	pendingNotes   []event.Notification

	// Channels for downstream processing
	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is what the core emits after processing an event
type CoreOutput struct {
	Event         event.Event
	Envelope      *event.EventEnvelope
	Batch         *ledger.Batch
	StateDelta    map[ledger.AccountKey]int64
	Notifications []event.Notification
}

// NewDeterministicCore creates the core engine
func NewDeterministicCore(
	startSequence int64,
	persistChan chan<- CoreOutput,
	projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	tracker := ledger.NewBalanceTracker()
	habitManager := state.NewHabitManager()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    tracker,
		journalGen:        ledger.NewJournalGenerator(startSequence, tracker),
		validator:         ledger.NewInvariantValidator(tracker),
		habitManager:      habitManager,
		rewardLedger:      state.NewRewardLedger(habitManager),
		priceBook:         state.NewPriceBook(),
		badgeNotifier:     state.NopBadgeNotifier{},
		registryNotifier:  state.NopRegistryNotifier{},
		idempotency:       NewIdempotencyChecker(10000, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		touchedHabits:     make(map[int64]bool),
		touchedVaults:     make(map[ledger.AssetID]bool),
		touchedRewards:    make(map[state.RewardKey]bool),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// SetBadgeNotifier installs the badge sink. Call before the first event.
func (c *DeterministicCore) SetBadgeNotifier(n state.BadgeNotifier) {
	c.badgeNotifier = n
}

// SetRegistryNotifier installs the registry sink. Call before the first event.
func (c *DeterministicCore) SetRegistryNotifier(n state.RegistryNotifier) {
	c.registryNotifier = n
}

// ProcessEvent runs an event through the full pipeline: idempotency check,
// sequence validation, dispatch, state hash, invariant checks, output.
// rawPayload is the wire-format bytes the event arrived as; it is stored in
// the envelope so replay re-parses the exact same input.
func (c *DeterministicCore) ProcessEvent(evt event.Event, rawPayload []byte) error {
	start := time.Now()

	if c.inProgress {
		return fmt.Errorf("%w: operation already in progress", state.ErrStateConflict)
	}
	c.inProgress = true
	defer func() { c.inProgress = false }()

	// ===== STEP 1: Idempotency check =====
	idempKey := evt.IdempotencyKey()
	eventType := evt.EventType().String()

	isDup := c.idempotency.IsDuplicate(eventType, idempKey)

	// ===== STEP 2: Sequence validation =====
	partition := evt.Partition()
	if partition != nil {
		// Price feeds tolerate gaps and silently drop stale updates.
		if priceEvt, ok := evt.(*event.PriceUpdate); ok {
			if err := c.sequenceValidator.ValidatePriceSequence(*partition, priceEvt.PriceSequence); err != nil {
				return nil
			}
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence("global", evt.SourceSequence(), idempKey, isDup); err != nil {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// ===== STEP 3: Skip duplicates =====
	if isDup {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// ===== STEP 4: Dispatch to handler =====
	c.clearScratch()
	batch, dispatchErr := c.dispatchEvent(evt)
	if dispatchErr != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "validation").Inc()
		}
		if batch == nil {
			// Rejected before any state mutation. The command already
			// consumed its source sequence in step 2, so it must still
			// occupy a slot in the event log: a state-only envelope keeps
			// replay gapless and re-derives the same rejection from the
			// stored payload. Dropping it instead would truncate recovery
			// at the first logged rejection.
			c.pendingNotes = nil
			batch = c.journalGen.GenerateStateOnly(idempKey, c.getEventTimestamp(evt).UnixMicro())
		}
	}

	// ===== STEP 5: Validate and apply the batch =====
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch at sequence %d: %v", c.sequence, err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: batch apply failed at sequence %d: %v", c.sequence, err))
		}
	}

	// ===== STEP 6: Compute state hash =====
	hashStart := time.Now()
	stateDigest := c.computeStateDigest()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// ===== STEP 7: Build the envelope =====
	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        rawPayload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if dispatchErr != nil {
		envelope.Error = dispatchErr.Error()
	}

	c.sequence++

	// ===== STEP 8: Post-apply invariant checks =====
	c.postCheckInvariants(evt)

	// ===== STEP 9: Emit output =====
	output := CoreOutput{
		Event:         evt,
		Envelope:      envelope,
		Batch:         batch,
		StateDelta:    c.balanceTracker.Snapshot(),
		Notifications: c.pendingNotes,
	}
	c.pendingNotes = nil

	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			// Projections are rebuilt from the journal; dropping here is safe.
		}
	}

	// ===== STEP 10: Mark processed =====
	c.idempotency.MarkProcessed(eventType, idempKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return dispatchErr
}

// clearScratch resets the per-event mutation tracking.
func (c *DeterministicCore) clearScratch() {
	c.touchedHabits = make(map[int64]bool)
	c.touchedVaults = make(map[ledger.AssetID]bool)
	c.touchedRewards = make(map[state.RewardKey]bool)
	c.pendingNotes = nil
}

func (c *DeterministicCore) touchHabit(habitID int64) {
	c.touchedHabits[habitID] = true
}

func (c *DeterministicCore) touchVault(assetID ledger.AssetID) {
	c.touchedVaults[assetID] = true
}

func (c *DeterministicCore) touchReward(assetID ledger.AssetID, habitID int64) {
	c.touchedRewards[state.RewardKey{AssetID: assetID, HabitID: habitID}] = true
}

// notify queues an outbound notification stamped with the current sequence.
func (c *DeterministicCore) notify(n event.Notification) {
	n.Sequence = c.sequence
	c.pendingNotes = append(c.pendingNotes, n)
}

// getEventTimestamp extracts the versioned timestamp from the event
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.HabitCreate:
		return e.Timestamp
	case *event.CheckIn:
		return e.Timestamp
	case *event.ForceSettle:
		return e.Timestamp
	case *event.StakeAdd:
		return e.Timestamp
	case *event.StakeEdit:
		return e.Timestamp
	case *event.RewardClaim:
		return e.Timestamp
	case *event.DepositConfirmed:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.WithdrawalConfirmed:
		return e.Timestamp
	case *event.WithdrawalRejected:
		return e.Timestamp
	case *event.PriceUpdate:
		return time.UnixMicro(e.PriceTimestamp)
	default:
		panic(fmt.Sprintf("FATAL: unknown event type %T", evt))
	}
}

// dispatchEvent routes the event to its handler.
// Contract: (nil, err) means rejected before any mutation; (batch, nil) is
// the normal path; (batch, err) means state changed and the envelope must
// still be emitted even though the command failed (penalty settled before a
// rejected check-in).
func (c *DeterministicCore) dispatchEvent(evt event.Event) (*ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.HabitCreate:
		return c.handleHabitCreate(e)
	case *event.CheckIn:
		return c.handleCheckIn(e)
	case *event.ForceSettle:
		return c.handleForceSettle(e)
	case *event.StakeAdd:
		return c.handleStakeAdd(e)
	case *event.StakeEdit:
		return c.handleStakeEdit(e)
	case *event.RewardClaim:
		return c.handleRewardClaim(e)
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e)
	case *event.WithdrawalConfirmed:
		return c.handleWithdrawalConfirmed(e)
	case *event.WithdrawalRejected:
		return c.handleWithdrawalRejected(e)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handleHabitCreate validates the commitment and locks the stake.
func (c *DeterministicCore) handleHabitCreate(evt *event.HabitCreate) (*ledger.Batch, error) {
	if evt.Frequency != state.FrequencyDaily.String() {
		return nil, fmt.Errorf("%w: unsupported frequency %q", state.ErrInvalidInput, evt.Frequency)
	}
	if !state.ValidDuration(evt.DurationDays) {
		return nil, fmt.Errorf("%w: duration %d days not offered", state.ErrInvalidInput, evt.DurationDays)
	}
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", state.ErrInvalidInput, evt.Asset)
	}
	if evt.Stake <= 0 {
		return nil, fmt.Errorf("%w: stake must be positive", state.ErrInvalidInput)
	}
	if evt.CooldownSecs < 0 {
		return nil, fmt.Errorf("%w: cooldown must be non-negative", state.ErrInvalidInput)
	}

	// Value the stake in USD. The stable asset is pegged 1:1; everything
	// else goes through the price oracle.
	usdValue := evt.Stake
	if feed, needsOracle := state.FeedForAsset(assetID); needsOracle {
		price, ok := c.priceBook.LatestPrice(feed)
		if !ok || price <= 0 {
			return nil, fmt.Errorf("%w: no usable price for feed %s", state.ErrOracle, feed)
		}
		usdValue = fpmath.ComputeUSDValue(evt.Stake, price)
	}
	if usdValue < state.MinStakeMicroUSD {
		return nil, fmt.Errorf("%w: stake worth %d micro-USD below minimum %d",
			state.ErrInvalidInput, usdValue, state.MinStakeMicroUSD)
	}

	now := evt.Timestamp.UnixMicro()
	habitID := c.habitManager.NextID()

	batch, err := c.journalGen.GenerateStakeLock(
		evt.Owner, habitID, evt.CommandID.String(), evt.Stake, assetID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}

	habit := c.habitManager.CreateHabit(
		evt.Owner, state.FrequencyDaily, evt.DurationDays, assetID, evt.Stake,
		evt.CooldownSecs*1_000_000, evt.IsPrivate, evt.CommitmentHash, now,
	)
	if habit.ID != habitID {
		panic(fmt.Sprintf("FATAL: habit ID mismatch: reserved %d got %d", habitID, habit.ID))
	}

	// A fresh habit registers with zero weight so its reward record exists
	// before the first streak milestone.
	if err := c.rewardLedger.UpdateWeight(habit.ID, 0); err != nil {
		panic(fmt.Sprintf("FATAL: weight registration failed for habit %d: %v", habit.ID, err))
	}

	c.touchHabit(habit.ID)
	c.touchVault(assetID)
	c.touchReward(assetID, habit.ID)

	c.registryNotifier.OnCreated(evt.Owner, habit.ID, assetID, evt.Stake)
	c.notify(event.Notification{
		Kind:      event.NotificationHabitCreated,
		HabitID:   habit.ID,
		Asset:     evt.Asset,
		Amount:    evt.Stake,
		Timestamp: evt.Timestamp,
	})

	return batch, nil
}

// applyPenalty runs the shared miss-settlement procedure for a habit past
// its grace window. Returns the journal batch, whether a penalty was taken,
// and any error from journal generation. A (nil, false, nil) return means
// no whole period was missed yet and nothing changed; the caller decides
// what batch, if any, the command still produces.
//
// Order matters: the reward half is deposited while the breaking habit's old
// weight is still registered, so it earns its own share before the reset.
func (c *DeterministicCore) applyPenalty(habit *state.Habit, eventRef string, now int64, ts time.Time) (*ledger.Batch, bool, error) {
	missed, amount, newLastCheckIn := fpmath.ComputePenalty(habit.Stake, now, habit.LastCheckIn)
	if missed == 0 || amount == 0 {
		return nil, false, nil
	}

	treasuryHalf := amount / 2
	rewardHalf := amount - treasuryHalf

	batch, err := c.journalGen.GeneratePenalty(
		habit.ID, eventRef, treasuryHalf, rewardHalf, habit.AssetID, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}

	assetName, _ := ledger.GetAssetName(habit.AssetID)
	deposited := c.rewardLedger.AddReward(habit.AssetID, rewardHalf)
	c.notify(event.Notification{
		Kind:      event.NotificationRewardAdded,
		HabitID:   habit.ID,
		Asset:     assetName,
		Amount:    rewardHalf,
		Discarded: !deposited,
		Timestamp: ts,
	})

	habit.Stake -= amount
	habit.CurrentStreak = 0
	if err := c.rewardLedger.UpdateWeight(habit.ID, 0); err != nil {
		panic(fmt.Sprintf("FATAL: weight reset failed for habit %d: %v", habit.ID, err))
	}
	habit.LastCheckIn = newLastCheckIn
	habit.Version++

	c.touchHabit(habit.ID)
	c.touchVault(habit.AssetID)
	c.touchReward(habit.AssetID, habit.ID)

	c.badgeNotifier.OnStreakChanged(habit.ID, 0, true)
	c.registryNotifier.OnStakeDelta(habit.AssetID, -amount)
	c.notify(event.Notification{
		Kind:      event.NotificationStreakBroken,
		HabitID:   habit.ID,
		Asset:     assetName,
		Amount:    amount,
		Streak:    0,
		Timestamp: ts,
	})

	return batch, true, nil
}

// handleCheckIn settles any overdue penalty and then records a check-in.
func (c *DeterministicCore) handleCheckIn(evt *event.CheckIn) (*ledger.Batch, error) {
	habit := c.habitManager.GetHabit(evt.HabitID)
	if habit == nil {
		return nil, fmt.Errorf("%w: habit %d not found", state.ErrInvalidInput, evt.HabitID)
	}
	if habit.Owner != evt.Requester {
		return nil, fmt.Errorf("%w: requester %s does not own habit %d",
			state.ErrUnauthorized, evt.Requester, evt.HabitID)
	}

	now := evt.Timestamp.UnixMicro()
	eventRef := evt.CommandID.String()

	if fpmath.HasMissed(now, habit.LastCheckIn) {
		batch, penalized, err := c.applyPenalty(habit, eventRef, now, evt.Timestamp)
		if err != nil {
			return nil, err
		}
		if penalized {
			// The penalty moved money; the check-in itself is rejected
			// but the settlement must still be journaled and emitted.
			return batch, fmt.Errorf("%w: penalty settled missed periods for habit %d",
				state.ErrStateConflict, habit.ID)
		}
		// No whole period missed yet; the cooldown gate below decides
		// whether the check-in counts.
	}

	if now < habit.LastCheckIn+habit.CooldownMicros {
		return nil, fmt.Errorf("%w: cooldown until %d not elapsed for habit %d",
			state.ErrStateConflict, habit.LastCheckIn+habit.CooldownMicros, habit.ID)
	}

	habit.CurrentStreak++
	habit.LastCheckIn = now
	habit.Version++
	newWeight := habit.Weight()
	if err := c.rewardLedger.UpdateWeight(habit.ID, newWeight); err != nil {
		panic(fmt.Sprintf("FATAL: weight update failed for habit %d: %v", habit.ID, err))
	}

	c.touchHabit(habit.ID)
	c.touchVault(habit.AssetID)
	c.touchReward(habit.AssetID, habit.ID)

	c.badgeNotifier.OnStreakChanged(habit.ID, habit.CurrentStreak, false)
	tier := habit.Tier()
	if prevTier, _ := fpmath.TierAndWeight(habit.CurrentStreak - 1); tier != prevTier {
		c.badgeNotifier.OnMinted(habit.Owner, habit.ID, tier)
	}

	assetName, _ := ledger.GetAssetName(habit.AssetID)
	c.notify(event.Notification{
		Kind:      event.NotificationCheckIn,
		HabitID:   habit.ID,
		Asset:     assetName,
		Streak:    habit.CurrentStreak,
		Weight:    newWeight,
		Tier:      tier.String(),
		Timestamp: evt.Timestamp,
	})

	return c.journalGen.GenerateStateOnly(eventRef, now), nil
}

// handleForceSettle applies overdue penalties on anyone's behalf.
func (c *DeterministicCore) handleForceSettle(evt *event.ForceSettle) (*ledger.Batch, error) {
	habit := c.habitManager.GetHabit(evt.HabitID)
	if habit == nil {
		return nil, fmt.Errorf("%w: habit %d not found", state.ErrInvalidInput, evt.HabitID)
	}

	now := evt.Timestamp.UnixMicro()
	eventRef := evt.CommandID.String()

	if !fpmath.HasMissed(now, habit.LastCheckIn) {
		// Nothing overdue: a no-op that still advances the journal.
		return c.journalGen.GenerateStateOnly(eventRef, now), nil
	}

	batch, penalized, err := c.applyPenalty(habit, eventRef, now, evt.Timestamp)
	if err != nil {
		return nil, err
	}
	if !penalized {
		// Past grace but inside the whole-period dead zone.
		return c.journalGen.GenerateStateOnly(eventRef, now), nil
	}
	return batch, nil
}

// handleStakeAdd locks additional collateral and restarts the streak.
func (c *DeterministicCore) handleStakeAdd(evt *event.StakeAdd) (*ledger.Batch, error) {
	habit := c.habitManager.GetHabit(evt.HabitID)
	if habit == nil {
		return nil, fmt.Errorf("%w: habit %d not found", state.ErrInvalidInput, evt.HabitID)
	}
	if habit.Owner != evt.Requester {
		return nil, fmt.Errorf("%w: requester %s does not own habit %d",
			state.ErrUnauthorized, evt.Requester, evt.HabitID)
	}
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", state.ErrInvalidInput)
	}

	now := evt.Timestamp.UnixMicro()
	batch, err := c.journalGen.GenerateStakeLock(
		evt.Requester, habit.ID, evt.CommandID.String(), evt.Amount, habit.AssetID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}

	// Raising the stake restarts progress unconditionally; overdue misses
	// are left for the next check-in or settle to collect.
	habit.Stake += evt.Amount
	habit.CurrentStreak = 0
	habit.Version++
	if err := c.rewardLedger.UpdateWeight(habit.ID, 0); err != nil {
		panic(fmt.Sprintf("FATAL: weight reset failed for habit %d: %v", habit.ID, err))
	}

	c.touchHabit(habit.ID)
	c.touchVault(habit.AssetID)
	c.touchReward(habit.AssetID, habit.ID)

	c.badgeNotifier.OnStreakChanged(habit.ID, 0, false)
	c.registryNotifier.OnStakeDelta(habit.AssetID, evt.Amount)

	assetName, _ := ledger.GetAssetName(habit.AssetID)
	c.notify(event.Notification{
		Kind:      event.NotificationStakeAdded,
		HabitID:   habit.ID,
		Asset:     assetName,
		Amount:    evt.Amount,
		Timestamp: evt.Timestamp,
	})

	return batch, nil
}

// handleStakeEdit adjusts the stake without touching the streak.
func (c *DeterministicCore) handleStakeEdit(evt *event.StakeEdit) (*ledger.Batch, error) {
	habit := c.habitManager.GetHabit(evt.HabitID)
	if habit == nil {
		return nil, fmt.Errorf("%w: habit %d not found", state.ErrInvalidInput, evt.HabitID)
	}
	if habit.Owner != evt.Requester {
		return nil, fmt.Errorf("%w: requester %s does not own habit %d",
			state.ErrUnauthorized, evt.Requester, evt.HabitID)
	}
	if evt.NewStake < habit.Stake/2 {
		return nil, fmt.Errorf("%w: new stake %d below half of current %d",
			state.ErrInvalidInput, evt.NewStake, habit.Stake)
	}

	now := evt.Timestamp.UnixMicro()
	eventRef := evt.CommandID.String()
	delta := evt.NewStake - habit.Stake

	var batch *ledger.Batch
	var err error
	switch {
	case delta > 0:
		batch, err = c.journalGen.GenerateStakeLock(
			evt.Requester, habit.ID, eventRef, delta, habit.AssetID, now,
		)
	case delta < 0:
		batch, err = c.journalGen.GenerateStakeRelease(
			evt.Requester, habit.ID, eventRef, -delta, habit.AssetID, now,
		)
	default:
		batch = c.journalGen.GenerateStateOnly(eventRef, now)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}

	habit.Stake = evt.NewStake
	habit.Version++

	c.touchHabit(habit.ID)
	c.registryNotifier.OnStakeDelta(habit.AssetID, delta)

	assetName, _ := ledger.GetAssetName(habit.AssetID)
	c.notify(event.Notification{
		Kind:      event.NotificationStakeEdited,
		HabitID:   habit.ID,
		Asset:     assetName,
		Amount:    delta,
		Timestamp: evt.Timestamp,
	})

	return batch, nil
}

// handleRewardClaim settles and pays out the habit's pending rewards.
func (c *DeterministicCore) handleRewardClaim(evt *event.RewardClaim) (*ledger.Batch, error) {
	habit := c.habitManager.GetHabit(evt.HabitID)
	if habit == nil {
		return nil, fmt.Errorf("%w: habit %d not found", state.ErrInvalidInput, evt.HabitID)
	}
	if habit.Owner != evt.Requester {
		return nil, fmt.Errorf("%w: requester %s does not own habit %d",
			state.ErrUnauthorized, evt.Requester, evt.HabitID)
	}

	now := evt.Timestamp.UnixMicro()
	eventRef := evt.CommandID.String()

	amount := c.rewardLedger.PendingReward(evt.HabitID)
	if amount == 0 {
		return c.journalGen.GenerateStateOnly(eventRef, now), nil
	}

	batch, err := c.journalGen.GenerateRewardClaim(
		evt.Requester, habit.ID, eventRef, amount, habit.AssetID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}

	claimed, err := c.rewardLedger.Claim(evt.HabitID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: claim failed for habit %d after journal generation: %v", habit.ID, err))
	}
	if claimed != amount {
		panic(fmt.Sprintf("FATAL: claim drift for habit %d: journaled %d settled %d", habit.ID, amount, claimed))
	}

	c.touchReward(habit.AssetID, habit.ID)

	assetName, _ := ledger.GetAssetName(habit.AssetID)
	c.notify(event.Notification{
		Kind:      event.NotificationRewardsClaimed,
		HabitID:   habit.ID,
		Asset:     assetName,
		Amount:    claimed,
		Timestamp: evt.Timestamp,
	})

	return batch, nil
}

// handleDepositConfirmed credits user collateral from the custody bridge.
func (c *DeterministicCore) handleDepositConfirmed(evt *event.DepositConfirmed) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", state.ErrInvalidInput, evt.Asset)
	}
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", state.ErrInvalidInput)
	}
	batch, err := c.journalGen.GenerateDepositConfirmed(evt, assetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}
	return batch, nil
}

// handleWithdrawalRequested moves collateral into the pending bucket.
func (c *DeterministicCore) handleWithdrawalRequested(evt *event.WithdrawalRequested) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", state.ErrInvalidInput, evt.Asset)
	}
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", state.ErrInvalidInput)
	}
	batch, err := c.journalGen.GenerateWithdrawalRequested(
		evt.UserID, evt.WithdrawalID, evt.Amount, assetID, evt.Timestamp.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}
	return batch, nil
}

// handleWithdrawalConfirmed burns pending balance after external settlement.
func (c *DeterministicCore) handleWithdrawalConfirmed(evt *event.WithdrawalConfirmed) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", state.ErrInvalidInput, evt.Asset)
	}
	batch, err := c.journalGen.GenerateWithdrawalConfirmed(
		evt.UserID, evt.WithdrawalID, evt.Amount, assetID, evt.Timestamp.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}
	return batch, nil
}

// handleWithdrawalRejected returns pending funds to user collateral.
func (c *DeterministicCore) handleWithdrawalRejected(evt *event.WithdrawalRejected) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", state.ErrInvalidInput, evt.Asset)
	}
	batch, err := c.journalGen.GenerateWithdrawalRejected(
		evt.UserID, evt.WithdrawalID, evt.Amount, assetID, evt.Timestamp.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrTransfer, err)
	}
	return batch, nil
}

// handlePriceUpdate records a new oracle price for stake valuation.
func (c *DeterministicCore) handlePriceUpdate(evt *event.PriceUpdate) (*ledger.Batch, error) {
	c.priceBook.UpdatePrice(evt.Feed, evt.Price, evt.PriceSequence, evt.PriceTimestamp)
	return c.journalGen.GenerateStateOnly(evt.IdempotencyKey(), evt.PriceTimestamp), nil
}

// computeStateDigest hashes the full ledger state plus every habit, vault,
// and reward record touched by the current event.
func (c *DeterministicCore) computeStateDigest() []byte {
	var digest []byte

	// Account balances, sorted by account path for determinism
	balances := c.balanceTracker.Snapshot()
	paths := make([]string, 0, len(balances))
	byPath := make(map[string]int64, len(balances))
	for key, balance := range balances {
		path := key.AccountPath()
		paths = append(paths, path)
		byPath[path] = balance
	}
	sort.Strings(paths)
	for _, path := range paths {
		digest = append(digest, []byte(path)...)
		digest = appendDigestInt64(digest, byPath[path])
	}

	// Habits touched by this event
	habitIDs := make([]int64, 0, len(c.touchedHabits))
	for id := range c.touchedHabits {
		habitIDs = append(habitIDs, id)
	}
	sort.Slice(habitIDs, func(i, j int) bool { return habitIDs[i] < habitIDs[j] })
	for _, id := range habitIDs {
		if habit := c.habitManager.GetHabit(id); habit != nil {
			digest = append(digest, habit.CanonicalBytes()...)
		}
	}

	// Reward vaults touched by this event
	vaultIDs := make([]ledger.AssetID, 0, len(c.touchedVaults))
	for id := range c.touchedVaults {
		vaultIDs = append(vaultIDs, id)
	}
	sort.Slice(vaultIDs, func(i, j int) bool { return vaultIDs[i] < vaultIDs[j] })
	for _, id := range vaultIDs {
		if vault := c.rewardLedger.GetVault(id); vault != nil {
			digest = append(digest, vault.CanonicalBytes()...)
		}
	}

	// Per-habit reward records touched by this event
	rewardKeys := make([]state.RewardKey, 0, len(c.touchedRewards))
	for k := range c.touchedRewards {
		rewardKeys = append(rewardKeys, k)
	}
	sort.Slice(rewardKeys, func(i, j int) bool {
		if rewardKeys[i].AssetID != rewardKeys[j].AssetID {
			return rewardKeys[i].AssetID < rewardKeys[j].AssetID
		}
		return rewardKeys[i].HabitID < rewardKeys[j].HabitID
	})
	for _, k := range rewardKeys {
		if reward := c.rewardLedger.GetReward(k.AssetID, k.HabitID); reward != nil {
			digest = append(digest, reward.CanonicalBytes()...)
		}
	}

	return digest
}

func appendDigestInt64(b []byte, v int64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

// postCheckInvariants validates invariants after applying an event.
// Violations panic: continuing past a broken invariant corrupts the journal.
func (c *DeterministicCore) postCheckInvariants(evt event.Event) {
	var err error

	switch e := evt.(type) {
	case *event.HabitCreate:
		err = c.validator.ValidateUserCollateralNonNegative(e.Owner, c.mustAssetID(e.Asset))
	case *event.CheckIn:
		if habit := c.habitManager.GetHabit(e.HabitID); habit != nil {
			err = c.checkHabitInvariants(habit)
		}
	case *event.ForceSettle:
		if habit := c.habitManager.GetHabit(e.HabitID); habit != nil {
			err = c.checkHabitInvariants(habit)
		}
	case *event.StakeAdd:
		if habit := c.habitManager.GetHabit(e.HabitID); habit != nil {
			err = c.validator.ValidateUserCollateralNonNegative(e.Requester, habit.AssetID)
			if err == nil {
				err = c.checkHabitInvariants(habit)
			}
		}
	case *event.StakeEdit:
		if habit := c.habitManager.GetHabit(e.HabitID); habit != nil {
			err = c.validator.ValidateUserCollateralNonNegative(e.Requester, habit.AssetID)
			if err == nil {
				err = c.validator.ValidateHabitStakeNonNegative(habit.ID, habit.AssetID)
			}
		}
	case *event.RewardClaim:
		if habit := c.habitManager.GetHabit(e.HabitID); habit != nil {
			err = c.validator.ValidateSystemPoolsNonNegative(habit.AssetID)
		}
	case *event.WithdrawalRequested:
		err = c.validator.ValidateUserCollateralNonNegative(e.UserID, c.mustAssetID(e.Asset))
	case *event.WithdrawalConfirmed:
		key := ledger.NewUserAccountKey(e.UserID, ledger.SubTypePendingWithdrawal, c.mustAssetID(e.Asset))
		err = c.balanceTracker.ValidateNonNegative(key)
	}

	if err != nil {
		panic(fmt.Sprintf("FATAL: invariant violation at sequence %d: %v", c.sequence-1, err))
	}

	// Full zero-sum sweep periodically; per-event it is too expensive.
	if c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: global balance violation at sequence %d: %v", c.sequence-1, err))
		}
	}
}

// checkHabitInvariants bundles the checks shared by penalty-capable events.
func (c *DeterministicCore) checkHabitInvariants(habit *state.Habit) error {
	if err := c.validator.ValidateHabitStakeNonNegative(habit.ID, habit.AssetID); err != nil {
		return err
	}
	if err := c.validator.ValidateSystemPoolsNonNegative(habit.AssetID); err != nil {
		return err
	}
	return c.rewardLedger.ValidateTotalWeight()
}

func (c *DeterministicCore) mustAssetID(asset string) ledger.AssetID {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		panic(fmt.Sprintf("FATAL: asset %q vanished after validation", asset))
	}
	return assetID
}

// GetSequence returns the next sequence number to be assigned
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current head of the hash chain
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// GetBalanceTracker exposes balances for read-only queries
func (c *DeterministicCore) GetBalanceTracker() *ledger.BalanceTracker {
	return c.balanceTracker
}

// GetHabitManager exposes habit state for read-only queries
func (c *DeterministicCore) GetHabitManager() *state.HabitManager {
	return c.habitManager
}

// GetRewardLedger exposes reward state for read-only queries
func (c *DeterministicCore) GetRewardLedger() *state.RewardLedger {
	return c.rewardLedger
}

// GetPriceBook exposes oracle prices for read-only queries
func (c *DeterministicCore) GetPriceBook() *state.PriceBook {
	return c.priceBook
}

// WarmLRU pre-loads recent idempotency keys after a restart
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// ExpectedSourceSequence returns the next source sequence the named
// partition will accept. The command gateway seeds its sequencer from
// the global partition after replay.
func (c *DeterministicCore) ExpectedSourceSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

// BalanceSnapshot pairs an account key with its balance for serialization.
type BalanceSnapshot struct {
	Account ledger.AccountKey `json:"account"`
	Balance int64             `json:"balance"`
}

// SnapshotState is the full serializable core state
type SnapshotState struct {
	Sequence        int64                        `json:"sequence"`
	StateHash       [32]byte                     `json:"state_hash"`
	Balances        []BalanceSnapshot            `json:"balances"`
	Habits          []*state.Habit               `json:"habits"`
	NextHabitID     int64                        `json:"next_habit_id"`
	Vaults          []*state.VaultState          `json:"vaults"`
	Rewards         []*state.HabitReward         `json:"rewards"`
	Prices          map[string]*state.PriceState `json:"prices"`
	SequenceState   map[string]int64             `json:"sequence_state"`
	IdempotencyKeys []string                     `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current state for snapshotting.
// Sequence records the last applied event, not the next one. Slices are
// sorted so identical state always serializes to identical bytes.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	balanceMap := c.balanceTracker.Snapshot()
	balances := make([]BalanceSnapshot, 0, len(balanceMap))
	for key, balance := range balanceMap {
		balances = append(balances, BalanceSnapshot{Account: key, Balance: balance})
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].Account.AccountPath() < balances[j].Account.AccountPath()
	})

	habits := c.habitManager.GetAllHabits()
	sort.Slice(habits, func(i, j int) bool { return habits[i].ID < habits[j].ID })

	vaultMap := c.rewardLedger.GetAllVaults()
	vaults := make([]*state.VaultState, 0, len(vaultMap))
	for _, vault := range vaultMap {
		vaults = append(vaults, vault)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].AssetID < vaults[j].AssetID })

	rewardMap := c.rewardLedger.GetAllRewards()
	rewards := make([]*state.HabitReward, 0, len(rewardMap))
	for _, reward := range rewardMap {
		rewards = append(rewards, reward)
	}
	sort.Slice(rewards, func(i, j int) bool {
		if rewards[i].AssetID != rewards[j].AssetID {
			return rewards[i].AssetID < rewards[j].AssetID
		}
		return rewards[i].HabitID < rewards[j].HabitID
	})

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        balances,
		Habits:          habits,
		NextHabitID:     c.habitManager.NextID(),
		Vaults:          vaults,
		Rewards:         rewards,
		Prices:          c.priceBook.GetAllPrices(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.SnapshotKeys(),
	}
}

// RestoreFromSnapshot rebuilds core state from a snapshot.
// Processing resumes at the sequence after the snapshot's last applied one.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(snap.Sequence + 1)

	for _, entry := range snap.Balances {
		c.balanceTracker.SetBalance(entry.Account, entry.Balance)
	}
	for _, habit := range snap.Habits {
		c.habitManager.SetHabit(habit)
	}
	c.habitManager.RestoreNextID(snap.NextHabitID)
	for _, vault := range snap.Vaults {
		c.rewardLedger.RestoreVault(vault)
	}
	for _, reward := range snap.Rewards {
		c.rewardLedger.RestoreReward(reward)
	}
	for feed, price := range snap.Prices {
		c.priceBook.RestorePrice(feed, price)
	}
	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, seq)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}
