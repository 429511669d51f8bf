package math

// Penalty timing constants. All core timestamps are epoch microseconds,
// so the windows are expressed in microseconds too.
const (
	// CheckInPeriodMicros is the fixed habit period: one check-in expected per day.
	CheckInPeriodMicros int64 = 86_400 * 1_000_000

	// PenaltyGraceMicros is the extra day after a period lapses before a
	// habit counts as missed.
	PenaltyGraceMicros int64 = 86_400 * 1_000_000

	// PenaltyRatePercent is charged per missed period, as a percentage of stake.
	PenaltyRatePercent int64 = 2
)

// HasMissed reports whether a habit is past its period plus grace window.
// Strict inequality: a habit checked at exactly period+grace is not missed.
func HasMissed(now, lastCheckIn int64) bool {
	return now > lastCheckIn+CheckInPeriodMicros+PenaltyGraceMicros
}

// ComputePenalty calculates missed periods and the penalty owed.
// Returns: (missedPeriods, penaltyAmount, newLastCheckIn)
//
// elapsed counts from the end of the grace window, and missed periods are
// whole periods only. This leaves a window where HasMissed is already true
// but missedPeriods is still 0 — a missed habit that is not yet penalized.
// Callers must treat missedPeriods == 0 as "no effect", not as an error.
//
// newLastCheckIn advances by whole periods from the old baseline; the
// sub-period remainder carries forward rather than being forgiven.
func ComputePenalty(stake, now, lastCheckIn int64) (int64, int64, int64) {
	elapsed := now - lastCheckIn - CheckInPeriodMicros - PenaltyGraceMicros
	if elapsed <= 0 {
		return 0, 0, lastCheckIn
	}

	missed := elapsed / CheckInPeriodMicros
	if missed == 0 {
		return 0, 0, lastCheckIn
	}

	// amount = floor(stake * rate * missed / 100), clamped to stake.
	// stake * rate * missed can exceed int64 for large stakes with years
	// of missed periods, so the product goes through int128.
	raw := MultiplyInt128(stake, PenaltyRatePercent*missed)
	amount := DivideInt128(raw, 100, RoundDown)
	putInt128(raw)

	if amount > stake {
		amount = stake
	}

	newLastCheckIn := lastCheckIn + missed*CheckInPeriodMicros

	return missed, amount, newLastCheckIn
}
