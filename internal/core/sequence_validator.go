package core

import (
	"errors"
	"fmt"

	"HabitLedger/internal/observability"
)

// SequenceValidator enforces per-partition source ordering. The global
// partition is strict: every command must arrive exactly once, in order.
// Price partitions are lossy: gaps are tolerated and stale quotes skipped.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks strict source ordering for a partition.
// A stale sequence on an already-processed key is fine (redelivery);
// a stale sequence on a new key means out-of-order delivery.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)

	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil

	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
}

// ErrStaleQuote marks a price update at or behind the last applied one.
// Stale quotes are skipped without an envelope; they are not failures.
var ErrStaleQuote = errors.New("stale quote")

// ValidatePriceSequence validates price updates (gaps tolerated).
// Price partitions store the LAST APPLIED sequence, unlike the strict
// global partition which stores the next expected one.
func (sv *SequenceValidator) ValidatePriceSequence(
	feed string,
	priceSequence int64,
) error {
	partition := fmt.Sprintf("price:%s", feed)

	last := sv.expectedNextSeq[partition]

	if priceSequence <= last {
		return ErrStaleQuote
	}

	if priceSequence > last+1 && sv.metrics != nil {
		// Dropped quotes are acceptable; the book just advances further.
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}

	sv.expectedNextSeq[partition] = priceSequence

	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of partition state (for snapshots)
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	result := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		result[partition] = seq
	}
	return result
}
