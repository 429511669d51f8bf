package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for HabitLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	QueryFreshnessLag   *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Habit Lifecycle ---
	HabitsCreated    *prometheus.CounterVec
	CheckInsApplied  *prometheus.CounterVec
	PenaltiesSettled *prometheus.CounterVec
	PenaltyTaken     *prometheus.CounterVec
	BadgesMinted     *prometheus.CounterVec
	RewardsDeposited *prometheus.CounterVec
	RewardsDiscarded *prometheus.CounterVec
	RewardsClaimed   *prometheus.CounterVec
	StakeLockedTotal *prometheus.GaugeVec

	// --- Keeper ---
	KeeperLeader           prometheus.Gauge
	KeeperScans            prometheus.Counter
	KeeperScanDuration     prometheus.Histogram
	KeeperOverdueFound     prometheus.Gauge
	KeeperSettlesPublished prometheus.Counter
	KeeperPublishErrors    prometheus.Counter

	// --- Oracle ---
	OraclePolls           *prometheus.CounterVec
	OraclePollDuration    *prometheus.HistogramVec
	OracleQuotesPublished *prometheus.CounterVec
	OracleBreakerOpen     *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_query_freshness_lag_seconds",
			Help:    "Core sequence minus projection sequence (in time)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"endpoint"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "habit_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "habit_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "habit_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Habit Lifecycle
		HabitsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_habits_created_total",
			Help: "Habits opened",
		}, []string{"asset"}),

		CheckInsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_checkins_applied_total",
			Help: "Check-ins accepted",
		}, []string{"asset"}),

		PenaltiesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_penalties_settled_total",
			Help: "Streak breaks settled",
		}, []string{"asset"}),

		PenaltyTaken: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_penalty_taken_total",
			Help: "Total penalty amount taken (fixed-point units)",
		}, []string{"asset"}),

		BadgesMinted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_badges_minted_total",
			Help: "Badge tier milestones reached",
		}, []string{"tier"}),

		RewardsDeposited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_rewards_deposited_total",
			Help: "Penalty proceeds distributed to vaults (fixed-point units)",
		}, []string{"asset"}),

		RewardsDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_rewards_discarded_total",
			Help: "Penalty proceeds left undistributed for lack of weight",
		}, []string{"asset"}),

		RewardsClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_rewards_claimed_total",
			Help: "Rewards paid out to owners (fixed-point units)",
		}, []string{"asset"}),

		StakeLockedTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "habit_stake_locked_total",
			Help: "Current total staked per token (fixed-point units)",
		}, []string{"asset"}),

		// Keeper
		KeeperLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_keeper_leader",
			Help: "1 when this instance holds the keeper lease",
		}),

		KeeperScans: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_keeper_scans_total",
			Help: "Overdue-habit scans executed",
		}),

		KeeperScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_keeper_scan_duration_seconds",
			Help:    "Time to scan for overdue habits",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		KeeperOverdueFound: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_keeper_overdue_found",
			Help: "Overdue habits found in the last scan",
		}),

		KeeperSettlesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_keeper_settles_published_total",
			Help: "Force-settle commands published",
		}),

		KeeperPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_keeper_publish_errors_total",
			Help: "Force-settle publish failures",
		}),

		// Oracle
		OraclePolls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_oracle_polls_total",
			Help: "Upstream price polls",
		}, []string{"feed", "status"}),

		OraclePollDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_oracle_poll_duration_seconds",
			Help:    "Upstream price poll latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"feed"}),

		OracleQuotesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_oracle_quotes_published_total",
			Help: "Quotes published to the price stream",
		}, []string{"feed"}),

		OracleBreakerOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "habit_oracle_breaker_open",
			Help: "1 when the upstream circuit breaker is open",
		}, []string{"feed"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "habit_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "habit_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "habit_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habit_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "habit_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
