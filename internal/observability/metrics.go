package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for FarmLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLookupErrors     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Rewards ---
	RewardsCredited  prometheus.Counter
	RewardsRefunded  prometheus.Counter
	RewardsHarvested prometheus.Counter
	OpenStakes       prometheus.Gauge
	ActiveFarms      prometheus.Gauge

	// --- Keeper ---
	KeeperSweeps     *prometheus.CounterVec
	KeeperFarmsEnded prometheus.Counter

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
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

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
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, domain rule)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farm_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farm_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "farm_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "farm_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farm_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "farm_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "farm_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "farm_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_publish_drops_total",
			Help: "Outbound events dropped due to publish failure",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLookupErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_dedup_lookup_errors_total",
			Help: "Event-log dedup lookups that failed and were treated as unseen",
		}),

		EventSequenceGap: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Rewards
		RewardsCredited: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_rewards_credited_total",
			Help: "Reward units credited to accrued balances on unstake",
		}),

		RewardsRefunded: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_rewards_refunded_total",
			Help: "Reward units refunded to sponsors on endFarm",
		}),

		RewardsHarvested: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_rewards_harvested_total",
			Help: "Reward units paid out by harvest",
		}),

		OpenStakes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_open_stakes",
			Help: "Stakes currently open across all farms",
		}),

		ActiveFarms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_active_farms",
			Help: "Farms not yet ended",
		}),

		// Keeper
		KeeperSweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_keeper_sweeps_total",
			Help: "Keeper sweep runs",
		}, []string{"status"}),

		KeeperFarmsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_keeper_farms_ended_total",
			Help: "EndFarm commands injected by the keeper",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "farm_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "farm_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "farm_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "farm_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farm_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
