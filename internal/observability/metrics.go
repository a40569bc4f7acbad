package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarketLedger.
type Metrics struct {
	// --- Core Operations ---
	CoreOpsApplied    *prometheus.CounterVec
	CoreOpsRejected   *prometheus.CounterVec
	CoreOpDuration    *prometheus.HistogramVec
	CoreEntries       *prometheus.CounterVec
	EscrowTransitions *prometheus.CounterVec
	OffersExpired     prometheus.Counter

	// --- Confirmations & Idempotency ---
	ConfirmationsApplied  *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	IngestMessages        *prometheus.CounterVec
	NATSPullLatency       *prometheus.HistogramVec

	// --- Collaborator Dispatch ---
	DispatchResults  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	ProjectionUpdateDur *prometheus.HistogramVec
	PublishDrops        prometheus.Counter

	// --- Integrity ---
	IntegrityChecks     *prometheus.CounterVec
	EscrowHeldAmount    *prometheus.GaugeVec
	PersistConflicts    *prometheus.CounterVec
	MigrationsApplied   prometheus.Counter
	LastIntegrityStatus prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// process-wide default registerer; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	opBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		// Core Operations
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_core_ops_applied_total",
			Help: "Operations committed by the settlement core",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_core_ops_rejected_total",
			Help: "Operations rejected (validation, conflict, balance, external)",
		}, []string{"op", "code"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mkt_core_op_duration_seconds",
			Help:    "Time to run one core operation including its transaction",
			Buckets: opBuckets,
		}, []string{"op"}),

		CoreEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_core_ledger_entries_total",
			Help: "Ledger entries appended",
		}, []string{"kind"}),

		EscrowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_core_escrow_transitions_total",
			Help: "Escrow state transitions",
		}, []string{"status"}),

		OffersExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "mkt_core_offers_expired_total",
			Help: "Pending offers moved to EXPIRED by the janitor",
		}),

		// Confirmations & Idempotency
		ConfirmationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_confirmations_applied_total",
			Help: "Confirmation events applied, by outcome",
		}, []string{"event_type", "outcome"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_idempotency_duplicates_total",
			Help: "Duplicate confirmations detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "mkt_dedup_lru_size",
			Help: "Current idempotency LRU size",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "mkt_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "mkt_dedup_tier2_errors_total",
			Help: "Failed confirmation-log lookups",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_ingest_messages_total",
			Help: "Confirmation messages received, by transport and result",
		}, []string{"source", "result"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mkt_nats_pull_latency_seconds",
			Help:    "NATS JetStream fetch latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"stream"}),

		// Collaborator Dispatch
		DispatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_dispatch_results_total",
			Help: "Collaborator calls by outcome (success, failure, timeout)",
		}, []string{"kind", "outcome"}),

		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mkt_dispatch_duration_seconds",
			Help:    "Collaborator call latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mkt_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mkt_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mkt_channel_utilization_ratio",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_projection_drops_total",
			Help: "Domain events dropped because a consumer channel was full",
		}, []string{"channel"}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mkt_projection_update_duration_seconds",
			Help:    "Time to update a read-model projection",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "mkt_publish_drops_total",
			Help: "Domain events that failed to publish to NATS",
		}),

		// Integrity
		IntegrityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_integrity_checks_total",
			Help: "Ledger integrity checks by result",
		}, []string{"result"}),

		EscrowHeldAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mkt_escrow_held_minor_units",
			Help: "Balance of the escrow system account at the last integrity check",
		}, []string{"currency"}),

		PersistConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_persist_conflicts_total",
			Help: "Unique-constraint violations mapped to domain conflicts",
		}, []string{"constraint"}),

		MigrationsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "mkt_migrations_applied_total",
			Help: "Schema migrations applied at startup",
		}),

		LastIntegrityStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "mkt_integrity_ok",
			Help: "1 if the last integrity check passed, 0 otherwise",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mkt_query_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mkt_query_errors_total",
			Help: "API errors",
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
