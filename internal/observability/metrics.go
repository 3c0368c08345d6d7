package observability

import (
	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the CDP ledger.
type Metrics struct {
	// --- Engine calls ---
	CoreCallsApplied  *prometheus.CounterVec
	CoreCallsRejected *prometheus.CounterVec
	CoreCallDuration  *prometheus.HistogramVec
	CoreRollbacks     *prometheus.CounterVec
	CoreSequence      prometheus.Gauge

	// --- Liquidation ---
	Liquidations    *prometheus.CounterVec
	LiquidatedDebt  *prometheus.CounterVec
	LiquidatedColl  *prometheus.CounterVec
	PartialLiquidations prometheus.Counter

	// --- Redemption ---
	Redemptions    *prometheus.CounterVec
	RedeemedStable prometheus.Counter
	RedeemedColl   prometheus.Counter

	// --- System state ---
	TotalCollateralRatio prometheus.Gauge
	RecoveryMode         prometheus.Gauge
	LColl                prometheus.Gauge
	LDebt                prometheus.Gauge
	TotalStakes          prometheus.Gauge
	ActivePositions      prometheus.Gauge
	StabilityPoolBalance prometheus.Gauge
	OraclePrice          prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	PriceUpdates *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Engine calls
		CoreCallsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_calls_applied_total",
			Help: "Engine calls committed",
		}, []string{"operation"}),

		CoreCallsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_calls_rejected_total",
			Help: "Engine calls rejected before or during execution",
		}, []string{"operation", "reason"}),

		CoreCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_call_duration_seconds",
			Help:    "Time to execute one engine call",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		CoreRollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_rollbacks_total",
			Help: "Engine calls rolled back after partial mutation",
		}, []string{"operation"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Sequence of the last committed engine output",
		}),

		// Liquidation
		Liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"mode", "outcome"}),

		LiquidatedDebt: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_debt_total",
			Help: "Debt settled by liquidation, in units",
		}, []string{"kind"}),

		LiquidatedColl: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_coll_total",
			Help: "Collateral settled by liquidation, in units",
		}, []string{"kind"}),

		PartialLiquidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_partial_liquidations_total",
			Help: "Recovery mode liquidations that left the position open",
		}),

		// Redemption
		Redemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_redemptions_total",
			Help: "Redemption calls by stop reason",
		}, []string{"stop"}),

		RedeemedStable: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redeemed_stable_total",
			Help: "Stable burned by redemption, in units",
		}),

		RedeemedColl: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redeemed_coll_total",
			Help: "Collateral paid out by redemption, in units",
		}),

		// System state
		TotalCollateralRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_collateral_ratio",
			Help: "System collateral ratio at the last known price",
		}),

		RecoveryMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_recovery_mode",
			Help: "1 when the system ratio is below the critical ratio",
		}),

		LColl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_l_coll",
			Help: "Accumulated collateral reward per unit stake",
		}),

		LDebt: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_l_debt",
			Help: "Accumulated debt reward per unit stake",
		}),

		TotalStakes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_stakes",
			Help: "Sum of stakes of Active positions",
		}),

		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_active_positions",
			Help: "Active positions",
		}),

		StabilityPoolBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_pool_balance",
			Help: "Stable held by the absorbing pool, in units",
		}),

		OraclePrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_oracle_price",
			Help: "Last accepted collateral price",
		}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times the host blocked on the persist channel",
		}),

		// Ingestion
		PriceUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_price_updates_total",
			Help: "Price messages by result",
		}, []string{"result"}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_api_request_duration_seconds",
			Help:    "HTTP API latency",
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

// Units converts an 18-decimal amount to a float for gauges and counters.
// Precision loss is acceptable for metrics only.
func Units(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	return x.Float64() / fpmath.DecimalPrecision.Float64()
}
