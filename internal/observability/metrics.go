package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for P2PDesk.
// Every consumer treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Matching ---
	MatchRequests      *prometheus.CounterVec
	MatchDuration      prometheus.Histogram
	RankingCandidates  prometheus.Histogram
	QuotesIssued       *prometheus.CounterVec
	QuoteCacheSize     prometheus.Gauge
	OfferListRequests  prometheus.Counter
	FeasibilityRejects *prometheus.CounterVec

	// --- Trades ---
	TradesCreated     *prometheus.CounterVec
	TradeCreateErrors *prometheus.CounterVec
	TradeTransitions  *prometheus.CounterVec
	TradesExpired     prometheus.Counter
	TradesEscalated   prometheus.Counter
	SweepDuration     prometheus.Histogram

	// --- Reputation cache ---
	CacheLookups *prometheus.CounterVec
	CacheSize    *prometheus.GaugeVec

	// --- Idempotency ---
	IdempotencyOutcomes *prometheus.CounterVec
	DedupLRUSize        prometheus.Gauge
	DedupLRUEvictions   prometheus.Counter
	DedupTier2Duration  prometheus.Histogram
	IdempotencyPurged   prometheus.Counter

	// --- Persistence ---
	StoreRetries  *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec

	// --- Trade event log ---
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistEventsWritten prometheus.Counter
	PersistErrors        *prometheus.CounterVec

	// --- Messaging & projections ---
	InboundMessages     *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	ProjectionDrops     *prometheus.CounterVec
	ProjectionUpdateDur *prometheus.HistogramVec
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	requestBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	storeBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Matching
		MatchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_match_requests_total",
			Help: "Best-match requests by outcome code",
		}, []string{"side", "result"}),

		MatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_match_duration_seconds",
			Help:    "Best-match resolution latency",
			Buckets: requestBuckets,
		}),

		RankingCandidates: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_ranking_candidates",
			Help:    "Feasible offers per ranking pass",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),

		QuotesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_quotes_issued_total",
			Help: "Quotes issued",
		}, []string{"asset", "fiat"}),

		QuoteCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "p2p_quote_cache_size",
			Help: "Live quotes held in memory",
		}),

		OfferListRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_offer_list_requests_total",
			Help: "Ranked offer list requests",
		}),

		FeasibilityRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_feasibility_rejects_total",
			Help: "Offers dropped by amount feasibility checks",
		}, []string{"reason"}),

		// Trades
		TradesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_trades_created_total",
			Help: "Trades created",
		}, []string{"asset", "side"}),

		TradeCreateErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_trade_create_errors_total",
			Help: "Trade creation rejections by code",
		}, []string{"code"}),

		TradeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_trade_transitions_total",
			Help: "Trade status transitions",
		}, []string{"from", "to"}),

		TradesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_trades_expired_total",
			Help: "Trades cancelled by payment window expiry",
		}),

		TradesEscalated: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_trades_escalated_total",
			Help: "Paid trades escalated to dispute after the release window",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_sweep_duration_seconds",
			Help:    "Expiry sweep pass duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		// Reputation cache
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_cache_lookups_total",
			Help: "Cache lookups (hit/miss/not_found/error)",
		}, []string{"cache", "result"}),

		CacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2p_cache_size",
			Help: "Entries held per cache",
		}, []string{"cache"}),

		// Idempotency
		IdempotencyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_idempotency_outcomes_total",
			Help: "Guarded executions by outcome (executed/replayed_lru/replayed_store/in_progress/key_reused/failed)",
		}, []string{"scope", "outcome"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "p2p_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_dedup_tier2_duration_seconds",
			Help:    "Durable idempotency claim latency",
			Buckets: storeBuckets,
		}),

		IdempotencyPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_idempotency_purged_total",
			Help: "Expired idempotency records deleted",
		}),

		// Persistence
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_store_retries_total",
			Help: "Store operations retried after a transient error",
		}, []string{"op"}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_store_errors_total",
			Help: "Store operations that failed after retries",
		}, []string{"op"}),

		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p2p_store_duration_seconds",
			Help:    "Store operation latency including retries",
			Buckets: storeBuckets,
		}, []string{"op"}),

		// Trade event log
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_event_log_batch_duration_seconds",
			Help:    "Trade event log batch write latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2p_event_log_batch_size",
			Help:    "Trade events per batch write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_event_log_events_written_total",
			Help: "Trade events written to the event log",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_event_log_errors_total",
			Help: "Trade event log write errors by stage",
		}, []string{"stage"}),

		// Messaging & projections
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_inbound_messages_total",
			Help: "Inbound NATS messages by kind and result",
		}, []string{"kind", "result"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_events_published_total",
			Help: "Trade events published to NATS",
		}, []string{"event_type"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p2p_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: storeBuckets,
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2p_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2p_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2p_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// HTTP API
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_http_requests_total",
			Help: "HTTP requests",
		}, []string{"route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p2p_http_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: requestBuckets,
		}, []string{"route"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
