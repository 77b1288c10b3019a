package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts executed operation contexts by outcome
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_operations_total",
			Help: "The total number of executed shard operations",
		},
		[]string{"tenant", "shard", "op", "status"},
	)

	// OperationDurationSeconds measures the latency of a full unit of work
	OperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardline_operation_duration_seconds",
			Help:    "Duration of shard operations including begin and commit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant", "op"},
	)

	// BlacklistedShards is the number of currently blacklisted shards per tenant
	BlacklistedShards = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardline_blacklisted_shards",
			Help: "Number of shards currently excluded from routing",
		},
		[]string{"tenant"},
	)

	// BlacklistEventsTotal counts blacklist and unblacklist requests
	BlacklistEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_blacklist_events_total",
			Help: "Total number of blacklist state changes",
		},
		[]string{"tenant", "action"},
	)

	// BucketsRemappedTotal counts buckets moved to another shard by the balanced manager
	BucketsRemappedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_buckets_remapped_total",
			Help: "Total number of buckets reassigned after blacklisting",
		},
		[]string{"tenant"},
	)

	// ScrollRowsTotal counts rows emitted by cross-shard scrolls
	ScrollRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_scroll_rows_total",
			Help: "Total rows returned by scroll pages",
		},
		[]string{"tenant", "direction"},
	)

	// ScatterGatherShardsTotal counts per-shard executions issued by scatter-gather
	ScatterGatherShardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_scatter_gather_shards_total",
			Help: "Total per-shard queries issued by scatter-gather and scroll",
		},
		[]string{"tenant"},
	)

	// FilterBlockedTotal counts operations vetoed by a transaction filter
	FilterBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_filter_blocked_total",
			Help: "Total operations blocked before execution",
		},
		[]string{"tenant", "filter"},
	)

	// LockWaitSeconds measures how long sessions waited for a row write lock
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardline_lock_wait_seconds",
			Help:    "Time spent waiting for pessimistic row locks",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"shard"},
	)

	// RateLimitRequestsTotal counts operations admitted or throttled by the rate limit filter
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_rate_limit_requests_total",
			Help: "Operations admitted or throttled by the per-shard rate limiter",
		},
		[]string{"status"},
	)

	// ShardBreakerState reports the auto-blacklist breaker state per shard (0 closed, 1 open, 2 half-open)
	ShardBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardline_shard_breaker_state",
			Help: "Auto-blacklist circuit breaker state per shard",
		},
		[]string{"tenant", "shard"},
	)

	// SessionsOpen tracks units of work currently held by the transaction pipeline
	SessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardline_sessions_open",
			Help: "Units of work currently open per tenant",
		},
		[]string{"tenant"},
	)
)
