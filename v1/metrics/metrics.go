package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CacheHitCounter tracks cache reads answered from Redis.
	CacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_hits_total",
		Help: "Total number of cache hits",
	})
	// CacheMissCounter tracks cache reads that fell through to the loader.
	CacheMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_misses_total",
		Help: "Total number of cache misses",
	})
	// SentinelCounter tracks null sentinels written for absent records.
	SentinelCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_sentinels_total",
		Help: "Total number of null sentinels written",
	})
	// RebuildCounter tracks background cache rebuilds started.
	RebuildCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_rebuilds_total",
		Help: "Total number of background cache rebuilds",
	})
	// RebuildFailureCounter tracks rebuilds that ended in an error or panic.
	RebuildFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_rebuild_failures_total",
		Help: "Total number of failed cache rebuilds",
	})
	// RebuildDropCounter tracks rebuilds dropped because the pool was full.
	RebuildDropCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_cache_rebuild_drops_total",
		Help: "Total number of rebuild jobs dropped at submission",
	})
	// SeckillVerdictCounter tracks seckill outcomes by verdict.
	SeckillVerdictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_seckill_verdicts_total",
		Help: "Total number of seckill decisions by verdict",
	}, []string{"verdict"})
	// QueueDropCounter tracks tasks lost by the local transport. Any non-zero
	// value is an operational alert: an accepted order was not persisted.
	QueueDropCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_queue_dropped_tasks_total",
		Help: "Total number of tasks dropped by the local transport",
	})
	// PendingReplayCounter tracks entries replayed from the pending list.
	PendingReplayCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_queue_pending_replays_total",
		Help: "Total number of pending stream entries replayed",
	})
	// DeadLetterCounter tracks entries that exhausted the retry ceiling.
	// Any non-zero value is an operational alert.
	DeadLetterCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "surge_queue_dead_letters_total",
		Help: "Total number of entries that exceeded the retry ceiling",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers surge core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CacheHitCounter,
		CacheMissCounter,
		SentinelCounter,
		RebuildCounter,
		RebuildFailureCounter,
		RebuildDropCounter,
		SeckillVerdictCounter,
		QueueDropCounter,
		PendingReplayCounter,
		DeadLetterCounter,
	)
}
