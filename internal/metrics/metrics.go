// Package metrics exposes Prometheus instrumentation for the messaging
// core plus a small atomic counter set the hourly reporter logs and
// resets (Prometheus counters are monotone and cannot be reset).
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the messaging core.
// Scraped via Handler(); visualized in Grafana.
var (
	// Pipeline
	ReceivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_receives_total",
		Help: "Messages accepted by the pipeline, by outcome (saved, fallback, failed)",
	}, []string{"outcome"})

	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "msgcore_save_duration_seconds",
		Help:    "Primary store save latency through the circuit breaker",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_publish_total",
		Help: "Entries published to typed streams, by stream and source",
	}, []string{"stream", "source"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgcore_publish_failures_total",
		Help: "Best-effort publishes that failed (retried by workers)",
	})

	// Breaker: 0=CLOSED, 1=HALF_OPEN, 2=OPEN
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgcore_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// Retry / fallback / DLQ
	RetriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgcore_retries_enqueued_total",
		Help: "Retry entries enqueued after save failures",
	})

	RetriesDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_retries_drained_total",
		Help: "Retry entries drained, by outcome (saved, requeued, poison, malformed)",
	}, []string{"outcome"})

	FallbackParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgcore_fallback_parked_total",
		Help: "Messages parked in the Redis fallback store",
	})

	FallbackReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgcore_fallback_replayed_total",
		Help: "Fallback messages successfully replayed to the primary store",
	})

	DLQAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_dlq_added_total",
		Help: "Entries routed to the dead-letter queue, by originating operation",
	}, []string{"operation"})

	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgcore_dlq_depth",
		Help: "Current dead-letter stream length",
	})

	// WAL
	WALIncomplete = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgcore_wal_incomplete",
		Help: "Pre-write WAL entries older than the timeout with no post-write",
	})

	WALRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_wal_recovered_total",
		Help: "WAL recoveries, by resolution (store_hit, dlq)",
	}, []string{"resolution"})

	// Streams
	StreamLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgcore_stream_length",
		Help: "Observed stream length",
	}, []string{"stream"})

	StreamMaxLen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgcore_stream_maxlen",
		Help: "Configured approximate stream cap",
	}, []string{"stream"})

	// Cache
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_cache_lookups_total",
		Help: "Message cache lookups, by tier and result (hit, miss)",
	}, []string{"tier", "result"})

	UnreadRecalcs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgcore_unread_recalcs_total",
		Help: "Unread counters recomputed from the primary store on cache miss",
	})

	// Workers
	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_worker_ticks_total",
		Help: "Worker tick executions, by worker and outcome (ok, error, panic)",
	}, []string{"worker", "outcome"})

	// Memory (backend = Redis used_memory, process = RSS)
	MemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgcore_memory_used_bytes",
		Help: "Memory usage observed by the memory monitor",
	}, []string{"side"})

	// Presence / rooms
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgcore_online_users",
		Help: "Users currently in the online set",
	})

	RoomTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgcore_room_transitions_total",
		Help: "Room state transitions, by target state",
	}, []string{"to"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Counters is the resettable counter set the MetricsReporter logs
// hourly. All fields are manipulated atomically.
type Counters struct {
	Received     atomic.Int64
	Saved        atomic.Int64
	Retried      atomic.Int64
	Replayed     atomic.Int64
	DeadLettered atomic.Int64
	Published    atomic.Int64
}

// Snapshot captures and zeroes every counter.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"received":      c.Received.Swap(0),
		"saved":         c.Saved.Swap(0),
		"retried":       c.Retried.Swap(0),
		"replayed":      c.Replayed.Swap(0),
		"dead_lettered": c.DeadLettered.Swap(0),
		"published":     c.Published.Swap(0),
	}
}
