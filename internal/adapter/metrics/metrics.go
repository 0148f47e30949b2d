package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "session_projector"

// IngestMetrics holds all Prometheus metrics for the ingest service.
type IngestMetrics struct {
	EventsTotal       *prometheus.CounterVec
	BytesTotal        prometheus.Counter
	APIKeyCacheHits   prometheus.Counter
	APIKeyCacheMisses prometheus.Counter
}

// NewIngestMetrics initializes the ingest metrics and registers them with reg.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	factory := promauto.With(reg)
	return &IngestMetrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of submitted events by outcome.",
		}, []string{"status"}), // status: accepted, duplicate, invalid, too_large, forbidden, unavailable, unsupported_media_type, error
		BytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total number of request body bytes read.",
		}),
		APIKeyCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		APIKeyCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
	}
}

// WorkerMetrics holds the projection worker's Prometheus metrics.
type WorkerMetrics struct {
	Batches            prometheus.Counter
	EntriesClaimed     prometheus.Counter
	EntriesRetired     *prometheus.CounterVec
	EntriesFailed      prometheus.Counter
	EntriesDead        prometheus.Counter
	LeasesLost         prometheus.Counter
	TransientErrors    prometheus.Counter
	ProjectionDuration prometheus.Histogram
}

// NewWorkerMetrics initializes the worker metrics and registers them with reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	factory := promauto.With(reg)
	return &WorkerMetrics{
		Batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "batches_total",
			Help:      "Total number of non-empty batches claimed.",
		}),
		EntriesClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "entries_claimed_total",
			Help:      "Total number of queue entries leased.",
		}),
		EntriesRetired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "entries_retired_total",
			Help:      "Total number of queue entries retired, by event type.",
		}, []string{"type", "duplicate"}),
		EntriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "entries_failed_total",
			Help:      "Total number of projection failures returned to the queue.",
		}),
		EntriesDead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "entries_dead_total",
			Help:      "Total number of entries dead-lettered after exhausting their attempts.",
		}),
		LeasesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "leases_lost_total",
			Help:      "Total number of entries whose lease was taken over before completion.",
		}),
		TransientErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "transient_errors_total",
			Help:      "Total number of batches paused on storage unavailability.",
		}),
		ProjectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "projection_duration_seconds",
			Help:      "Time spent applying one event to the read models.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
