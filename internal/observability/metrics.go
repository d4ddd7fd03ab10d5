package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldfront_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// CacheLookups counts read-through cache lookups by key kind and result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldfront_cache_lookups_total",
		Help: "Total number of cache lookups by key kind and result",
	}, []string{"kind", "result"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coldfront_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// RequestTransitions counts request status changes by request type and new status.
	RequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldfront_request_transitions_total",
		Help: "Total number of request status transitions",
	}, []string{"request_type", "status"})

	// RunnerDuration records how long workflow runners take, by runner and outcome.
	RunnerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coldfront_runner_duration_seconds",
		Help:    "Workflow runner duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"runner", "outcome"})

	// EmailsSent counts outbound notification emails by template and result.
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldfront_emails_sent_total",
		Help: "Total number of notification emails by template and result",
	}, []string{"template", "result"})

	// EventsPublished counts domain events handed to the broker.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldfront_events_published_total",
		Help: "Total number of published domain events by topic and result",
	}, []string{"topic", "result"})

	// BatchItems counts items handled by batch commands.
	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldfront_batch_items_total",
		Help: "Total number of items processed by batch commands",
	}, []string{"command", "outcome"})
)

// RecordTransition counts a request entering status.
func RecordTransition(requestType, status string) {
	RequestTransitions.WithLabelValues(requestType, status).Inc()
}

const queryStartKey = "coldfront:query_start"

// QueryMetrics is a gorm plugin observing DatabaseQueryLatency for every
// statement, labelled by operation and table.
type QueryMetrics struct{}

func (QueryMetrics) Name() string { return "coldfront:query_metrics" }

func (QueryMetrics) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		operation string
		before    func(string, func(*gorm.DB)) error
		after     func(string, func(*gorm.DB)) error
	}{
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, h := range hooks {
		if err := h.before("metrics:before_"+h.operation, startQuery); err != nil {
			return err
		}
		if err := h.after("metrics:after_"+h.operation, observeQuery(h.operation)); err != nil {
			return err
		}
	}
	return nil
}

func startQuery(db *gorm.DB) {
	db.InstanceSet(queryStartKey, time.Now())
}

func observeQuery(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(queryStartKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
