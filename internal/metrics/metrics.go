// Package metrics provides Prometheus metrics for entitystore
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nainya/entitystore/pkg/store"
)

// Metrics holds all Prometheus metrics for entitystore
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Query metrics
	QueriesTotal    *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	QueriesInFlight prometheus.Gauge

	// Store metrics
	MutationsTotal       *prometheus.CounterVec
	DeletedEntitiesTotal *prometheus.CounterVec
	Entities             *prometheus.GaugeVec
	WalBytes             prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMetrics creates and registers all metrics with the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics with reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
		stop:            make(chan struct{}),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitystore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entitystore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitystore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitystore_queries_total",
			Help: "Total number of executed queries by outcome",
		},
		[]string{"collection", "outcome"},
	)

	m.QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entitystore_query_duration_seconds",
			Help:    "Duration of query executions in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"collection"},
	)

	m.QueriesInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitystore_queries_in_flight",
			Help: "Number of queries currently executing",
		},
	)

	m.MutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitystore_mutations_total",
			Help: "Total number of entity mutations",
		},
		[]string{"collection", "op", "status"},
	)

	m.DeletedEntitiesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitystore_deleted_entities_total",
			Help: "Total number of entities removed by delete queries",
		},
		[]string{"collection"},
	)

	m.Entities = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entitystore_entities",
			Help: "Number of stored entities per collection and scope",
		},
		[]string{"collection", "scope"},
	)

	m.WalBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitystore_wal_bytes",
			Help: "Current size of the mutation journal in bytes",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitystore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// Close stops the uptime updater
func (m *Metrics) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordQuery records a completed query; outcome is "completed" or "failed"
func (m *Metrics) RecordQuery(collection, outcome string, duration time.Duration) {
	if collection == "" {
		collection = "global"
	}
	m.QueriesTotal.WithLabelValues(collection, outcome).Inc()
	m.QueryDuration.WithLabelValues(collection).Observe(duration.Seconds())
}

// RecordMutation records a mutation of one entity
func (m *Metrics) RecordMutation(collection, op, status string) {
	m.MutationsTotal.WithLabelValues(collection, op, status).Inc()
}

// RecordDeletion records entities removed by a delete query
func (m *Metrics) RecordDeletion(collection string, count int) {
	m.DeletedEntitiesTotal.WithLabelValues(collection).Add(float64(count))
}

// UpdateStoreStats refreshes entity counts and the journal size
func (m *Metrics) UpdateStoreStats(stats []store.CollectionStats, walBytes int64) {
	for _, s := range stats {
		m.Entities.WithLabelValues(s.Name, "LIVE").Set(float64(s.Live))
		m.Entities.WithLabelValues(s.Name, "ARCHIVED").Set(float64(s.Archived))
	}
	m.WalBytes.Set(float64(walBytes))
}
