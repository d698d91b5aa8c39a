// Package metrics exposes Prometheus instruments for the HTTP layer and
// the booking engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenda/agenda/internal/domain/scheduling"
)

type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CommitRetries     *prometheus.CounterVec
	SlotsGenerated    *prometheus.CounterVec
}

// NewCollector builds a collector on its own registry, so several can
// coexist in one process.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome kind.",
		}, []string{"operation", "outcome"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency, retries included.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"operation"}),

		CommitRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "commit_retries_total",
			Help:      "Commits retried after losing a compare-and-swap race.",
		}, []string{"operation"}),

		SlotsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "generated_slots_total",
			Help:      "Grid candidates produced and slots actually inserted.",
		}, []string{"result"}),
	}
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveOperation(op scheduling.Operation, err error, elapsed time.Duration) {
	c.OperationsTotal.WithLabelValues(string(op), scheduling.ErrorKind(err)).Inc()
	c.OperationDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveRetry(op scheduling.Operation) {
	c.CommitRetries.WithLabelValues(string(op)).Inc()
}

func (c *Collector) ObserveSlotsGenerated(created, candidates int) {
	c.SlotsGenerated.WithLabelValues("candidate").Add(float64(candidates))
	c.SlotsGenerated.WithLabelValues("created").Add(float64(created))
}

// WatchPool exports connection counts of a pgx pool as gauges.
func (c *Collector) WatchPool(namespace string, pool *pgxpool.Pool) {
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "total_connections",
		Help:      "Connections currently held by the pool.",
	}, func() float64 { return float64(pool.Stat().TotalConns()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "acquired_connections",
		Help:      "Connections currently checked out of the pool.",
	}, func() float64 { return float64(pool.Stat().AcquiredConns()) })
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

var _ scheduling.Recorder = (*Collector)(nil)
