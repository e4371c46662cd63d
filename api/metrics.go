package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/rosca-engine/rosca"
)

// Metrics holds the Prometheus collectors the API and scheduler update.
type Metrics struct {
	registry *prometheus.Registry

	Operations      *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Missed          prometheus.Counter
	SchedulerRuns   *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry, so tests can
// build as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosca_engine_operations_total",
			Help: "Engine operations by outcome (ok, rejected, not_found, integrity, error).",
		}, []string{"operation", "outcome"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosca_engine_rejections_total",
			Help: "Rejected engine operations by reason.",
		}, []string{"reason"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rosca_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		Missed: f.NewCounter(prometheus.CounterOpts{
			Name: "rosca_scheduler_missed_contributions_total",
			Help: "Contributions marked missed by the cycle scheduler.",
		}),
		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosca_scheduler_group_runs_total",
			Help: "Per-group scheduler attempts by result (advanced, skipped, locked, failed).",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveOperation counts one engine call. A nil receiver is a no-op.
func (m *Metrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcomeOf(err)).Inc()
	if rosca.IsRejection(err) {
		m.Rejections.WithLabelValues(string(rosca.ReasonOf(err))).Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case rosca.IsRejection(err):
		return "rejected"
	case rosca.IsNotFound(err):
		return "not_found"
	case rosca.IsIntegrity(err):
		return "integrity"
	default:
		return "error"
	}
}
