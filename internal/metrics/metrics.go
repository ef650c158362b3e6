package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "precache"

// Metrics holds the collectors of one engine. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requestTotal       *prometheus.CounterVec
	resolveTotal       *prometheus.CounterVec
	resolveDuration    *prometheus.HistogramVec
	provisionTotal     *prometheus.CounterVec
	provisionResources prometheus.Gauge
	reconcileDeleted   prometheus.Counter
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served by the proxy",
			},
			[]string{"method", "code"},
		),
		resolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolve_total",
				Help:      "Resolved requests by outcome (hit, miss, bypass, error)",
			},
			[]string{"outcome"},
		),
		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Duration of request resolution by outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		provisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_total",
				Help:      "Provisioning attempts by result",
			},
			[]string{"result"},
		),
		provisionResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provisioned_resources",
				Help:      "Number of resources in the current store",
			},
		),
		reconcileDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_deleted_total",
				Help:      "Stale stores deleted by reconciliation",
			},
		),
	}

	reg.MustRegister(
		m.requestTotal,
		m.resolveTotal,
		m.resolveDuration,
		m.provisionTotal,
		m.provisionResources,
		m.reconcileDeleted,
	)
	return m
}

// Handler serves the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, code string) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(method, code).Inc()
}

func (m *Metrics) ObserveResolve(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolveTotal.WithLabelValues(outcome).Inc()
	m.resolveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveProvision(result string, resources int) {
	if m == nil {
		return
	}
	m.provisionTotal.WithLabelValues(result).Inc()
	if result == "success" {
		m.provisionResources.Set(float64(resources))
	}
}

func (m *Metrics) AddReconcileDeleted(n int) {
	if m == nil {
		return
	}
	m.reconcileDeleted.Add(float64(n))
}
