// Package metrics exposes Prometheus instruments for the cache and the
// mutation executor. All methods are nil-safe so components can run without
// metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Mutation metrics
	MutationsTotal   *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	MutationsPending prometheus.Gauge

	// Cache metrics
	RefreshesTotal   *prometheus.CounterVec
	RefreshesShared  prometheus.Counter
	RefreshDiscarded prometheus.Counter
	Invalidations    *prometheus.CounterVec
	CacheEntries     prometheus.Gauge
	RemoteCallsTotal *prometheus.CounterVec
	RealtimeSignals  *prometheus.CounterVec
}

// New creates Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_mutations_total",
				Help: "Optimistic mutations by collection, kind and outcome",
			},
			[]string{"collection", "kind", "outcome"},
		),

		MutationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notesync_mutation_duration_seconds",
				Help:    "Time from submission to settlement of a mutation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection", "kind"},
		),

		MutationsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notesync_mutations_pending",
				Help: "Mutations submitted but not yet settled",
			},
		),

		RefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_cache_refreshes_total",
				Help: "Cache refreshes by collection and outcome",
			},
			[]string{"collection", "outcome"},
		),

		RefreshesShared: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notesync_cache_refreshes_coalesced_total",
				Help: "Refresh requests served by an already in-flight refresh",
			},
		),

		RefreshDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notesync_cache_refreshes_discarded_total",
				Help: "Refresh results dropped because a speculative write superseded them",
			},
		),

		Invalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_cache_invalidations_total",
				Help: "Cache invalidations by collection",
			},
			[]string{"collection"},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notesync_cache_entries",
				Help: "Number of cache entries held",
			},
		),

		RemoteCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_remote_calls_total",
				Help: "Remote store calls by collection, operation and result code",
			},
			[]string{"collection", "op", "code"},
		),

		RealtimeSignals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_realtime_signals_total",
				Help: "Change notifications delivered to subscribers",
			},
			[]string{"collection"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MutationSettled(collection, kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(collection, kind, outcome).Inc()
	m.MutationDuration.WithLabelValues(collection, kind).Observe(seconds)
}

func (m *Metrics) PendingAdd(delta float64) {
	if m == nil {
		return
	}
	m.MutationsPending.Add(delta)
}

func (m *Metrics) Refreshed(collection, outcome string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) RefreshShared() {
	if m == nil {
		return
	}
	m.RefreshesShared.Inc()
}

func (m *Metrics) RefreshDropped() {
	if m == nil {
		return
	}
	m.RefreshDiscarded.Inc()
}

func (m *Metrics) Invalidated(collection string) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(collection).Inc()
}

func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) RemoteCall(collection, op, code string) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(collection, op, code).Inc()
}

func (m *Metrics) Signal(collection string) {
	if m == nil {
		return
	}
	m.RealtimeSignals.WithLabelValues(collection).Inc()
}
