package offlineagent

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/always-cache/offline-agent/cache"
	"github.com/always-cache/offline-agent/pkg/route"
)

// Metrics tracks the agent's Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// RequestsTotal counts intercepted requests by route class and source
	RequestsTotal *prometheus.CounterVec

	// CacheWriteErrors counts responses served although storing them failed
	CacheWriteErrors prometheus.Counter

	// BucketsPruned counts old buckets by prune result
	BucketsPruned *prometheus.CounterVec

	// Generations counts deploys by outcome
	Generations *prometheus.CounterVec

	// EventsTotal counts dispatched events by kind and result
	EventsTotal *prometheus.CounterVec
}

// NewMetrics creates the agent metrics and registers them with reg.
// Panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_agent",
				Name:      "requests_total",
				Help:      "Intercepted requests by route class and response source",
			},
			[]string{"class", "source"},
		),
		CacheWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offline_agent",
				Name:      "cache_write_errors_total",
				Help:      "Network responses that could not be stored",
			},
		),
		BucketsPruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_agent",
				Name:      "buckets_pruned_total",
				Help:      "Old buckets handled during activation by result",
			},
			[]string{"result"}, // "deleted", "failed"
		),
		Generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_agent",
				Name:      "generations_total",
				Help:      "Deployed generations by outcome",
			},
			[]string{"outcome"}, // "activated", "redundant"
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_agent",
				Name:      "events_total",
				Help:      "Dispatched events by kind and result",
			},
			[]string{"kind", "result"},
		),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.CacheWriteErrors,
		m.BucketsPruned,
		m.Generations,
		m.EventsTotal,
	)
	return m
}

func (m *Metrics) request(class route.Class, source Source) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(class.String(), string(source)).Inc()
}

func (m *Metrics) cacheWriteError() {
	if m == nil {
		return
	}
	m.CacheWriteErrors.Inc()
}

func (m *Metrics) pruned(report cache.PruneReport) {
	if m == nil {
		return
	}
	m.BucketsPruned.WithLabelValues("deleted").Add(float64(len(report.Deleted)))
	m.BucketsPruned.WithLabelValues("failed").Add(float64(len(report.Failed)))
}

func (m *Metrics) generation(outcome string) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) event(kind EventKind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsTotal.WithLabelValues(kind.String(), result).Inc()
}
