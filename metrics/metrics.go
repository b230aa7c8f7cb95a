// Package metrics holds the Prometheus collectors of the watcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "changewatch"

// Check outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Notification results.
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

var (
	// ChecksTotal counts completed checks by outcome.
	ChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checks_total",
		Help:      "Total number of item checks by outcome.",
	}, []string{"outcome"})

	// NotificationsTotal counts notification attempts by kind and result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Total number of notification attempts by kind and result.",
	}, []string{"kind", "result"})

	CheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_duration_seconds",
		Help:      "Duration of a single item check including fetch, extraction and notification.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of a scheduler tick.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// DueItems is the number of items selected by the last tick.
	DueItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "due_items",
		Help:      "Number of items due at the last scheduler tick.",
	})

	PrunedRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pruned_rows_total",
		Help:      "Total number of rows removed by housekeeping by table.",
	}, []string{"table"})

	// Registry holds every collector above plus the process and Go collectors.
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		ChecksTotal,
		NotificationsTotal,
		CheckDuration,
		TickDuration,
		DueItems,
		PrunedRowsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
