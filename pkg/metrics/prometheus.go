// Package metrics provides Prometheus metrics for the storyloom server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager holds all Prometheus instruments for the service.
type Manager struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer

	turnsStarted    prometheus.Counter
	turnsCompleted  prometheus.Counter
	turnsFailed     prometheus.Counter
	upstreamRetries prometheus.Counter
	worldEvents     prometheus.Counter
	sectionFailures *prometheus.CounterVec
	turnDuration    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry()

func init() {
	globalManager = NewManager(customRegistry)
}

// NewManager creates a metrics manager registered on the given
// registry.
func NewManager(registry prometheus.Registerer) *Manager {
	m := &Manager{
		namespace: "storyloom",
		subsystem: "server",
		registry:  registry,
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.turnsStarted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "turns_started_total",
		Help:      "Total number of story turns started",
	})

	m.turnsCompleted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "turns_completed_total",
		Help:      "Total number of story turns that reached a complete signal",
	})

	m.turnsFailed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "turns_failed_total",
		Help:      "Total number of story turns that ended with an error signal",
	})

	m.upstreamRetries = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "upstream_retries_total",
		Help:      "Total number of upstream generation retries",
	})

	m.worldEvents = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "world_events_total",
		Help:      "Total number of world events appended to the log",
	})

	m.sectionFailures = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "reconcile_section_failures_total",
			Help:      "Total number of reconciliation sections skipped after a failure",
		},
		[]string{"section"},
	)

	m.turnDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "turn_duration_seconds",
		Help:      "Histogram of whole-turn duration in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})
}

// RecordTurnStarted increments the started-turns counter.
func RecordTurnStarted() {
	globalManager.turnsStarted.Inc()
}

// RecordTurnCompleted increments the completed-turns counter.
func RecordTurnCompleted() {
	globalManager.turnsCompleted.Inc()
}

// RecordTurnFailed increments the failed-turns counter.
func RecordTurnFailed() {
	globalManager.turnsFailed.Inc()
}

// RecordUpstreamRetry increments the retry counter.
func RecordUpstreamRetry() {
	globalManager.upstreamRetries.Inc()
}

// RecordWorldEvent increments the appended world event counter.
func RecordWorldEvent() {
	globalManager.worldEvents.Inc()
}

// RecordSectionFailure counts a skipped reconciliation section.
func RecordSectionFailure(section string) {
	globalManager.sectionFailures.WithLabelValues(section).Inc()
}

// RecordTurnDuration records the duration of one turn in seconds.
func RecordTurnDuration(seconds float64) {
	globalManager.turnDuration.Observe(seconds)
}

// GetRegistry returns the custom Prometheus registry used by the
// service metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
