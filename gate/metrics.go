package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/events"
)

const namespace = "gatekeeper"

// Metrics are the gate's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	rateDenied    *prometheus.CounterVec
	dependencies  *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	eventsQueued  *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

// NewMetrics registers the gate collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Gate decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		rateDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Requests denied by a rate limit, by action.",
		}, []string{"action"}),
		dependencies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_errors_total",
			Help:      "Collaborator failures seen by the gate, by dependency.",
		}, []string{"dependency"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Security alerts raised, by type and severity.",
		}, []string{"type", "severity"}),
		eventsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Security events accepted for persistence, by type.",
		}, []string{"type"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Security events dropped because the write queue was full or closed.",
		}),
	}
}

func (m *Metrics) decision(o Outcome, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(o.String(), reason).Inc()
}

func (m *Metrics) rateLimited(action string) {
	if m == nil {
		return
	}
	m.rateDenied.WithLabelValues(action).Inc()
}

func (m *Metrics) dependencyError(dep string) {
	if m == nil {
		return
	}
	m.dependencies.WithLabelValues(dep).Inc()
}

func (m *Metrics) alert(a detect.Alert) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(a.Type), a.Severity.String()).Inc()
}

// EventQueued counts an accepted security event. Its signature matches
// events.WithWriteHandler.
func (m *Metrics) EventQueued(e events.SecurityEvent) {
	if m == nil {
		return
	}
	m.eventsQueued.WithLabelValues(string(e.Type)).Inc()
}

// EventDropped counts a dropped security event. Its signature matches
// events.WithDropHandler.
func (m *Metrics) EventDropped(events.SecurityEvent) {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
