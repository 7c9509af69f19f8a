package account

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "account_manager"

// Metrics holds the Prometheus collectors updated by the Manager.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	discarded       *prometheus.CounterVec
	persistFailures prometheus.Counter
	notifications   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "State transitions applied, by source state, target state and event.",
		}, []string{"from", "to", "event"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_events_total",
			Help:      "Events discarded because the current state has no transition for them.",
		}, []string{"state", "event"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_failures_total",
			Help:      "Session state snapshots that could not be serialized or written.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered to observers, by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.transitions, m.discarded, m.persistFailures, m.notifications)
	}
	return m
}

func (m *Metrics) transition(from, to State, event EventKind) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String(), event.String()).Inc()
}

func (m *Metrics) discard(state State, event EventKind) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(state.String(), event.String()).Inc()
}

func (m *Metrics) persistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) notified(kind NotificationKind) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(kind)).Inc()
}
