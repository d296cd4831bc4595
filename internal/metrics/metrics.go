package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Callbacks         *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	Conflicts         *prometheus.CounterVec
	Allocations       *prometheus.CounterVec
	DeadLetters       prometheus.Counter
	Unattributed      *prometheus.CounterVec
	LateConfirmations *prometheus.CounterVec
	SweepRuns         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "callbacks_total",
			Help:      "Provider callbacks received, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "intent_transitions_total",
			Help:      "Winning intent state transitions.",
		}, []string{"provider", "from", "to", "source"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "reconciliation_conflicts_total",
			Help:      "Transitions refused because the intent was already settled.",
		}, []string{"provider", "current", "target"}),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "allocations_total",
			Help:      "Allocation attempts by result.",
		}, []string{"result"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "dead_letters_total",
			Help:      "Confirmed intents that could not be allocated.",
		}),
		Unattributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "unattributed_events_total",
			Help:      "Inbound money parked for operator review.",
		}, []string{"provider"}),
		LateConfirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "late_confirmations_total",
			Help:      "Intents confirmed after the sweep expired them.",
		}, []string{"provider"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_payments",
			Name:      "sweep_runs_total",
			Help:      "Sweep executions by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Callbacks, m.Transitions, m.Conflicts, m.Allocations, m.DeadLetters,
			m.Unattributed, m.LateConfirmations, m.SweepRuns)
	}
	return m
}

// Callback counts an inbound callback
func (m *Metrics) Callback(provider, outcome string) {
	if m != nil {
		m.Callbacks.WithLabelValues(provider, outcome).Inc()
	}
}

// Transition counts a winning state change
func (m *Metrics) Transition(provider, from, to, source string) {
	if m != nil {
		m.Transitions.WithLabelValues(provider, from, to, source).Inc()
	}
}

// Conflict counts a refused transition
func (m *Metrics) Conflict(provider, current, target string) {
	if m != nil {
		m.Conflicts.WithLabelValues(provider, current, target).Inc()
	}
}

// Allocation counts an allocation attempt
func (m *Metrics) Allocation(result string) {
	if m != nil {
		m.Allocations.WithLabelValues(result).Inc()
	}
}

// DeadLetter counts a dead-lettered allocation
func (m *Metrics) DeadLetter() {
	if m != nil {
		m.DeadLetters.Inc()
	}
}

// Parked counts an unattributed event
func (m *Metrics) Parked(provider string) {
	if m != nil {
		m.Unattributed.WithLabelValues(provider).Inc()
	}
}

// LateConfirmation counts an expired intent that was confirmed anyway
func (m *Metrics) LateConfirmation(provider string) {
	if m != nil {
		m.LateConfirmations.WithLabelValues(provider).Inc()
	}
}

// Sweep counts a sweep run
func (m *Metrics) Sweep(result string) {
	if m != nil {
		m.SweepRuns.WithLabelValues(result).Inc()
	}
}
