// Package metrics holds the prometheus collectors for task traffic,
// pending calls and broadcast fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "procctl"

// Metrics groups every collector the communicator and controllers update.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TasksSent           *prometheus.CounterVec
	TaskOutcomes        *prometheus.CounterVec
	PendingCalls        prometheus.Gauge
	BroadcastsPublished prometheus.Counter
	SubscriberPanics    prometheus.Counter
	LocalTimeouts       prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use to read values without global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comms",
			Name:      "tasks_sent_total",
			Help:      "Task envelopes handed to the broker, by intent.",
		}, []string{"intent"}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comms",
			Name:      "task_outcomes_total",
			Help:      "Terminal resolutions of sent tasks, by outcome.",
		}, []string{"outcome"}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "comms",
			Name:      "pending_calls",
			Help:      "Tasks sent and awaiting a response.",
		}),
		BroadcastsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comms",
			Name:      "broadcasts_published_total",
			Help:      "Broadcasts published to subscribers.",
		}),
		SubscriberPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comms",
			Name:      "subscriber_panics_total",
			Help:      "Broadcast callbacks that panicked and were isolated.",
		}),
		LocalTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "local_timeouts_total",
			Help:      "Thread controller results abandoned by a local timeout.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TasksSent,
			m.TaskOutcomes,
			m.PendingCalls,
			m.BroadcastsPublished,
			m.SubscriberPanics,
			m.LocalTimeouts,
		)
	}
	return m
}

// Outcome labels beyond the wire outcomes.
const (
	OutcomeDeliveryFailure = "delivery_failure"
	OutcomeShutdown        = "shutdown"
)

// TaskSent records a task leaving for the broker.
func (m *Metrics) TaskSent(intent string) {
	if m == nil {
		return
	}
	m.TasksSent.WithLabelValues(intent).Inc()
	m.PendingCalls.Inc()
}

// TaskResolved records the terminal resolution of a sent task.
func (m *Metrics) TaskResolved(outcome string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(outcome).Inc()
	m.PendingCalls.Dec()
}

// TaskRejected records a task that never reached the pending table.
func (m *Metrics) TaskRejected() {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(OutcomeDeliveryFailure).Inc()
}

// BroadcastPublished records one broadcast fan-out.
func (m *Metrics) BroadcastPublished() {
	if m == nil {
		return
	}
	m.BroadcastsPublished.Inc()
}

// SubscriberPanicked records an isolated callback panic.
func (m *Metrics) SubscriberPanicked() {
	if m == nil {
		return
	}
	m.SubscriberPanics.Inc()
}

// LocalTimeout records a caller giving up on a handle.
func (m *Metrics) LocalTimeout() {
	if m == nil {
		return
	}
	m.LocalTimeouts.Inc()
}
