package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tieredtimer"

// Metrics wraps a private registry so tests can build as many instances as
// they like without colliding on the global one. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scheduled        prometheus.Counter
	dispatched       prometheus.Counter
	deliveryFailures prometheus.Counter
	retries          prometheus.Counter
	deadLetters      prometheus.Counter
	reloaded         prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Tasks accepted by the tiered timer, retries included.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Tasks delivered successfully.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Delivery attempts that returned an error.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Failed tasks rescheduled with backoff.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Tasks moved to the dead-letter store.",
		}),
		reloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloaded_tasks_total",
			Help:      "Tasks pulled from the long-term store into the wheel.",
		}),
	}
	m.registry.MustRegister(
		m.scheduled, m.dispatched, m.deliveryFailures, m.retries, m.deadLetters, m.reloaded,
		prometheus.NewGoCollector(),
	)
	return m
}

// ObserveWheel exports the number of tasks held in memory.
func (m *Metrics) ObserveWheel(size func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wheel_tasks",
		Help:      "User tasks currently held in the in-memory timing wheel.",
	}, func() float64 { return float64(size()) }))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskScheduled() {
	if m != nil {
		m.scheduled.Inc()
	}
}

func (m *Metrics) TaskDispatched() {
	if m != nil {
		m.dispatched.Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) TaskRetried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) TaskDeadLettered() {
	if m != nil {
		m.deadLetters.Inc()
	}
}

func (m *Metrics) TasksReloaded(n int) {
	if m != nil && n > 0 {
		m.reloaded.Add(float64(n))
	}
}
