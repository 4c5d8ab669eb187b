package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Renewal outcomes recorded by RecordRenewal
const (
	RenewalRenewed = "renewed"
	RenewalLost    = "lost"
	RenewalFailed  = "failed"
	RenewalLapsed  = "lapsed"
)

// Metrics holds the transport's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent         *prometheus.CounterVec
	messagesReceived     *prometheus.CounterVec
	messagesCompleted    *prometheus.CounterVec
	messagesAbandoned    *prometheus.CounterVec
	messagesDeadLettered *prometheus.CounterVec
	messagesSwept        *prometheus.CounterVec
	leaseRenewals        *prometheus.CounterVec
	activeLeases         prometheus.Gauge
	receiveDuration      *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on a private registry
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages enqueued, by physical queue and delivery mode",
		}, []string{"queue", "mode"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages leased from a queue",
		}, []string{"queue"}),
		messagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_completed_total",
			Help:      "Messages deleted after a committed unit of work",
		}, []string{"queue"}),
		messagesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_abandoned_total",
			Help:      "Messages left for redelivery after a rolled back unit of work",
		}, []string{"queue"}),
		messagesDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Messages moved to the dead-letter queue",
		}, []string{"queue", "reason"}),
		messagesSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_swept_total",
			Help:      "Deferred messages moved from a time-bucket queue to their destination",
		}, []string{"destination_queue"}),
		leaseRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_renewals_total",
			Help:      "Lease renewal attempts by outcome",
		}, []string{"result"}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_leases",
			Help:      "Leases currently tracked for renewal",
		}),
		receiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receive_duration_seconds",
			Help:      "Time spent in a single receive call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}

	registry.MustRegister(
		m.messagesSent,
		m.messagesReceived,
		m.messagesCompleted,
		m.messagesAbandoned,
		m.messagesDeadLettered,
		m.messagesSwept,
		m.leaseRenewals,
		m.activeLeases,
		m.receiveDuration,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordMessageSent(queue, mode string) {
	if m == nil {
		return
	}
	m.messagesSent.With(prometheus.Labels{"queue": queue, "mode": mode}).Inc()
}

func (m *Metrics) RecordMessageReceived(queue string) {
	if m == nil {
		return
	}
	m.messagesReceived.With(prometheus.Labels{"queue": queue}).Inc()
}

func (m *Metrics) RecordMessageCompleted(queue string) {
	if m == nil {
		return
	}
	m.messagesCompleted.With(prometheus.Labels{"queue": queue}).Inc()
}

func (m *Metrics) RecordMessageAbandoned(queue string) {
	if m == nil {
		return
	}
	m.messagesAbandoned.With(prometheus.Labels{"queue": queue}).Inc()
}

func (m *Metrics) RecordMessageDeadLettered(queue, reason string) {
	if m == nil {
		return
	}
	m.messagesDeadLettered.With(prometheus.Labels{"queue": queue, "reason": reason}).Inc()
}

func (m *Metrics) RecordMessageSwept(destination string) {
	if m == nil {
		return
	}
	m.messagesSwept.With(prometheus.Labels{"destination_queue": destination}).Inc()
}

// RecordRenewal counts one renewal attempt; result is one of the Renewal* constants
func (m *Metrics) RecordRenewal(result string) {
	if m == nil {
		return
	}
	m.leaseRenewals.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) SetActiveLeases(n int) {
	if m == nil {
		return
	}
	m.activeLeases.Set(float64(n))
}

func (m *Metrics) ObserveReceiveDuration(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.receiveDuration.With(prometheus.Labels{"queue": queue}).Observe(seconds)
}
