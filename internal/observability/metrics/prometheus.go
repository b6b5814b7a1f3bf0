// Package metrics provides Prometheus metrics for the triage engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "esi"

// Metrics holds all application metrics
type Metrics struct {
	TriageOutcomes      *prometheus.CounterVec
	TriageFailures      *prometheus.CounterVec
	Confirmations       *prometheus.CounterVec
	PendingVitals       prometheus.Gauge
	JudgmentDuration    *prometheus.HistogramVec
	HTTPDuration        *prometheus.HistogramVec
	OutboxPublished     *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	StreamMessages      *prometheus.CounterVec
	ConsumerLag         *prometheus.GaugeVec
	InboxEntries        *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_outcomes_total",
			Help:      "Triage decisions by resulting state and justification",
		}, []string{"state", "justification"}),
		TriageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_failures_total",
			Help:      "Triage operations that produced no level",
		}, []string{"operation", "reason"}),
		Confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_confirmations_total",
			Help:      "Nurse confirmations, split by whether the proposed level was overridden",
		}, []string{"override"}),
		PendingVitals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "patients_pending_vitals",
			Help:      "Patients on the board waiting for vital signs",
		}),
		JudgmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judgment_duration_seconds",
			Help:      "Latency of clinical judgment calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"decision", "outcome"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 15},
		}, []string{"method", "route", "status"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox relay publish attempts",
		}, []string{"topic", "outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Consumed stream messages by outcome",
		}, []string{"topic", "outcome"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_lag_messages",
			Help:      "Messages a consumer group has yet to read, per topic",
		}, []string{"group", "topic"}),
		InboxEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_entries",
			Help:      "Idempotency inbox entries by status",
		}, []string{"status"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.TriageOutcomes,
		m.TriageFailures,
		m.Confirmations,
		m.PendingVitals,
		m.JudgmentDuration,
		m.HTTPDuration,
		m.OutboxPublished,
		m.OutboxPending,
		m.StreamMessages,
		m.ConsumerLag,
		m.InboxEntries,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveTriage counts a decision
func (m *Metrics) ObserveTriage(state, justification string) {
	m.TriageOutcomes.WithLabelValues(state, justification).Inc()
}

// ObserveTriageFailure counts an operation that ended without a level
func (m *Metrics) ObserveTriageFailure(operation, reason string) {
	m.TriageFailures.WithLabelValues(operation, reason).Inc()
}

// ObserveConfirmation counts a nurse confirmation
func (m *Metrics) ObserveConfirmation(override bool) {
	m.Confirmations.WithLabelValues(strconv.FormatBool(override)).Inc()
}

// SetPendingVitals records the number of patients awaiting vitals
func (m *Metrics) SetPendingVitals(n int) {
	m.PendingVitals.Set(float64(n))
}

// ObserveJudgment records the latency of a judgment call
func (m *Metrics) ObserveJudgment(decision string, elapsed time.Duration, err error) {
	m.JudgmentDuration.WithLabelValues(decision, outcome(err)).Observe(elapsed.Seconds())
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveOutboxPublish records a relay attempt
func (m *Metrics) ObserveOutboxPublish(topic string, err error) {
	m.OutboxPublished.WithLabelValues(topic, outcome(err)).Inc()
}

// ObserveStreamMessage records a consumed message; outcome is e.g. "processed" or "duplicate"
func (m *Metrics) ObserveStreamMessage(topic, outcome string) {
	m.StreamMessages.WithLabelValues(topic, outcome).Inc()
}

// SetConsumerLag records the lag of group on each topic
func (m *Metrics) SetConsumerLag(group string, byTopic map[string]int64) {
	for topic, lag := range byTopic {
		m.ConsumerLag.WithLabelValues(group, topic).Set(float64(lag))
	}
}

// SetInboxEntries records the inbox backlog for one status
func (m *Metrics) SetInboxEntries(status string, n int64) {
	m.InboxEntries.WithLabelValues(status).Set(float64(n))
}

// SetBreakerState records a breaker transition
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
