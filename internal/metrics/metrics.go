// Package metrics holds the Prometheus collectors for a monitoring session.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/resilience"
)

const namespace = "runwatch"

// Failure stages.
const (
	StageStatus  = "status"
	StageCapture = "capture"
	StageOCR     = "ocr"
	StageNotify  = "notify"
	StageArchive = "archive"
	StageEvents  = "events"
)

type Metrics struct {
	registry      *prometheus.Registry
	polls         prometheus.Counter
	readings      *prometheus.CounterVec
	ocrReused     prometheus.Counter
	failures      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	lastReading   prometheus.Gauge
	breakerState  *prometheus.GaugeVec
}

// New creates collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of polling iterations.",
		}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Timer readings by position relative to the window.",
		}, []string{"position"}),
		ocrReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_reused_total",
			Help:      "OCR calls skipped because the timer crop was unchanged.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Collaborator failures by stage.",
		}, []string{"stage", "code"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by result.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminated sessions by outcome.",
		}, []string{"outcome"}),
		lastReading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading_seconds",
			Help:      "Last accepted timer reading in seconds.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		m.polls,
		m.readings,
		m.ocrReused,
		m.failures,
		m.notifications,
		m.outcomes,
		m.lastReading,
		m.breakerState,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) IncPolls() { m.polls.Inc() }

// ObserveReading records a reading; invalid readings use position "invalid".
func (m *Metrics) ObserveReading(position string, seconds int) {
	m.readings.WithLabelValues(position).Inc()
	if position != "invalid" {
		m.lastReading.Set(float64(seconds))
	}
}

func (m *Metrics) IncOCRReused() { m.ocrReused.Inc() }

func (m *Metrics) IncFailure(stage string, err error) {
	m.failures.WithLabelValues(stage, string(apperrors.CodeOf(err))).Inc()
}

func (m *Metrics) IncNotification(result string) {
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IncOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

// BreakerHook returns a state-change hook for resilience.Breaker.
func (m *Metrics) BreakerHook() func(name string, from, to resilience.State) {
	return func(name string, _, to resilience.State) {
		m.breakerState.WithLabelValues(name).Set(float64(to))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Push sends the registry to a Pushgateway, the usual way for batch jobs
// that exit before a scrape.
func (m *Metrics) Push(ctx context.Context, url, instance string) error {
	err := push.New(url, namespace).
		Gatherer(m.registry).
		Grouping("instance", instance).
		PushContext(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "push metrics")
	}
	return nil
}
