package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	submissions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	modelCalls    prometheus.Counter
	inFlight      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recipecheck",
			Name:      "submissions_total",
			Help:      "Analysed orders by outcome (created, matched).",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recipecheck",
			Name:      "failures_total",
			Help:      "Failed analyses by stage.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recipecheck",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in retrieval and synthesis.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		modelCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipecheck",
			Name:      "model_calls_total",
			Help:      "Generative model invocations, including retries.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recipecheck",
			Name:      "analyses_in_flight",
			Help:      "Orders currently in retrieval or synthesis.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submissions, m.failures, m.stageDuration, m.modelCalls, m.inFlight)
	}
	return m
}

// The methods below accept a nil receiver so metrics stay optional.

func (m *Metrics) observeOutcome(created bool) {
	if m == nil {
		return
	}
	outcome := "matched"
	if created {
		outcome = "created"
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeFailure(stage Stage) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) observeStage(stage Stage, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeModelCall() {
	if m == nil {
		return
	}
	m.modelCalls.Inc()
}

func (m *Metrics) trackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
