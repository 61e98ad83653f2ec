package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klomgor/Maintainerr/internal/logger"
)

// Metrics records run and action statistics
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	matchesTotal   prometheus.Counter
	notesTotal     prometheus.Counter
	runInProgress  prometheus.Gauge
}

// InitPrometheusMetrics creates and registers the executor metrics.
// A nil registerer uses the default one.
func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_runs_total",
				Help:      "Total number of rule execution runs",
			},
			[]string{"trigger", "result"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rules_run_duration_seconds",
				Help:      "Duration of rule execution runs",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_actions_total",
				Help:      "Total number of actions by outcome",
			},
			[]string{"status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rules_action_duration_seconds",
				Help:      "Duration of action calls including retries",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"status"},
		),
		matchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_matches_total",
				Help:      "Total number of group/item matches",
			},
		),
		notesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_evaluation_notes_total",
				Help:      "Conditions that could not be evaluated",
			},
		),
		runInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_run_in_progress",
				Help:      "1 while a rule execution run is in progress",
			},
		),
	}

	reg.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.actionsTotal,
		m.actionDuration,
		m.matchesTotal,
		m.notesTotal,
		m.runInProgress,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_errors_total",
				Help:      "Errors logged, including sampled out ones",
			},
			func() float64 { return float64(logger.TotalErrors.Load()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_warnings_total",
				Help:      "Warnings logged, including sampled out ones",
			},
			func() float64 { return float64(logger.TotalWarnings.Load()) },
		),
	)

	return m
}

// The methods below accept a nil receiver so an Executor can run without metrics.

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runInProgress.Set(1)
}

func (m *Metrics) runFinished(report *RunReport) {
	if m == nil {
		return
	}
	m.runInProgress.Set(0)
	result := "success"
	if report.Error != "" {
		result = "error"
	} else if report.Failed() > 0 {
		result = "partial"
	}
	m.runsTotal.WithLabelValues(report.Trigger, result).Inc()
	m.runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}

func (m *Metrics) recordAction(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(status).Inc()
	m.actionDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) recordEvaluation(matched bool, notes int) {
	if m == nil {
		return
	}
	if matched {
		m.matchesTotal.Inc()
	}
	if notes > 0 {
		m.notesTotal.Add(float64(notes))
	}
}
