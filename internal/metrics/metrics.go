// Package metrics exposes Prometheus metrics for bulk runs and the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

const Namespace = "wpmeta"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	BatchesTotal       *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RunsActive         prometheus.Gauge

	ScheduledRunsTotal *prometheus.CounterVec
	ScheduledPending   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bulk",
			Name:      "records_total",
			Help:      "Records processed by bulk runs, by method and outcome",
		}, []string{"method", "outcome"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bulk",
			Name:      "retries_total",
			Help:      "Request retries made while writing records",
		}, []string{"method"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bulk",
			Name:      "batches_total",
			Help:      "Batches completed by bulk runs",
		}, []string{"method"}),
		RunDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "bulk",
			Name:      "run_duration_seconds",
			Help:      "Wall time of bulk runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"method"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bulk",
			Name:      "runs_active",
			Help:      "Bulk runs currently executing",
		}),
		ScheduledRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled update executions by final status",
		}, []string{"status"}),
		ScheduledPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "pending",
			Help:      "Scheduled updates waiting to run",
		}),
	}
}

func (m *Metrics) RecordOutcome(method domain.Method, ok bool, retries int) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.RecordsTotal.WithLabelValues(string(method), outcome).Inc()
	if retries > 0 {
		m.RetriesTotal.WithLabelValues(string(method)).Add(float64(retries))
	}
}

func (m *Metrics) BatchDone(method domain.Method) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(string(method)).Inc()
}

// RunStarted marks a run active and returns a func that records its end.
func (m *Metrics) RunStarted(method domain.Method) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.RunsActive.Inc()
	return func() {
		m.RunsActive.Dec()
		m.RunDurationSeconds.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ScheduledRun(status domain.Status) {
	if m == nil {
		return
	}
	m.ScheduledRunsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.ScheduledPending.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
