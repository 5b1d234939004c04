package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records stage events as Prometheus series labelled by stage.
type Metrics struct {
	transformed *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	spawned     *prometheus.CounterVec
	live        *prometheus.GaugeVec
	open        *prometheus.GaugeVec
	skipped     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptflow_rows_transformed_total",
			Help: "Rows successfully transformed by a script stage.",
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptflow_row_failures_total",
			Help: "Rows a script stage failed to transform, by failure kind.",
		}, []string{"stage", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scriptflow_exchange_seconds",
			Help:    "Time from encoding a row to decoding the script's response.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptflow_processes_spawned_total",
			Help: "Interpreter processes started.",
		}, []string{"stage"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scriptflow_live_processes",
			Help: "Interpreter processes currently running.",
		}, []string{"stage"}),
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scriptflow_open_stage_instances",
			Help: "Open stage instances, one per stage per source partition.",
		}, []string{"stage"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptflow_rows_skipped_total",
			Help: "Rows dropped by an on_error: skip policy.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.transformed, m.failures, m.latency, m.spawned, m.live, m.open, m.skipped)
	return m
}

func (m *Metrics) StageOpened(stage string) { m.open.WithLabelValues(stage).Inc() }
func (m *Metrics) StageClosed(stage string) { m.open.WithLabelValues(stage).Dec() }

func (m *Metrics) ProcessSpawned(stage string, _ int) {
	m.spawned.WithLabelValues(stage).Inc()
	m.live.WithLabelValues(stage).Inc()
}

func (m *Metrics) ProcessReleased(stage string, _ int) { m.live.WithLabelValues(stage).Dec() }

func (m *Metrics) RowTransformed(stage string, took time.Duration) {
	m.transformed.WithLabelValues(stage).Inc()
	m.latency.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) RowFailed(stage, kind string) { m.failures.WithLabelValues(stage, kind).Inc() }

// RowSkipped counts a row dropped after a failure.
func (m *Metrics) RowSkipped(stage string) { m.skipped.WithLabelValues(stage).Inc() }
