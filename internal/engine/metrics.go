package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/holdfast/internal/workflow"
)

// Metrics counts consumer passes and their outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	passes   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "holdfast",
				Subsystem: "pipeline",
				Name:      "passes_total",
				Help:      "Workflow passes by stage and result.",
			},
			[]string{"stage", "result"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "holdfast",
				Subsystem: "pipeline",
				Name:      "op_outcomes_total",
				Help:      "Per-op dispositions recorded by workflow passes.",
			},
			[]string{"stage", "disposition"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "holdfast",
				Subsystem: "pipeline",
				Name:      "pass_duration_seconds",
				Help:      "Workflow pass duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "holdfast",
				Subsystem: "pipeline",
				Name:      "waiting_ops",
				Help:      "Ops left waiting after the last pass of each stage.",
			},
			[]string{"stage"},
		),
	}
	for _, c := range []prometheus.Collector{m.passes, m.outcomes, m.duration, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(res workflow.Result, d time.Duration, err error) {
	if m == nil {
		return
	}
	stage := string(res.Stage)
	result := "complete"
	switch {
	case err != nil:
		result = "error"
	case !res.Complete:
		result = "incomplete"
	}
	m.passes.WithLabelValues(stage, result).Inc()
	m.duration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		return
	}
	for _, o := range res.Outcomes {
		m.outcomes.WithLabelValues(stage, string(o.Disposition)).Inc()
	}
	m.pending.WithLabelValues(stage).Set(float64(res.Count(workflow.Pending)))
}
