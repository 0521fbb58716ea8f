package deploy

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 900}

type metrics struct {
	results       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	stageFailures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipit",
			Subsystem: "deploy",
			Name:      "results_total",
			Help:      "Number of deploy pipeline outcomes",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipit",
			Subsystem: "deploy",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of deploy pipelines",
			Buckets:   durationBuckets,
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipit",
			Subsystem: "deploy",
			Name:      "queue_depth",
			Help:      "Deploy requests waiting for the worker",
		}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipit",
			Subsystem: "deploy",
			Name:      "stage_failures_total",
			Help:      "Fatal pipeline failures by stage",
		}, []string{"stage"}),
	}
	if reg == nil {
		return m
	}

	m.results = register(reg, m.results)
	m.duration = register(reg, m.duration)
	m.queueDepth = register(reg, m.queueDepth)
	m.stageFailures = register(reg, m.stageFailures)
	return m
}

// register reuses an already registered collector of the same shape, so a
// second Service in one process shares the first one's series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observe(outcome string, elapsed time.Duration) {
	m.results.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
