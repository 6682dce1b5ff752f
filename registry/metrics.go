package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report task activity.
type Metrics struct {
	submitted prometheus.Counter
	active    prometheus.Gauge
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global Prometheus
// registry. The collectors are created only once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})

	return sharedMetrics
}

// MustNewMetrics constructs Metrics registered with reg. Registration errors
// panic, except that already registered collectors are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptmesh",
			Subsystem: "registry",
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted prompt tasks.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptmesh",
			Subsystem: "registry",
			Name:      "tasks_active",
			Help:      "Number of prompt tasks currently registered.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptmesh",
			Subsystem: "registry",
			Name:      "tasks_finished_total",
			Help:      "Finished prompt tasks by terminal state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptmesh",
			Subsystem: "registry",
			Name:      "task_duration_seconds",
			Help:      "Wall time from submission to teardown.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
	}

	m.submitted = register(reg, m.submitted)
	m.active = register(reg, m.active)
	m.finished = register(reg, m.finished)
	m.duration = register(reg, m.duration)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}

		panic(err)
	}

	return c
}

func (m *Metrics) taskSubmitted() {
	if m == nil {
		return
	}

	m.submitted.Inc()
	m.active.Inc()
}

func (m *Metrics) taskFinished(state string, seconds float64) {
	if m == nil {
		return
	}

	m.active.Dec()
	m.finished.WithLabelValues(state).Inc()
	m.duration.WithLabelValues(state).Observe(seconds)
}
