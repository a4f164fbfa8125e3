package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Metrics records pipeline stage latency, build outcomes and port usage.
// A nil *Metrics records nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	portsInUse    prometheus.Gauge
}

// NewMetrics registers pipeline collectors with reg. Collectors already
// registered by an earlier instance are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kapsules",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages by outcome",
			Buckets:   stageBuckets,
		}, []string{"stage", "status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kapsules",
			Subsystem: "pipeline",
			Name:      "builds_total",
			Help:      "Number of finished pipeline runs by outcome",
		}, []string{"outcome"}),
		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kapsules",
			Subsystem: "ports",
			Name:      "leases",
			Help:      "Number of host ports currently leased",
		}),
	}
	m.stageDuration = register(reg, m.stageDuration)
	m.outcomes = register(reg, m.outcomes)
	m.portsInUse = register(reg, m.portsInUse)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observeStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) recordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// SetPortsInUse publishes the current number of leased ports.
func (m *Metrics) SetPortsInUse(n int) {
	if m == nil {
		return
	}
	m.portsInUse.Set(float64(n))
}
