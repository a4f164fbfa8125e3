package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eyes-pick/kapsules/internal/service/orchestrator"
)

const (
	defaultInterval = time.Minute
	reapTimeout     = 30 * time.Second
)

// Orchestrator is the maintenance surface the reaper drives.
type Orchestrator interface {
	ReapOrphans(ctx context.Context) (orchestrator.ReapReport, error)
}

// Reaper periodically removes orphaned execution units and releases ports
// whose unit has vanished.
type Reaper struct {
	orch     Orchestrator
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics

	now func() time.Time
}

type metrics struct {
	runs     *prometheus.CounterVec
	removed  prometheus.Counter
	released prometheus.Counter
	lastRun  prometheus.Gauge
}

// New constructs a reaper. It returns nil when interval is negative, which
// disables periodic reaping.
func New(orch Orchestrator, interval time.Duration, reg prometheus.Registerer, logger *slog.Logger) *Reaper {
	if orch == nil || interval < 0 {
		return nil
	}
	if interval == 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		orch:     orch,
		logger:   logger.With("component", "reaper"),
		interval: interval,
		metrics:  newMetrics(reg),
		now:      time.Now,
	}
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kapsules_reaper_runs_total",
			Help: "Reaper passes by result.",
		}, []string{"result"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kapsules_reaper_units_removed_total",
			Help: "Orphaned or idle execution units removed by the reaper.",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kapsules_reaper_ports_released_total",
			Help: "Ports released because their execution unit vanished.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kapsules_reaper_last_run_timestamp_seconds",
			Help: "Unix time of the last completed reaper pass.",
		}),
	}
	m.runs = register(reg, m.runs)
	m.removed = register(reg, m.removed)
	m.released = register(reg, m.released)
	m.lastRun = register(reg, m.lastRun)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Run executes reaper passes until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reaper) runIteration(parent context.Context) orchestrator.ReapReport {
	timeout := reapTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	report, err := r.orch.ReapOrphans(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.Warn("reaper pass failed", "error", err)
	}
	if m := r.metrics; m != nil {
		m.runs.WithLabelValues(result).Inc()
		m.removed.Add(float64(report.UnitsRemoved + report.IdleTornDown))
		m.released.Add(float64(len(report.PortsReleased)))
		m.lastRun.Set(float64(r.now().Unix()))
	}
	return report
}
