package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "taskd/pkg/logx"
)

// Load is a point-in-time view of host utilization.
type Load struct {
	CPUPct float64 `json:"cpu_pct"`
	MemPct float64 `json:"mem_pct"`
}

// Sampler produces one Load reading. Implementations must be cheap enough to
// call on every sampling tick. Tests inject synthetic samplers.
type Sampler interface {
	Sample(ctx context.Context) (Load, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Load, error)

func (f SamplerFunc) Sample(ctx context.Context) (Load, error) { return f(ctx) }

type Config struct {
	SampleInterval  time.Duration
	CPUThresholdPct float64
	MemThresholdPct float64
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.CPUThresholdPct <= 0 {
		c.CPUThresholdPct = 90
	}
	if c.MemThresholdPct <= 0 {
		c.MemThresholdPct = 85
	}
	return c
}

// Monitor samples host CPU and memory utilization on a fixed cadence and
// exposes the latest reading. It is a passive data source: throttling and
// scaling decisions belong to its consumers.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	sampler Sampler
	log     logx.Logger

	load atomic.Value // stores Load

	sampleErrs atomic.Uint64
}

func New(cfg Config, sampler Sampler, log logx.Logger) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		sampler: sampler,
		log:     log,
	}
	m.load.Store(Load{})
	return m
}

// Run samples until ctx is canceled. It samples once immediately so consumers
// see a reading before the first full interval elapses.
func (m *Monitor) Run(ctx context.Context) error {
	m.sampleOnce(ctx)

	t := time.NewTicker(m.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.sampleOnce(ctx)
			// Interval may have been changed by a config reload.
			t.Reset(m.Interval())
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	if m.sampler == nil {
		return
	}
	l, err := m.sampler.Sample(ctx)
	if err != nil {
		// Keep the previous reading; a stale value beats a zero value here
		// because a zero would silently disable backpressure.
		m.sampleErrs.Add(1)
		if !m.log.IsZero() {
			m.log.Warn("resource sample failed", logx.Err(err))
		}
		return
	}
	m.load.Store(clamp(l))
	if !m.log.IsZero() && m.log.Enabled(logx.LevelTrace) {
		m.log.Trace("resource sample", logx.Float64("cpu_pct", l.CPUPct), logx.Float64("mem_pct", l.MemPct))
	}
}

// Load returns the most recent reading (zero value before the first sample).
func (m *Monitor) Load() Load {
	v, _ := m.load.Load().(Load)
	return v
}

// Overloaded reports whether either utilization threshold is exceeded.
func (m *Monitor) Overloaded() bool {
	l := m.Load()
	m.mu.Lock()
	cpuT, memT := m.cfg.CPUThresholdPct, m.cfg.MemThresholdPct
	m.mu.Unlock()
	return l.CPUPct > cpuT || l.MemPct > memT
}

// headroomMarginPct keeps scale-up and backpressure from oscillating around
// a single threshold value.
const headroomMarginPct = 10

// Headroom reports whether utilization sits comfortably below both
// thresholds, leaving room to add workers.
func (m *Monitor) Headroom() bool {
	l := m.Load()
	m.mu.Lock()
	cpuT, memT := m.cfg.CPUThresholdPct, m.cfg.MemThresholdPct
	m.mu.Unlock()
	return l.CPUPct < cpuT-headroomMarginPct && l.MemPct < memT-headroomMarginPct
}

func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.SampleInterval
}

// SampleErrors returns the count of failed samples (diagnostics only).
func (m *Monitor) SampleErrors() uint64 { return m.sampleErrs.Load() }

// Apply updates thresholds and interval at runtime.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func clamp(l Load) Load {
	if l.CPUPct < 0 {
		l.CPUPct = 0
	}
	if l.CPUPct > 100 {
		l.CPUPct = 100
	}
	if l.MemPct < 0 {
		l.MemPct = 0
	}
	if l.MemPct > 100 {
		l.MemPct = 100
	}
	return l
}
