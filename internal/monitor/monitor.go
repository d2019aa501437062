package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// DefaultSampleInterval is how often Run samples when no interval is set.
const DefaultSampleInterval = time.Second

// Monitor keeps the most recent load snapshot.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	logger   *slog.Logger
	latest   atomic.Pointer[model.LoadSnapshot]
}

// New creates a monitor that samples every interval.
func New(sampler Sampler, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{sampler: sampler, interval: interval, logger: logger}
}

// Run samples until ctx is done. A failed sample is logged and the previous
// snapshot is kept.
func (m *Monitor) Run(ctx context.Context) {
	m.sample(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("load sample failed", "error", err)
		}
		return
	}
	m.Observe(snap)
}

// Observe records snap as the latest snapshot. It lets callers inject load
// without a sampler.
func (m *Monitor) Observe(snap model.LoadSnapshot) {
	if snap.SampledAt.IsZero() {
		snap.SampledAt = time.Now()
	}
	m.latest.Store(&snap)
	cpuUsageGauge.Set(snap.CPUUsage)
	memoryUsageGauge.Set(snap.MemoryUsage)
	networkIOGauge.Set(snap.NetworkIO)
}

// Latest returns the most recent snapshot, or false before the first sample.
func (m *Monitor) Latest() (model.LoadSnapshot, bool) {
	p := m.latest.Load()
	if p == nil {
		return model.LoadSnapshot{}, false
	}
	return *p, true
}
