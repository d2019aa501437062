// Package monitor samples system load and adapts the engine to it: low
// priority work is paused and time slices shrink under pressure, and both are
// restored once load recovers.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// Sampler produces load snapshots.
type Sampler interface {
	Sample(ctx context.Context) (model.LoadSnapshot, error)
}

// StaticSampler always returns the same snapshot, stamped with the current
// time. It is used for simulation and tests.
type StaticSampler struct {
	mu   sync.Mutex
	snap model.LoadSnapshot
}

// NewStaticSampler returns a sampler reporting snap.
func NewStaticSampler(snap model.LoadSnapshot) *StaticSampler {
	return &StaticSampler{snap: snap}
}

// Set replaces the reported snapshot.
func (s *StaticSampler) Set(snap model.LoadSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Sample implements Sampler.
func (s *StaticSampler) Sample(context.Context) (model.LoadSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.SampledAt = time.Now()
	return snap, nil
}

// ProcSampler reads load from the proc filesystem. CPU usage and network IO
// are rates, so the first sample reports zero for both.
type ProcSampler struct {
	fs procfs.FS

	mu       sync.Mutex
	lastCPU  procfs.CPUStat
	lastNet  uint64
	lastAt   time.Time
	hasPrior bool
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (s *ProcSampler) Sample(ctx context.Context) (model.LoadSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.LoadSnapshot{}, err
	}

	stat, err := s.fs.Stat()
	if err != nil {
		return model.LoadSnapshot{}, fmt.Errorf("read stat: %w", err)
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return model.LoadSnapshot{}, fmt.Errorf("read meminfo: %w", err)
	}
	netDev, err := s.fs.NetDev()
	if err != nil {
		return model.LoadSnapshot{}, fmt.Errorf("read net/dev: %w", err)
	}

	now := time.Now()
	total := netDev.Total()
	netBytes := total.RxBytes + total.TxBytes

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.LoadSnapshot{
		MemoryUsage: memoryUsage(mem),
		SampledAt:   now,
	}
	if s.hasPrior {
		snap.CPUUsage = cpuUsage(s.lastCPU, stat.CPUTotal)
		if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 && netBytes >= s.lastNet {
			snap.NetworkIO = float64(netBytes-s.lastNet) / elapsed
		}
	}
	s.lastCPU = stat.CPUTotal
	s.lastNet = netBytes
	s.lastAt = now
	s.hasPrior = true
	return snap, nil
}

func cpuUsage(prev, cur procfs.CPUStat) float64 {
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0
	}
	return clampRatio(1 - idle/total)
}

func cpuTotal(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

func memoryUsage(m procfs.Meminfo) float64 {
	if m.MemTotal == nil || *m.MemTotal == 0 {
		return 0
	}
	avail := uint64(0)
	switch {
	case m.MemAvailable != nil:
		avail = *m.MemAvailable
	case m.MemFree != nil:
		avail = *m.MemFree
	}
	return clampRatio(1 - float64(avail)/float64(*m.MemTotal))
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
