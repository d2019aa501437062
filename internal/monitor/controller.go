package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// State is the adaptive controller's view of the system.
type State string

// Controller states.
const (
	StateNominal    State = "nominal"
	StateDegraded   State = "degraded"
	StateRecovering State = "recovering"
)

var states = []State{StateNominal, StateDegraded, StateRecovering}

// DefaultOptimizeInterval is how often Run evaluates when no interval is set.
const DefaultOptimizeInterval = 5 * time.Second

// Thresholds tune the controller. Usage values are ratios in [0, 1].
type Thresholds struct {
	High           float64 `yaml:"high"`
	Low            float64 `yaml:"low"`
	CriticalMemory float64 `yaml:"critical_memory"`
	Decay          float64 `yaml:"decay"`
	Growth         float64 `yaml:"growth"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		High:           0.85,
		Low:            0.3,
		CriticalMemory: 0.9,
		Decay:          0.5,
		Growth:         1.5,
	}
}

// Target is the engine surface the controller acts on.
type Target interface {
	// RunningTasks returns ids of running, unpaused tasks with priority p.
	RunningTasks(p model.Priority) []string
	AutoPause(id string) error
	AutoResume(id string) error
	ScaleTimeSlice(factor float64) float64
}

// WarningFunc receives resource exhaustion warnings.
type WarningFunc func(model.ResourceExhaustionWarning)

// Controller pauses low priority work and shrinks time slices under load,
// and undoes both when load drops.
type Controller struct {
	target     Target
	thresholds Thresholds
	interval   time.Duration
	onWarning  WarningFunc
	logger     *slog.Logger

	mu         sync.Mutex
	state      State
	autoPaused map[string]struct{}
}

// NewController creates a controller in the nominal state.
func NewController(target Target, thresholds Thresholds, interval time.Duration, onWarning WarningFunc, logger *slog.Logger) *Controller {
	if interval <= 0 {
		interval = DefaultOptimizeInterval
	}
	c := &Controller{
		target:     target,
		thresholds: thresholds,
		interval:   interval,
		onWarning:  onWarning,
		logger:     logger,
		state:      StateNominal,
		autoPaused: make(map[string]struct{}),
	}
	c.publishState()
	return c
}

// Run evaluates the monitor's latest snapshot until ctx is done.
func (c *Controller) Run(ctx context.Context, m *Monitor) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if snap, ok := m.Latest(); ok {
				c.Evaluate(snap)
			}
		}
	}
}

// Evaluate applies one control step for snap and returns the resulting state.
func (c *Controller) Evaluate(snap model.LoadSnapshot) State {
	if snap.MemoryUsage > c.thresholds.CriticalMemory {
		c.warn(model.ResourceExhaustionWarning{
			Snapshot:  snap,
			Resource:  "memory",
			Threshold: c.thresholds.CriticalMemory,
		})
	}

	switch {
	case snap.CPUUsage > c.thresholds.High || snap.MemoryUsage > c.thresholds.High:
		c.degrade(snap)
	case snap.CPUUsage < c.thresholds.Low && snap.MemoryUsage < c.thresholds.Low:
		c.recover()
	}
	return c.State()
}

func (c *Controller) degrade(snap model.LoadSnapshot) {
	var paused []string
	for _, id := range c.target.RunningTasks(model.PriorityLow) {
		if err := c.target.AutoPause(id); err != nil {
			c.logger.Debug("auto-pause skipped", "task_id", id, "error", err)
			continue
		}
		paused = append(paused, id)
	}
	mult := c.target.ScaleTimeSlice(c.thresholds.Decay)

	c.mu.Lock()
	prev := c.state
	c.state = StateDegraded
	for _, id := range paused {
		c.autoPaused[id] = struct{}{}
	}
	n := len(c.autoPaused)
	c.mu.Unlock()

	autoPausedTasks.Set(float64(n))
	c.publishState()
	if prev != StateDegraded || len(paused) > 0 {
		c.logger.Info("load high, degrading",
			"cpu", snap.CPUUsage, "memory", snap.MemoryUsage,
			"paused", len(paused), "time_slice_multiplier", mult)
	}
}

func (c *Controller) recover() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.autoPaused))
	for id := range c.autoPaused {
		ids = append(ids, id)
	}
	c.autoPaused = make(map[string]struct{})
	prev := c.state
	switch c.state {
	case StateDegraded:
		c.state = StateRecovering
	case StateRecovering:
		c.state = StateNominal
	}
	next := c.state
	c.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := c.target.AutoResume(id); err != nil {
			c.logger.Debug("auto-resume skipped", "task_id", id, "error", err)
		}
	}
	mult := c.target.ScaleTimeSlice(c.thresholds.Growth)

	autoPausedTasks.Set(0)
	c.publishState()
	if prev != next || len(ids) > 0 {
		c.logger.Info("load low, recovering",
			"state", next, "resumed", len(ids), "time_slice_multiplier", mult)
	}
}

func (c *Controller) warn(w model.ResourceExhaustionWarning) {
	exhaustionWarnings.WithLabelValues(w.Resource).Inc()
	c.logger.Warn("resource exhaustion", "resource", w.Resource,
		"usage", w.Snapshot.MemoryUsage, "threshold", w.Threshold)
	if c.onWarning != nil {
		c.onWarning(w)
	}
}

// Forget drops id from the auto-paused set, e.g. when the task ends or is
// resumed by hand.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	delete(c.autoPaused, id)
	n := len(c.autoPaused)
	c.mu.Unlock()
	autoPausedTasks.Set(float64(n))
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AutoPaused returns the ids paused by the controller, sorted.
func (c *Controller) AutoPaused() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.autoPaused))
	for id := range c.autoPaused {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset returns the controller to the nominal state with nothing paused.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = StateNominal
	c.autoPaused = make(map[string]struct{})
	c.mu.Unlock()
	autoPausedTasks.Set(0)
	c.publishState()
}

func (c *Controller) publishState() {
	cur := c.State()
	for _, s := range states {
		v := 0.0
		if s == cur {
			v = 1
		}
		controllerState.WithLabelValues(string(s)).Set(v)
	}
}
