package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/backend"
	"github.com/xinfuwcx/deepcad-rtengine/internal/incremental"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/monitor"
	"github.com/xinfuwcx/deepcad-rtengine/internal/pool"
	"github.com/xinfuwcx/deepcad-rtengine/internal/registry"
	"github.com/xinfuwcx/deepcad-rtengine/internal/scheduler"
	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
	"github.com/xinfuwcx/deepcad-rtengine/internal/stream"
)

// DefaultTickInterval is the scheduling tick period.
const DefaultTickInterval = 100 * time.Millisecond

// shutdownTimeout bounds how long Dispose waits for execution units.
const shutdownTimeout = 5 * time.Second

// Options configure an Engine. Zero fields take the defaults of the owning
// component.
type Options struct {
	PoolSize          int
	TickInterval      time.Duration
	SampleInterval    time.Duration
	OptimizeInterval  time.Duration
	BaseTimeSlice     time.Duration
	Thresholds        monitor.Thresholds
	HistorySize       int
	CoalesceThreshold int
	CoalesceWindow    time.Duration
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		TickInterval:      DefaultTickInterval,
		SampleInterval:    monitor.DefaultSampleInterval,
		OptimizeInterval:  monitor.DefaultOptimizeInterval,
		BaseTimeSlice:     scheduler.DefaultBaseTimeSlice,
		Thresholds:        monitor.DefaultThresholds(),
		HistorySize:       incremental.DefaultHistorySize,
		CoalesceThreshold: incremental.DefaultCoalesceThreshold,
		CoalesceWindow:    incremental.DefaultWindow,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithJournal records every lifecycle event and streaming result in j.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// ProgressFunc receives the lifecycle events of one task.
type ProgressFunc func(model.TaskEvent)

// WarningFunc receives resource exhaustion warnings.
type WarningFunc func(model.ResourceExhaustionWarning)

// Engine is the public facade. All methods are safe for concurrent use and
// none of them block on task execution.
type Engine struct {
	opts   Options
	logger *slog.Logger

	registry   *registry.Registry
	sched      *scheduler.Scheduler
	pool       *pool.Pool
	streams    *stream.Manager
	updates    *incremental.Processor
	monitor    *monitor.Monitor
	controller *monitor.Controller
	backends   *backend.Registry
	journal    store.Journal

	// dispatchMu serializes the scheduling tick with cancellation of queued
	// tasks.
	dispatchMu sync.Mutex

	// callbackMu is read-held while a progress or warning callback runs.
	// Dispose write-locks it after setting disposed.
	callbackMu sync.RWMutex

	mu            sync.Mutex
	started       bool
	disposed      bool
	cancel        context.CancelFunc
	progressSubs  map[string]map[int]ProgressFunc
	warningSubs   map[int]WarningFunc
	nextSubID     int
	derivedTask   map[string]string   // update id -> task id
	derivedByTask map[string][]string // task id -> update ids
	derivedBase   map[string]string   // derived task id -> base task id
	historyRefs   map[string]int      // base task id -> live derived tasks
}

// New creates an engine. Call Start to run its loops.
func New(opts Options, backends *backend.Registry, sampler monitor.Sampler, logger *slog.Logger, options ...Option) *Engine {
	def := DefaultOptions()
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.Thresholds == (monitor.Thresholds{}) {
		opts.Thresholds = def.Thresholds
	}

	e := &Engine{
		opts:          opts,
		logger:        logger,
		backends:      backends,
		registry:      registry.New(logger),
		streams:       stream.NewManager(logger),
		progressSubs:  make(map[string]map[int]ProgressFunc),
		warningSubs:   make(map[int]WarningFunc),
		derivedTask:   make(map[string]string),
		derivedByTask: make(map[string][]string),
		derivedBase:   make(map[string]string),
		historyRefs:   make(map[string]int),
	}
	e.sched = scheduler.New(opts.BaseTimeSlice)
	e.pool = pool.New(opts.PoolSize, backends, e.sched, logger)
	e.updates = incremental.NewProcessor(incremental.Options{
		HistorySize:       opts.HistorySize,
		Window:            opts.CoalesceWindow,
		CoalesceThreshold: opts.CoalesceThreshold,
	})
	e.monitor = monitor.New(sampler, opts.SampleInterval, logger)
	e.controller = monitor.NewController(controlTarget{e}, opts.Thresholds, opts.OptimizeInterval, e.raiseWarning, logger)

	for _, o := range options {
		o(e)
	}

	e.registry.Observe(e.onTaskEvent)
	timeSliceMultiplier.Set(e.sched.Multiplier())
	return e
}

// Start runs the scheduling tick, the event loop and the load loops until ctx
// is done or Dispose is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return model.ErrDisposed
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go e.runEvents(ctx)
	go e.runTicks(ctx)
	go e.monitor.Run(ctx)
	go e.controller.Run(ctx, e.monitor)

	e.logger.Info("engine started",
		"pool_size", e.pool.Size(),
		"tick_interval", e.opts.TickInterval.String(),
	)
	return nil
}

// Backends returns the backend registry the pool resolves kinds against.
func (e *Engine) Backends() *backend.Registry {
	return e.backends
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Dispose cancels every active task, stops the execution units, closes every
// stream subscription with model.ErrDisposed and clears all state. No event
// reaches a subscriber after Dispose returns. It is idempotent.
//
// Dispose waits for progress and warning callbacks that are already running,
// so it must not be called from inside one.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.progressSubs = make(map[string]map[int]ProgressFunc)
	e.warningSubs = make(map[int]WarningFunc)
	e.derivedTask = make(map[string]string)
	e.derivedByTask = make(map[string][]string)
	e.derivedBase = make(map[string]string)
	e.historyRefs = make(map[string]int)
	cancel := e.cancel
	e.mu.Unlock()

	// Wait out callbacks that were already running.
	e.callbackMu.Lock()
	e.callbackMu.Unlock()

	e.registry.Close()
	e.streams.CloseAll(model.ErrDisposed)
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := e.pool.Shutdown(ctx); err != nil {
		e.logger.Warn("execution units did not stop in time", "error", err)
	}

	e.dispatchMu.Lock()
	cancelled := 0
	for _, t := range e.registry.List(model.StatusQueued, model.StatusRunning, model.StatusPaused) {
		ct, err := e.registry.MarkCancelled(t.ID, model.ErrDisposed)
		if err != nil {
			continue
		}
		cancelled++
		if e.journal != nil {
			if err := e.journal.UpsertTask(context.Background(), ct); err != nil {
				e.logger.Error("failed to journal task", "task_id", ct.ID, "error", err)
			}
		}
	}
	e.sched.Clear()
	e.dispatchMu.Unlock()

	e.registry.Clear()
	e.updates.Clear()
	e.controller.Reset()
	timeSliceMultiplier.Set(e.sched.Multiplier())
	for _, s := range []model.Status{model.StatusQueued, model.StatusRunning, model.StatusPaused} {
		tasksByStatus.WithLabelValues(string(s)).Set(0)
	}

	e.logger.Info("engine disposed", "cancelled", cancelled)
}

func (e *Engine) runTicks(ctx context.Context) {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dispatch()
		}
	}
}

// dispatch moves eligible queued tasks onto free execution units. It is the
// only place tasks go from queued to running.
func (e *Engine) dispatch() {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	if e.isDisposed() {
		return
	}

	holdLow := e.controller.State() == monitor.StateDegraded
	ready := func(id string) bool {
		if holdLow {
			if t, ok := e.registry.Get(id); ok && t.Priority == model.PriorityLow {
				return false
			}
		}
		return e.registry.DependenciesMet(id)
	}

	for {
		entry, ok := e.sched.NextEligible(e.freeSlots(), ready)
		if !ok {
			break
		}
		t, err := e.registry.MarkDispatched(entry.ID)
		if err != nil {
			e.logger.Debug("dropping stale queue entry", "task_id", entry.ID, "error", err)
			continue
		}
		if err := e.pool.Assign(t); err != nil {
			if _, rerr := e.registry.MarkRequeued(entry.ID); rerr != nil {
				e.logger.Error("requeue after failed assign", "task_id", entry.ID, "error", rerr)
			} else {
				e.sched.Requeue(entry)
			}
			if !errors.Is(err, model.ErrPoolExhausted) {
				e.logger.Warn("assign failed", "task_id", entry.ID, "error", err)
			}
			break
		}
		dispatchWait.Observe(time.Since(t.CreatedAt).Seconds())
		e.logger.Debug("task dispatched", "task_id", t.ID, "kind", t.Kind, "priority", t.Priority.String())
	}

	e.publishCounts()
}

// freeSlots is the number of tasks that may be dispatched now. A unit is
// released before its terminal event is applied, so the pool's free count
// alone could let one more task than units appear running.
func (e *Engine) freeSlots() int {
	counts := e.registry.Counts()
	active := counts[model.StatusRunning] + counts[model.StatusPaused]
	return min(e.pool.Free(), e.pool.Size()-active)
}

func (e *Engine) publishCounts() {
	counts := e.registry.Counts()
	for _, s := range []model.Status{model.StatusQueued, model.StatusRunning, model.StatusPaused} {
		tasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (e *Engine) runEvents(ctx context.Context) {
	events := e.pool.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.apply(ev)
		}
	}
}

// apply folds one execution unit event into the registry. Events for tasks
// that are already terminal are dropped.
func (e *Engine) apply(ev pool.Event) {
	switch ev.Type {
	case pool.EventProgress:
		if _, err := e.registry.MarkProgress(ev.TaskID, ev.Progress, ev.Meta); err != nil {
			e.logger.Debug("progress dropped", "task_id", ev.TaskID, "error", err)
		}

	case pool.EventStreaming:
		t, ok := e.registry.Get(ev.TaskID)
		if !ok || !t.Status.Active() {
			return
		}
		if _, err := e.registry.MarkProgress(ev.TaskID, ev.Chunk.Progress, nil); err != nil {
			e.logger.Debug("stream progress dropped", "task_id", ev.TaskID, "error", err)
		}
		e.deliver(ev.TaskID, ev.Chunk)

	case pool.EventResult:
		t, err := e.registry.MarkCompleted(ev.TaskID, ev.Result)
		if err != nil {
			e.logger.Debug("result dropped", "task_id", ev.TaskID, "error", err)
			return
		}
		e.afterTerminal(t)

	case pool.EventError:
		e.applyError(ev)
	}
}

func (e *Engine) applyError(ev pool.Event) {
	var (
		t   *model.Task
		err error
	)
	switch {
	case errors.Is(ev.Err, model.ErrTimeout):
		t, err = e.registry.MarkCancelled(ev.TaskID, ev.Err)
	case errors.Is(ev.Err, context.Canceled):
		t, err = e.registry.MarkCancelled(ev.TaskID, model.ErrCancelled)
	default:
		t, err = e.registry.MarkFailed(ev.TaskID, ev.Err)
	}
	if err != nil {
		e.logger.Debug("error dropped", "task_id", ev.TaskID, "cause", ev.Err, "error", err)
		return
	}

	var execErr *model.ExecutionError
	if errors.As(ev.Err, &execErr) && execErr.Crashed {
		e.logger.Error("task failed, execution unit crashed", "task_id", ev.TaskID, "unit_id", ev.UnitID, "error", ev.Err)
	} else {
		e.logger.Warn("task ended with error", "task_id", ev.TaskID, "status", t.Status, "error", ev.Err)
	}
	e.afterTerminal(t)
}

// deliver hands a chunk to the task's stream and journals it.
func (e *Engine) deliver(taskID string, chunk model.Chunk) {
	res, ok := e.streams.Deliver(taskID, chunk)
	if !ok {
		return
	}
	streamResults.Inc()
	if e.journal != nil {
		if err := e.journal.InsertStreamResult(context.Background(), res); err != nil {
			e.logger.Error("failed to journal stream result", "task_id", taskID, "sequence_id", res.SequenceID, "error", err)
		}
	}
}

// afterTerminal finishes the bookkeeping of a task that just reached a
// terminal state.
func (e *Engine) afterTerminal(t *model.Task) {
	e.controller.Forget(t.ID)
	e.forgetDerived(t.ID)
	if base, ok := e.takeDerivedBase(t.ID); ok {
		e.releaseHistory(base)
	}
	e.forgetHistoryIfDone(t.ID)

	switch t.Status {
	case model.StatusCompleted:
		if t.Options.Streaming {
			e.deliver(t.ID, model.Chunk{Data: t.Result, Progress: 100})
		}
	case model.StatusFailed, model.StatusCancelled:
		if t.Options.Streaming {
			cause := t.Err
			if cause == nil {
				cause = model.ErrCancelled
			}
			e.streams.Close(t.ID, cause)
		}
		e.failDependents(t)
	}
}

// failDependents fails every queued task that depends on t, recursively.
func (e *Engine) failDependents(t *model.Task) {
	for _, id := range e.registry.Dependents(t.ID) {
		e.dispatchMu.Lock()
		e.sched.Remove(id)
		dep, err := e.registry.MarkFailed(id, &dependencyError{TaskID: t.ID, Status: t.Status})
		e.dispatchMu.Unlock()
		if err != nil {
			continue
		}
		e.afterTerminal(dep)
	}
}

// dependencyError explains why a dependent task failed. It matches
// model.ErrDependencyUnmet.
type dependencyError struct {
	TaskID string
	Status model.Status
}

func (e *dependencyError) Error() string {
	return "dependency " + e.TaskID + " " + string(e.Status)
}

func (e *dependencyError) Is(target error) bool { return target == model.ErrDependencyUnmet }

// onTaskEvent runs on the registry's notifier goroutine.
func (e *Engine) onTaskEvent(ev model.TaskEvent) {
	if e.journal != nil {
		if err := e.journal.UpsertTask(context.Background(), ev.Task); err != nil {
			e.logger.Error("failed to journal task", "task_id", ev.Task.ID, "event", ev.Type, "error", err)
		}
	}

	switch ev.Type {
	case model.EventSubmitted:
		tasksSubmitted.WithLabelValues(string(ev.Task.Kind)).Inc()
	case model.EventCompleted, model.EventFailed, model.EventCancelled:
		tasksFinished.WithLabelValues(string(ev.Task.Status)).Inc()
	}

	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	subs := sortedFuncs(e.progressSubs[ev.Task.ID])
	if ev.Task.Status.Terminal() {
		delete(e.progressSubs, ev.Task.ID)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		if e.isDisposed() {
			return
		}
		e.safeProgress(fn, ev)
	}
}

func (e *Engine) safeProgress(fn ProgressFunc, ev model.TaskEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("progress callback panicked", "task_id", ev.Task.ID, "event", ev.Type, "panic", rec)
		}
	}()
	fn(ev)
}

func (e *Engine) raiseWarning(w model.ResourceExhaustionWarning) {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	subs := sortedFuncs(e.warningSubs)
	e.mu.Unlock()

	for _, fn := range subs {
		if e.isDisposed() {
			return
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Error("warning callback panicked", "resource", w.Resource, "panic", rec)
				}
			}()
			fn(w)
		}()
	}
}
