package engine

import (
	"fmt"
	"sort"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/monitor"
	"github.com/xinfuwcx/deepcad-rtengine/internal/pool"
	"github.com/xinfuwcx/deepcad-rtengine/internal/stream"
)

// SystemStatus is a point-in-time view of the engine.
type SystemStatus struct {
	State               monitor.State       `json:"state"`
	Resources           *model.LoadSnapshot `json:"resources,omitempty"`
	ActiveCount         int                 `json:"active_count"`
	RunningCount        int                 `json:"running_count"`
	PausedCount         int                 `json:"paused_count"`
	QueuedCount         int                 `json:"queued_count"`
	AutoPaused          []string            `json:"auto_paused,omitempty"`
	Pool                pool.Stats          `json:"pool"`
	TimeSliceMultiplier float64             `json:"time_slice_multiplier"`
	OpenStreams         int                 `json:"open_streams"`
	UpdateHistories     int                 `json:"update_histories"`
	Disposed            bool                `json:"disposed"`
}

// SubmitTask validates spec and queues the task. Validation failures,
// including a kind no registered backend serves, are returned synchronously
// as *model.ValidationError. A task that depends on a task that already
// failed or was cancelled is accepted and failed at once.
func (e *Engine) SubmitTask(spec model.TaskSpec) (string, error) {
	if e.isDisposed() {
		return "", model.ErrDisposed
	}
	if spec.Kind != "" && !e.backends.Supports(spec.Kind) {
		return "", &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("no backend serves kind %q", spec.Kind)}
	}

	// A streaming task's stream is open before the task can be observed.
	id := model.NewID()
	if spec.Options.Streaming {
		e.streams.OpenStream(id, stream.Options{})
	}
	if _, err := e.registry.RegisterAs(id, spec); err != nil {
		e.streams.Close(id, err)
		return "", err
	}
	e.sched.Enqueue(id, spec.Priority)

	for _, dep := range spec.Options.DependsOn {
		d, ok := e.registry.Get(dep)
		if !ok || d.Status == model.StatusFailed || d.Status == model.StatusCancelled {
			e.failQueued(id, d)
			break
		}
	}

	e.logger.Info("task submitted", "task_id", id, "kind", spec.Kind, "priority", spec.Priority.String())
	return id, nil
}

// failQueued fails a queued task whose dependency can no longer complete.
func (e *Engine) failQueued(id string, dep *model.Task) {
	cause := &dependencyError{TaskID: "unknown", Status: model.StatusFailed}
	if dep != nil {
		cause = &dependencyError{TaskID: dep.ID, Status: dep.Status}
	}
	e.dispatchMu.Lock()
	e.sched.Remove(id)
	t, err := e.registry.MarkFailed(id, cause)
	e.dispatchMu.Unlock()
	if err == nil {
		e.afterTerminal(t)
	}
}

// StartStreamingComputation submits a streaming, progressive task at normal
// priority and opens its stream.
func (e *Engine) StartStreamingComputation(kind model.Kind, payload model.Payload, opts model.Options) (string, error) {
	opts.Streaming = true
	opts.Progressive = true
	return e.SubmitTask(model.TaskSpec{
		Kind:     kind,
		Priority: model.PriorityNormal,
		Payload:  payload,
		Options:  opts,
	})
}

// PauseTask asks a running task to stop after its current time slice.
func (e *Engine) PauseTask(id string) error {
	if e.isDisposed() {
		return model.ErrDisposed
	}
	if _, err := e.registry.MarkPaused(id, false); err != nil {
		return err
	}
	if err := e.pool.Pause(id); err != nil {
		e.logger.Debug("pause signal not delivered", "task_id", id, "error", err)
	}
	return nil
}

// ResumeTask lets a paused task continue, whoever paused it.
func (e *Engine) ResumeTask(id string) error {
	if e.isDisposed() {
		return model.ErrDisposed
	}
	if _, err := e.registry.MarkResumed(id); err != nil {
		return err
	}
	e.controller.Forget(id)
	if err := e.pool.Resume(id); err != nil {
		e.logger.Debug("resume signal not delivered", "task_id", id, "error", err)
	}
	return nil
}

// CancelTask cancels a task. A queued task never reaches running. For a
// running or paused task the registry is moved to cancelled before the unit
// is signalled, so nothing the unit reports afterwards is observed.
func (e *Engine) CancelTask(id string) error {
	if e.isDisposed() {
		return model.ErrDisposed
	}
	cur, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, model.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return &model.IllegalStateError{TaskID: id, From: cur.Status, To: model.StatusCancelled}
	}
	if cur.Options.Streaming {
		e.streams.Close(id, model.ErrCancelled)
	}

	e.dispatchMu.Lock()
	e.sched.Remove(id)
	t, err := e.registry.MarkCancelled(id, nil)
	e.dispatchMu.Unlock()
	if err != nil {
		return err
	}

	if cur.Status.Active() {
		if err := e.pool.Cancel(id); err != nil {
			e.logger.Debug("cancel signal not delivered", "task_id", id, "error", err)
		}
	}
	e.logger.Info("task cancelled", "task_id", id, "from", cur.Status)
	e.afterTerminal(t)
	return nil
}

// GetTaskStatus returns a snapshot of the task.
func (e *Engine) GetTaskStatus(id string) (*model.Task, bool) {
	return e.registry.Get(id)
}

// ListTasks returns snapshots of the tasks in the given statuses, or all
// tasks when none is given.
func (e *Engine) ListTasks(statuses ...model.Status) []*model.Task {
	return e.registry.List(statuses...)
}

// GetSystemStatus returns the controller state, the latest load snapshot and
// task counts.
func (e *Engine) GetSystemStatus() SystemStatus {
	counts := e.registry.Counts()
	st := SystemStatus{
		State:               e.controller.State(),
		RunningCount:        counts[model.StatusRunning],
		PausedCount:         counts[model.StatusPaused],
		QueuedCount:         counts[model.StatusQueued],
		AutoPaused:          e.controller.AutoPaused(),
		Pool:                e.pool.Stats(),
		TimeSliceMultiplier: e.sched.Multiplier(),
		OpenStreams:         e.streams.Active(),
		UpdateHistories:     e.updates.Len(),
		Disposed:            e.isDisposed(),
	}
	st.ActiveCount = st.RunningCount + st.PausedCount
	if snap, ok := e.monitor.Latest(); ok {
		st.Resources = &snap
	}
	return st
}

// ObserveLoad injects a load snapshot as if it had been sampled. The
// controller acts on it at its next optimization tick.
func (e *Engine) ObserveLoad(snap model.LoadSnapshot) {
	e.monitor.Observe(snap)
}

// OnStreamingUpdate subscribes to a streaming task's results. onClose is
// called once when the stream ends: with nil after the final result, or with
// the cause when the task fails, is cancelled or the engine is disposed. A
// subscriber to a stream that already ended gets onClose at once.
func (e *Engine) OnStreamingUpdate(id string, onResult stream.ResultFunc, onClose stream.CloseFunc) (func(), error) {
	if e.isDisposed() {
		return nil, model.ErrDisposed
	}
	t, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, model.ErrNotFound)
	}
	if !t.Options.Streaming {
		return nil, &model.ValidationError{Field: "options.streaming", Reason: fmt.Sprintf("task %s does not stream", id)}
	}

	if unsub, ok := e.streams.Subscribe(id, onResult, onClose); ok {
		return unsub, nil
	}
	if onClose != nil {
		onClose(e.streamEndCause(id))
	}
	return func() {}, nil
}

// streamEndCause is the error a stream that already ended was closed with.
// A stream is cut before its task is marked cancelled, so a task that is not
// terminal yet is being cancelled.
func (e *Engine) streamEndCause(id string) error {
	if e.isDisposed() {
		return model.ErrDisposed
	}
	t, ok := e.registry.Get(id)
	if !ok || !t.Status.Terminal() {
		return model.ErrCancelled
	}
	switch {
	case t.Status == model.StatusCompleted:
		return nil
	case t.Err != nil:
		return t.Err
	default:
		return model.ErrCancelled
	}
}

// OnProgress subscribes to the lifecycle events of a task. The subscription
// ends after the task's terminal event.
func (e *Engine) OnProgress(id string, fn ProgressFunc) (func(), error) {
	if e.isDisposed() {
		return nil, model.ErrDisposed
	}
	if _, ok := e.registry.Get(id); !ok {
		return nil, fmt.Errorf("progress %s: %w", id, model.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil, model.ErrDisposed
	}
	subID := e.nextSubID
	e.nextSubID++
	if e.progressSubs[id] == nil {
		e.progressSubs[id] = make(map[int]ProgressFunc)
	}
	e.progressSubs[id][subID] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.progressSubs[id], subID)
		if len(e.progressSubs[id]) == 0 {
			delete(e.progressSubs, id)
		}
	}, nil
}

// OnWarning subscribes to resource exhaustion warnings.
func (e *Engine) OnWarning(fn WarningFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return func() {}
	}
	subID := e.nextSubID
	e.nextSubID++
	e.warningSubs[subID] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.warningSubs, subID)
	}
}

func sortedFuncs[F any](m map[int]F) []F {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

// controlTarget is the engine surface the adaptive controller drives.
type controlTarget struct {
	e *Engine
}

var _ monitor.Target = controlTarget{}

func (c controlTarget) RunningTasks(p model.Priority) []string {
	var ids []string
	for _, t := range c.e.registry.List(model.StatusRunning) {
		if t.Priority == p {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (c controlTarget) AutoPause(id string) error {
	if c.e.isDisposed() {
		return model.ErrDisposed
	}
	if _, err := c.e.registry.MarkPaused(id, true); err != nil {
		return err
	}
	if err := c.e.pool.Pause(id); err != nil {
		c.e.logger.Debug("pause signal not delivered", "task_id", id, "error", err)
	}
	return nil
}

func (c controlTarget) AutoResume(id string) error {
	if c.e.isDisposed() {
		return model.ErrDisposed
	}
	t, ok := c.e.registry.Get(id)
	if !ok {
		return fmt.Errorf("auto-resume %s: %w", id, model.ErrNotFound)
	}
	if t.Status != model.StatusPaused || !t.AutoPaused {
		return &model.IllegalStateError{TaskID: id, From: t.Status, To: model.StatusRunning}
	}
	if _, err := c.e.registry.MarkResumed(id); err != nil {
		return err
	}
	if err := c.e.pool.Resume(id); err != nil {
		c.e.logger.Debug("resume signal not delivered", "task_id", id, "error", err)
	}
	return nil
}

func (c controlTarget) ScaleTimeSlice(factor float64) float64 {
	m := c.e.sched.ScaleTimeSlice(factor)
	timeSliceMultiplier.Set(m)
	return m
}
