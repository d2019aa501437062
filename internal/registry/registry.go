// Package registry owns the canonical task records. Every mutation goes
// through a single mutex, every transition is validated against the lifecycle
// table in package model, and every accepted transition is announced to
// observers in the order it happened.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// Observer receives lifecycle events. Observers run on the registry's
// notifier goroutine and may call back into the registry.
type Observer func(model.TaskEvent)

// Registry is the single source of truth for task state.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*model.Task
	logger *slog.Logger

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int

	queueMu sync.Mutex
	pending []model.TaskEvent
	wake    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

// New creates an empty registry and starts its notifier.
func New(logger *slog.Logger) *Registry {
	r := &Registry{
		tasks:     make(map[string]*model.Task),
		logger:    logger,
		observers: make(map[int]Observer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go r.notify()
	return r
}

// Close stops event delivery. Events not yet delivered are dropped. It does
// not wait for an observer that is already running, so it is safe to call
// from inside one.
func (r *Registry) Close() {
	r.closeMu.Do(func() { close(r.done) })
}

// Observe registers an observer and returns a function that removes it.
func (r *Registry) Observe(fn Observer) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	id := r.nextObsID
	r.nextObsID++
	r.observers[id] = fn
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

// Register validates spec and stores a new queued task.
func (r *Registry) Register(spec model.TaskSpec) (string, error) {
	return r.RegisterAs(model.NewID(), spec)
}

// RegisterAs is Register with an id chosen by the caller, for callers that
// must set up per-task state before the task becomes visible.
func (r *Registry) RegisterAs(id string, spec model.TaskSpec) (string, error) {
	if id == "" {
		return "", &model.ValidationError{Field: "id", Reason: "is required"}
	}
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; ok {
		return "", &model.ValidationError{Field: "id", Reason: fmt.Sprintf("task %q already exists", id)}
	}
	for _, dep := range spec.Options.DependsOn {
		if _, ok := r.tasks[dep]; !ok {
			return "", &model.ValidationError{Field: "options.depends_on", Reason: fmt.Sprintf("unknown task %q", dep)}
		}
	}

	t := &model.Task{
		ID:        id,
		Kind:      spec.Kind,
		Priority:  spec.Priority,
		Payload:   spec.Payload,
		Options:   spec.Options,
		Status:    model.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	t.Options.DependsOn = append([]string(nil), spec.Options.DependsOn...)
	r.tasks[id] = t
	r.emitLocked(model.EventSubmitted, t, nil)
	return id, nil
}

func validateSpec(spec model.TaskSpec) error {
	if spec.Kind == "" {
		return &model.ValidationError{Field: "kind", Reason: "is required"}
	}
	if spec.Payload == nil {
		return &model.ValidationError{Field: "payload", Reason: "is required"}
	}
	if spec.Payload.Kind() != spec.Kind {
		return &model.ValidationError{Field: "payload", Reason: fmt.Sprintf("payload kind %q does not match task kind %q", spec.Payload.Kind(), spec.Kind)}
	}
	if !spec.Priority.Valid() {
		return &model.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", int(spec.Priority))}
	}
	if spec.Options.MaxDuration < 0 {
		return &model.ValidationError{Field: "options.max_duration", Reason: "must not be negative"}
	}
	if spec.Options.TimeSliceHint < 0 {
		return &model.ValidationError{Field: "options.time_slice_hint", Reason: "must not be negative"}
	}
	seen := make(map[string]bool, len(spec.Options.DependsOn))
	for _, dep := range spec.Options.DependsOn {
		if dep == "" || seen[dep] {
			return &model.ValidationError{Field: "options.depends_on", Reason: "must contain distinct task ids"}
		}
		seen[dep] = true
	}
	return spec.Payload.Validate()
}

// Get returns a snapshot of the task with the given ID.
func (r *Registry) Get(id string) (*model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// DependenciesMet reports whether every dependency of the task has completed.
func (r *Registry) DependenciesMet(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	for _, dep := range t.Options.DependsOn {
		d, ok := r.tasks[dep]
		if !ok || d.Status != model.StatusCompleted || d.Progress < 100 {
			return false
		}
	}
	return true
}

// Dependents returns the queued tasks that depend on id, sorted by ID.
func (r *Registry) Dependents(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		if t.Status != model.StatusQueued {
			continue
		}
		for _, dep := range t.Options.DependsOn {
			if dep == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// MarkDispatched moves a queued task to running.
func (r *Registry) MarkDispatched(id string) (*model.Task, error) {
	return r.transition(id, model.StatusRunning, model.EventDispatched, nil, func(t *model.Task, now time.Time) {
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	})
}

// MarkRequeued returns a running task to the queue, used when the pool could
// not accept it after all.
func (r *Registry) MarkRequeued(id string) (*model.Task, error) {
	return r.transition(id, model.StatusQueued, model.EventRequeued, nil, func(t *model.Task, _ time.Time) {
		t.StartedAt = nil
	})
}

// MarkProgress records progress for an active task. Values below the current
// progress are ignored so the sequence never decreases.
func (r *Registry) MarkProgress(id string, pct int, meta map[string]any) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("mark progress %s: %w", id, model.ErrNotFound)
	}
	if !t.Status.Active() {
		return nil, &model.IllegalStateError{TaskID: id, From: t.Status, To: t.Status}
	}
	pct = min(max(pct, 0), 100)
	if pct <= t.Progress {
		return t.Clone(), nil
	}
	t.Progress = pct
	r.emitLocked(model.EventProgress, t, meta)
	return t.Clone(), nil
}

// MarkPaused pauses a running task. auto marks the pause as made by the
// adaptive controller.
func (r *Registry) MarkPaused(id string, auto bool) (*model.Task, error) {
	return r.transition(id, model.StatusPaused, model.EventPaused, map[string]any{"auto": auto}, func(t *model.Task, _ time.Time) {
		t.AutoPaused = auto
	})
}

// MarkResumed resumes a paused task.
func (r *Registry) MarkResumed(id string) (*model.Task, error) {
	return r.transition(id, model.StatusRunning, model.EventResumed, nil, func(t *model.Task, _ time.Time) {
		t.AutoPaused = false
	})
}

// MarkCompleted stores the task result and sets progress to 100.
func (r *Registry) MarkCompleted(id string, result any) (*model.Task, error) {
	return r.transition(id, model.StatusCompleted, model.EventCompleted, nil, func(t *model.Task, now time.Time) {
		t.Progress = 100
		t.Result = result
		t.AutoPaused = false
		t.EndedAt = &now
	})
}

// MarkFailed stores the failure cause and sets progress to -1.
func (r *Registry) MarkFailed(id string, cause error) (*model.Task, error) {
	return r.transition(id, model.StatusFailed, model.EventFailed, nil, func(t *model.Task, now time.Time) {
		t.Progress = model.ProgressFailed
		t.Err = cause
		if cause != nil {
			t.Error = cause.Error()
		}
		t.AutoPaused = false
		t.EndedAt = &now
	})
}

// MarkCancelled cancels a task. cause is nil for an explicit cancellation
// and a TimeoutError when MaxDuration was exceeded.
func (r *Registry) MarkCancelled(id string, cause error) (*model.Task, error) {
	return r.transition(id, model.StatusCancelled, model.EventCancelled, nil, func(t *model.Task, now time.Time) {
		t.Err = cause
		if cause != nil {
			t.Error = cause.Error()
		}
		t.AutoPaused = false
		t.EndedAt = &now
	})
}

func (r *Registry) transition(id string, to model.Status, ev model.EventType, meta map[string]any, apply func(*model.Task, time.Time)) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("transition %s to %s: %w", id, to, model.ErrNotFound)
	}
	if !model.ValidTransition(t.Status, to) {
		return nil, &model.IllegalStateError{TaskID: id, From: t.Status, To: to}
	}
	t.Status = to
	apply(t, time.Now().UTC())
	r.emitLocked(ev, t, meta)
	return t.Clone(), nil
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts() map[model.Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[model.Status]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// List returns snapshots of the tasks in any of the given statuses, or of all
// tasks when none is given, ordered by creation time.
func (r *Registry) List(statuses ...model.Status) []*model.Task {
	want := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.Lock()
	out := make([]*model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if len(want) == 0 || want[t.Status] {
			out = append(out, t.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clear removes every task record and drops undelivered events.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*model.Task)

	r.queueMu.Lock()
	r.pending = nil
	r.queueMu.Unlock()
}

// emitLocked queues an event. The caller holds r.mu, which keeps events in
// transition order.
func (r *Registry) emitLocked(typ model.EventType, t *model.Task, meta map[string]any) {
	ev := model.TaskEvent{Type: typ, Task: t.Clone(), Meta: meta, At: time.Now().UTC()}

	r.queueMu.Lock()
	r.pending = append(r.pending, ev)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) notify() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		for {
			r.queueMu.Lock()
			batch := r.pending
			r.pending = nil
			r.queueMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-r.done:
					return
				default:
				}
				r.deliver(ev)
			}
		}
	}
}

func (r *Registry) deliver(ev model.TaskEvent) {
	r.obsMu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, r.observers[id])
	}
	r.obsMu.RUnlock()

	for _, fn := range observers {
		r.safeCall(fn, ev)
	}
}

func (r *Registry) safeCall(fn Observer, ev model.TaskEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task observer panicked", "task_id", ev.Task.ID, "event", ev.Type, "panic", rec)
		}
	}()
	fn(ev)
}
