// Package pool runs task payloads on a fixed set of execution units. Each
// unit is a goroutine that executes one job at a time and reports events back
// on a shared channel. A panicking backend takes down only its own unit, which
// the pool replaces.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/xinfuwcx/deepcad-rtengine/internal/backend"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/observability"
)

// eventBufferSize is the capacity of the shared event channel.
const eventBufferSize = 1024

// ErrClosed is returned by Assign after Shutdown.
var ErrClosed = errors.New("execution pool closed")

// EventType identifies an event reported by an execution unit.
type EventType string

// Event types, matching the unit protocol.
const (
	EventProgress  EventType = "progress"
	EventResult    EventType = "result"
	EventError     EventType = "error"
	EventStreaming EventType = "streaming"
)

// Event is a message from an execution unit. Result and Err are only set on
// the terminal result and error events.
type Event struct {
	Type     EventType
	TaskID   string
	UnitID   string
	Progress int
	Meta     map[string]any
	Chunk    model.Chunk
	Result   any
	Err      error
}

// TimeSlicer supplies the current time slice for a task hint.
type TimeSlicer interface {
	TimeSlice(hint time.Duration) time.Duration
}

// Stats is a snapshot of the slot table.
type Stats struct {
	Size     int `json:"size"`
	Busy     int `json:"busy"`
	Free     int `json:"free"`
	Restarts int `json:"restarts"`
}

type unit struct {
	id    string
	slot  int
	inbox chan *execution
	busy  bool
}

// Pool is a fixed-size set of execution units.
type Pool struct {
	mu       sync.Mutex
	units    []*unit
	running  map[string]*execution
	restarts int
	closed   bool

	backends *backend.Registry
	slicer   TimeSlicer
	logger   *slog.Logger
	events   chan Event
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pool with size units. A non-positive size selects
// runtime.NumCPU().
func New(size int, backends *backend.Registry, slicer TimeSlicer, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	ctx, stop := context.WithCancel(context.Background())
	p := &Pool{
		units:    make([]*unit, size),
		running:  make(map[string]*execution),
		backends: backends,
		slicer:   slicer,
		logger:   logger,
		events:   make(chan Event, eventBufferSize),
		baseCtx:  ctx,
		stop:     stop,
	}
	for i := range p.units {
		p.units[i] = p.startUnitLocked(i)
	}
	return p
}

// startUnitLocked creates the unit for a slot and starts its goroutine.
func (p *Pool) startUnitLocked(slot int) *unit {
	u := &unit{id: uuid.NewString(), slot: slot, inbox: make(chan *execution, 1)}
	p.wg.Go(func() { p.runUnit(u) })
	return u
}

// Events returns the channel on which units report progress, results, errors
// and streaming chunks.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Size returns the number of execution units.
func (p *Pool) Size() int {
	return len(p.units)
}

// Free returns the number of idle units.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked()
}

func (p *Pool) freeLocked() int {
	n := 0
	for _, u := range p.units {
		if !u.busy {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the slot table.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.freeLocked()
	return Stats{Size: len(p.units), Busy: len(p.units) - free, Free: free, Restarts: p.restarts}
}

// Assign sends the task to an idle unit. It returns model.ErrPoolExhausted
// when every unit is busy.
func (p *Pool) Assign(task *model.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, dup := p.running[task.ID]; dup {
		return fmt.Errorf("assign %s: already running", task.ID)
	}

	var free *unit
	for _, u := range p.units {
		if !u.busy {
			free = u
			break
		}
	}
	if free == nil {
		return fmt.Errorf("assign %s: %w", task.ID, model.ErrPoolExhausted)
	}

	ex := newExecution(p, free.id, backend.Job{
		ID:      task.ID,
		Kind:    task.Kind,
		Payload: task.Payload,
		Options: task.Options,
	})
	free.busy = true
	p.running[task.ID] = ex
	busyUnits.Inc()
	free.inbox <- ex
	return nil
}

// Pause asks the task to stop at its next time-slice boundary.
func (p *Pool) Pause(id string) error {
	ex, err := p.lookup(id)
	if err != nil {
		return err
	}
	ex.setPaused(true)
	return nil
}

// Resume lets a paused task continue with its next time slice.
func (p *Pool) Resume(id string) error {
	ex, err := p.lookup(id)
	if err != nil {
		return err
	}
	ex.setPaused(false)
	return nil
}

// Cancel signals the task to stop. Work already inside a slice is not
// interrupted unless the backend watches its context.
func (p *Pool) Cancel(id string) error {
	ex, err := p.lookup(id)
	if err != nil {
		return err
	}
	ex.cancel()
	return nil
}

func (p *Pool) lookup(id string) (*execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ex, ok := p.running[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return ex, nil
}

// Shutdown cancels every running task, stops all units and waits for them
// to exit or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stop()
	for _, u := range p.units {
		close(u.inbox)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown pool: %w", ctx.Err())
	}
}

func (p *Pool) runUnit(u *unit) {
	for ex := range u.inbox {
		if crashed := p.execute(ex); crashed {
			p.replace(u, ex)
			return
		}
		p.release(u, ex)
	}
}

// execute runs one job and reports its terminal event. It reports whether
// the backend panicked.
func (p *Pool) execute(ex *execution) (crashed bool) {
	start := time.Now()
	ctx, span := observability.StartSpan(ex.ctx, "pool.execute",
		attribute.String("task.id", ex.job.ID),
		attribute.String("task.kind", string(ex.job.Kind)),
		attribute.String("unit.id", ex.unitID),
	)
	defer span.End()

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		crashed = true
		cause := fmt.Errorf("panic: %v", rec)
		p.logger.Error("execution unit crashed", "task_id", ex.job.ID, "unit_id", ex.unitID, "panic", rec)
		span.SetStatus(codes.Error, cause.Error())
		executionDuration.WithLabelValues(string(ex.job.Kind), "crashed").Observe(time.Since(start).Seconds())
		p.emit(Event{
			Type:   EventError,
			TaskID: ex.job.ID,
			UnitID: ex.unitID,
			Err:    &model.ExecutionError{TaskID: ex.job.ID, UnitID: ex.unitID, Crashed: true, Cause: cause},
		})
	}()

	b, err := p.backends.Resolve(ex.job.Kind)
	if err != nil {
		p.emit(Event{Type: EventError, TaskID: ex.job.ID, UnitID: ex.unitID,
			Err: &model.ExecutionError{TaskID: ex.job.ID, UnitID: ex.unitID, Cause: err}})
		return false
	}

	result, err := b.Execute(ctx, ex.job, ex)
	outcome := "result"
	switch {
	case err == nil:
		p.emit(Event{Type: EventResult, TaskID: ex.job.ID, UnitID: ex.unitID, Result: result})
	case ex.timedOut():
		outcome = "timeout"
		p.emit(Event{Type: EventError, TaskID: ex.job.ID, UnitID: ex.unitID,
			Err: &model.TimeoutError{TaskID: ex.job.ID, After: ex.job.Options.MaxDuration}})
	case errors.Is(ex.ctx.Err(), context.Canceled):
		outcome = "cancelled"
		p.emit(Event{Type: EventError, TaskID: ex.job.ID, UnitID: ex.unitID, Err: context.Canceled})
	default:
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
		p.emit(Event{Type: EventError, TaskID: ex.job.ID, UnitID: ex.unitID,
			Err: &model.ExecutionError{TaskID: ex.job.ID, UnitID: ex.unitID, Cause: err}})
	}
	executionDuration.WithLabelValues(string(ex.job.Kind), outcome).Observe(time.Since(start).Seconds())
	return false
}

// release frees the unit after a job.
func (p *Pool) release(u *unit, ex *execution) {
	ex.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, ex.job.ID)
	u.busy = false
	busyUnits.Dec()
}

// replace swaps a crashed unit for a fresh one in the same slot.
func (p *Pool) replace(u *unit, ex *execution) {
	ex.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, ex.job.ID)
	busyUnits.Dec()
	p.restarts++
	unitRestarts.Inc()
	if p.closed {
		u.busy = false
		return
	}
	next := p.startUnitLocked(u.slot)
	p.units[u.slot] = next
	p.logger.Warn("execution unit replaced", "old_unit_id", u.id, "unit_id", next.id, "slot", u.slot)
}

// emit delivers an event unless the pool is shutting down.
func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.baseCtx.Done():
	}
}
