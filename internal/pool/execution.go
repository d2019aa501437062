package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/backend"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// execution is one job on one unit. It implements backend.Session.
type execution struct {
	pool   *Pool
	unitID string
	job    backend.Job
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// Compile-time interface satisfaction check.
var _ backend.Session = (*execution)(nil)

func newExecution(p *Pool, unitID string, job backend.Job) *execution {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if job.Options.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(p.baseCtx, job.Options.MaxDuration)
	} else {
		ctx, cancel = context.WithCancel(p.baseCtx)
	}
	return &execution{pool: p, unitID: unitID, job: job, ctx: ctx, cancel: cancel}
}

func (ex *execution) timedOut() bool {
	return ex.job.Options.MaxDuration > 0 && errors.Is(ex.ctx.Err(), context.DeadlineExceeded)
}

func (ex *execution) setPaused(paused bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if paused == ex.paused {
		return
	}
	ex.paused = paused
	if paused {
		ex.resume = make(chan struct{})
		return
	}
	close(ex.resume)
	ex.resume = nil
}

// Progress implements backend.Session.
func (ex *execution) Progress(pct int, meta map[string]any) {
	ex.pool.emit(Event{Type: EventProgress, TaskID: ex.job.ID, UnitID: ex.unitID, Progress: pct, Meta: meta})
}

// Stream implements backend.Session.
func (ex *execution) Stream(data any, progress int) {
	if !ex.job.Options.Streaming {
		return
	}
	ex.pool.emit(Event{
		Type:     EventStreaming,
		TaskID:   ex.job.ID,
		UnitID:   ex.unitID,
		Progress: progress,
		Chunk:    model.Chunk{Data: data, Progress: progress},
	})
}

// Yield implements backend.Session. It blocks while paused.
func (ex *execution) Yield(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ex.ctx.Err(); err != nil {
			return err
		}

		ex.mu.Lock()
		resume := ex.resume
		ex.mu.Unlock()
		if resume == nil {
			return nil
		}

		select {
		case <-resume:
		case <-ctx.Done():
		case <-ex.ctx.Done():
		}
	}
}

// TimeSlice implements backend.Session.
func (ex *execution) TimeSlice() time.Duration {
	return ex.pool.slicer.TimeSlice(ex.job.Options.TimeSliceHint)
}
