package backend

import (
	"context"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// Backend is the interface every execution backend must implement. A backend
// runs one task payload at a time per execution unit and reports progress and
// partial results through the Session.
type Backend interface {
	// Execute runs the job and returns its final result. The context is
	// cancelled when the task is cancelled or exceeds its MaxDuration.
	Execute(ctx context.Context, job Job, sess Session) (any, error)

	// Capabilities reports which task kinds this backend serves.
	Capabilities() Capabilities
}

// Job is the message sent to an execution unit.
type Job struct {
	ID      string        `json:"id"`
	Kind    model.Kind    `json:"kind"`
	Payload model.Payload `json:"payload"`
	Options model.Options `json:"options"`
}

// Session is the channel back from a running job to the engine.
type Session interface {
	// Progress reports completion in percent with optional metadata.
	Progress(pct int, meta map[string]any)

	// Stream emits a partial result. It is a no-op unless the task was
	// submitted with streaming enabled.
	Stream(data any, progress int)

	// Yield ends the current time slice. It blocks while the task is paused
	// and returns the context error once the task is cancelled.
	Yield(ctx context.Context) error

	// TimeSlice is the amount of work the backend should do before the next
	// Yield.
	TimeSlice() time.Duration
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string       `json:"name"`
	Kinds          []model.Kind `json:"kinds"`
	MaxConcurrency int          `json:"max_concurrency"`
}

// Supports reports whether the backend serves the given kind.
func (c Capabilities) Supports(kind model.Kind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
