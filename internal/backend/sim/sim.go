// Package sim provides a simulated solver backend. It performs no physics;
// each task kind is modelled as a number of fixed-cost steps so that the
// scheduling, streaming and load-adaptation paths can be exercised end to end.
package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/backend"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// DefaultStepCost is the simulated duration of one solver step.
const DefaultStepCost = 20 * time.Millisecond

// incrementalStepsPerUnitRadius scales recomputation work with the size of the
// affected region.
const incrementalStepsPerUnitRadius = 0.5

// Backend simulates analysis, meshing, postprocessing and incremental
// recomputation passes.
type Backend struct {
	stepCost time.Duration
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// New creates a simulated backend. A non-positive stepCost selects
// DefaultStepCost.
func New(stepCost time.Duration) *Backend {
	if stepCost <= 0 {
		stepCost = DefaultStepCost
	}
	return &Backend{stepCost: stepCost}
}

// Capabilities reports every task kind; the simulator serves them all.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           "sim",
		Kinds:          append([]model.Kind(nil), model.Kinds...),
		MaxConcurrency: 0,
	}
}

// Execute runs the job step by step. Each time slice performs as many steps
// as fit in sess.TimeSlice(), at least one, then yields.
func (b *Backend) Execute(ctx context.Context, job backend.Job, sess backend.Session) (any, error) {
	steps, err := stepsFor(job.Payload)
	if err != nil {
		return nil, err
	}

	var residual float64
	done := 0
	for done < steps {
		perSlice := max(1, int(sess.TimeSlice()/b.stepCost))
		for i := 0; i < perSlice && done < steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.stepCost):
			}
			done++
			residual = math.Pow(10, -float64(done)/float64(steps)*6)
		}

		pct := done * 100 / steps
		sess.Progress(pct, map[string]any{"step": done, "steps": steps})
		sess.Stream(partialField(job, done, residual), pct)

		if done < steps {
			if err := sess.Yield(ctx); err != nil {
				return nil, err
			}
		}
	}

	return map[string]any{
		"kind":     string(job.Kind),
		"steps":    steps,
		"residual": residual,
	}, nil
}

func stepsFor(p model.Payload) (int, error) {
	switch v := p.(type) {
	case model.AnalysisPayload:
		return v.Steps, nil
	case model.MeshingPayload:
		return v.Steps, nil
	case model.PostprocessPayload:
		return v.Steps, nil
	case model.IncrementalPayload:
		return regionSteps(v.Update.AffectedRegion), nil
	case model.BatchUpdatePayload:
		return regionSteps(v.Region()), nil
	default:
		return 0, fmt.Errorf("unsupported payload %T", p)
	}
}

// regionSteps is the recomputation work for a region, capped like any other
// payload's step count.
func regionSteps(r model.Region) int {
	steps := math.Ceil(r.Radius * incrementalStepsPerUnitRadius)
	if !(steps < model.MaxSteps) {
		return model.MaxSteps
	}
	return max(1, int(steps))
}

func partialField(job backend.Job, step int, residual float64) map[string]any {
	return map[string]any{
		"task_id":  job.ID,
		"step":     step,
		"residual": residual,
	}
}
