package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xinfuwcx/deepcad-rtengine/internal/incremental"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/observability"
)

// UpdateKindParameterAdjustment is the update kind produced by
// AdjustParameters.
const UpdateKindParameterAdjustment = "parameter_adjustment"

// defaultRadiusPerKey sizes the affected region of a parameter change that
// names no radius.
const defaultRadiusPerKey = 10.0

// ProcessIncrementalUpdate records the update and submits a high priority
// task to recompute the affected region. When enough recent updates of the
// same kind overlap, they are folded into one batch_update task and their
// still-queued tasks are cancelled. The returned id is the task that will
// carry this update. baseTaskID may be empty.
func (e *Engine) ProcessIncrementalUpdate(u model.IncrementalUpdate, baseTaskID string) (string, error) {
	if e.isDisposed() {
		return "", model.ErrDisposed
	}
	if err := u.Validate(); err != nil {
		return "", err
	}
	if baseTaskID != "" {
		if _, ok := e.registry.Get(baseTaskID); !ok {
			return "", fmt.Errorf("base task %s: %w", baseTaskID, model.ErrNotFound)
		}
	}

	// The base task's history is kept while a derived task refers to it.
	e.retainHistory(baseTaskID)
	recorded := e.updates.RecordUpdate(baseTaskID, u)
	hint := e.updates.Evaluate(recorded, 0)
	if hint.Coalesce {
		id, err := e.coalesce(recorded, baseTaskID, hint.Overlapping)
		if err == nil {
			e.bindDerived(id, baseTaskID)
			incrementalUpdates.WithLabelValues("coalesced").Inc()
			return id, nil
		}
		e.logger.Warn("coalescing failed, submitting update alone", "update_id", recorded.ID, "error", err)
	}

	id, err := e.submitDerived(model.IncrementalPayload{BaseTaskID: baseTaskID, Update: recorded}, baseTaskID)
	if err != nil {
		e.releaseHistory(baseTaskID)
		return "", err
	}
	e.trackDerived(id, recorded.ID)
	e.bindDerived(id, baseTaskID)
	incrementalUpdates.WithLabelValues("single").Inc()
	return id, nil
}

// coalesce submits one batch task covering u and the overlapping updates,
// then cancels the superseded tasks that have not started yet.
func (e *Engine) coalesce(u model.IncrementalUpdate, baseTaskID string, overlapping []incremental.Entry) (string, error) {
	_, span := observability.StartSpan(context.Background(), "engine.coalesce",
		attribute.String("update.id", u.ID),
		attribute.String("update.kind", u.Kind),
		attribute.Int("update.overlapping", len(overlapping)),
	)
	defer span.End()

	batch := make([]model.IncrementalUpdate, 0, len(overlapping)+1)
	ids := make([]string, 0, len(overlapping)+1)
	for _, o := range overlapping {
		batch = append(batch, o.Update)
		ids = append(ids, o.Update.ID)
	}
	batch = append(batch, u)
	ids = append(ids, u.ID)

	id, err := e.submitDerived(model.BatchUpdatePayload{BaseTaskID: baseTaskID, Updates: batch}, baseTaskID)
	if err != nil {
		return "", err
	}

	superseded := e.supersede(ids, id)
	for _, tid := range superseded {
		t, ok := e.registry.Get(tid)
		if !ok || t.Status != model.StatusQueued {
			continue
		}
		if err := e.CancelTask(tid); err != nil {
			e.logger.Debug("superseded task not cancelled", "task_id", tid, "error", err)
		}
	}

	e.updates.MarkCoalesced(ids...)
	coalescedUpdates.Add(float64(len(ids)))
	e.logger.Info("updates coalesced", "task_id", id, "updates", len(ids), "superseded", len(superseded))
	return id, nil
}

// submitDerived submits a high priority recomputation task. It depends on the
// base task until the base has completed.
func (e *Engine) submitDerived(payload model.Payload, baseTaskID string) (string, error) {
	spec := model.TaskSpec{
		Kind:     payload.Kind(),
		Priority: model.PriorityHigh,
		Payload:  payload,
	}
	if baseTaskID != "" {
		if base, ok := e.registry.Get(baseTaskID); ok && base.Status != model.StatusCompleted {
			spec.Options.DependsOn = []string{baseTaskID}
		}
	}
	return e.SubmitTask(spec)
}

func (e *Engine) trackDerived(taskID string, updateIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, uid := range updateIDs {
		e.derivedTask[uid] = taskID
	}
	e.derivedByTask[taskID] = append(e.derivedByTask[taskID], updateIDs...)
}

// supersede points the updates at taskID and returns the distinct tasks that
// previously carried them.
func (e *Engine) supersede(updateIDs []string, taskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool)
	var prev []string
	for _, uid := range updateIDs {
		if old, ok := e.derivedTask[uid]; ok && old != taskID && !seen[old] {
			seen[old] = true
			prev = append(prev, old)
		}
		e.derivedTask[uid] = taskID
	}
	e.derivedByTask[taskID] = append(e.derivedByTask[taskID], updateIDs...)
	sort.Strings(prev)
	return prev
}

// forgetDerived drops the update mapping of a task that ended.
func (e *Engine) forgetDerived(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, uid := range e.derivedByTask[taskID] {
		if e.derivedTask[uid] == taskID {
			delete(e.derivedTask, uid)
		}
	}
	delete(e.derivedByTask, taskID)
}

func (e *Engine) retainHistory(baseTaskID string) {
	if baseTaskID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.historyRefs[baseTaskID]++
}

// bindDerived hands the history reference taken for baseTaskID to the derived
// task. A task that already ended gives it back at once.
func (e *Engine) bindDerived(taskID, baseTaskID string) {
	if baseTaskID == "" {
		return
	}
	e.mu.Lock()
	e.derivedBase[taskID] = baseTaskID
	e.mu.Unlock()

	if t, ok := e.registry.Get(taskID); ok && !t.Status.Terminal() {
		return
	}
	if base, ok := e.takeDerivedBase(taskID); ok {
		e.releaseHistory(base)
	}
}

func (e *Engine) takeDerivedBase(taskID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	base, ok := e.derivedBase[taskID]
	delete(e.derivedBase, taskID)
	return base, ok
}

func (e *Engine) releaseHistory(baseTaskID string) {
	if baseTaskID == "" {
		return
	}
	e.mu.Lock()
	e.historyRefs[baseTaskID]--
	n := e.historyRefs[baseTaskID]
	if n <= 0 {
		delete(e.historyRefs, baseTaskID)
	}
	e.mu.Unlock()
	if n <= 0 {
		e.forgetHistoryIfDone(baseTaskID)
	}
}

// forgetHistoryIfDone drops the update history of a base task that has ended
// and that no live derived task refers to. Updates without a base task share
// one bounded history that is kept.
func (e *Engine) forgetHistoryIfDone(baseTaskID string) {
	if baseTaskID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.historyRefs[baseTaskID] > 0 {
		return
	}
	if t, ok := e.registry.Get(baseTaskID); ok && !t.Status.Terminal() {
		return
	}
	e.updates.Forget(baseTaskID)
}

// AdjustParameters turns a parameter change on a task into an incremental
// update. The affected region is centred on the numeric x, y and z changes
// (the origin when absent) with the numeric radius change as its radius, or
// ten units per changed key when no radius is given.
func (e *Engine) AdjustParameters(taskID string, changes map[string]any) (string, error) {
	if e.isDisposed() {
		return "", model.ErrDisposed
	}
	if _, ok := e.registry.Get(taskID); !ok {
		return "", fmt.Errorf("adjust %s: %w", taskID, model.ErrNotFound)
	}
	if len(changes) == 0 {
		return "", &model.ValidationError{Field: "changes", Reason: "must not be empty"}
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	region := model.Region{Radius: defaultRadiusPerKey * float64(len(keys))}
	region.Center.X, _ = number(changes["x"])
	region.Center.Y, _ = number(changes["y"])
	region.Center.Z, _ = number(changes["z"])
	if r, ok := number(changes["radius"]); ok && r > 0 {
		region.Radius = r
	}

	payload := make(map[string]any, len(changes))
	for k, v := range changes {
		payload[k] = v
	}
	return e.ProcessIncrementalUpdate(model.IncrementalUpdate{
		Kind:           UpdateKindParameterAdjustment,
		AffectedRegion: region,
		ChangedKeys:    keys,
		Payload:        payload,
	}, taskID)
}

// number converts a JSON-ish numeric value to float64.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case interface{ Float64() (float64, error) }:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
