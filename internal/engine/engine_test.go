package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/backend"
	"github.com/xinfuwcx/deepcad-rtengine/internal/engine"
	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/monitor"
	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
)

// scriptedBackend runs analysis jobs according to their mesh id. Jobs whose
// mesh has a gate loop in time slices until the gate is released; other
// kinds finish immediately.
type scriptedBackend struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	run   func(ctx context.Context, mesh string, sess backend.Session) (any, error)
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{gates: make(map[string]chan struct{})}
}

func (b *scriptedBackend) gate(mesh string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.gates[mesh]
	if !ok {
		g = make(chan struct{})
		b.gates[mesh] = g
	}
	return g
}

func (b *scriptedBackend) release(mesh string) {
	close(b.gate(mesh))
}

func (b *scriptedBackend) Execute(ctx context.Context, job backend.Job, sess backend.Session) (any, error) {
	p, ok := job.Payload.(model.AnalysisPayload)
	if !ok {
		return "ok", nil
	}
	if b.run != nil {
		return b.run(ctx, p.MeshID, sess)
	}
	return untilReleased(ctx, b.gate(p.MeshID), sess)
}

func (b *scriptedBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "scripted", Kinds: model.Kinds}
}

// untilReleased reports progress and yields until gate closes.
func untilReleased(ctx context.Context, gate <-chan struct{}, sess backend.Session) (any, error) {
	sess.Progress(10, nil)
	for {
		select {
		case <-gate:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
		if err := sess.Yield(ctx); err != nil {
			return nil, err
		}
	}
}

func newTestEngine(t *testing.T, poolSize int, b backend.Backend, opts ...engine.Option) *engine.Engine {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register("scripted", b)

	cfg := engine.DefaultOptions()
	cfg.PoolSize = poolSize
	cfg.TickInterval = 5 * time.Millisecond
	cfg.SampleInterval = time.Hour
	cfg.OptimizeInterval = 20 * time.Millisecond

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.New(cfg, reg, monitor.NewStaticSampler(model.LoadSnapshot{CPUUsage: 0.5, MemoryUsage: 0.5}), logger, opts...)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(eng.Dispose)
	return eng
}

func analysis(mesh string, p model.Priority, deps ...string) model.TaskSpec {
	return model.TaskSpec{
		Kind:     model.KindAnalysis,
		Priority: p,
		Payload:  model.AnalysisPayload{MeshID: mesh, Steps: 1},
		Options:  model.Options{DependsOn: deps},
	}
}

func submit(t *testing.T, eng *engine.Engine, spec model.TaskSpec) string {
	t.Helper()
	id, err := eng.SubmitTask(spec)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	return id
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForStatus polls the engine until the task reaches the expected status.
func waitForStatus(t *testing.T, eng *engine.Engine, id string, expected model.Status) *model.Task {
	t.Helper()
	var last *model.Task
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := eng.GetTaskStatus(id)
		if !ok {
			t.Fatalf("task %s not found", id)
		}
		if task.Status == expected {
			return task
		}
		last = task
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach %q, last status %q", id, expected, last.Status)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 2, b)

	id := submit(t, eng, analysis("a", model.PriorityNormal))
	if task, _ := eng.GetTaskStatus(id); task.Status != model.StatusQueued {
		t.Errorf("initial status = %q, want queued", task.Status)
	}

	waitForStatus(t, eng, id, model.StatusRunning)
	b.release("a")
	task := waitForStatus(t, eng, id, model.StatusCompleted)

	if task.Progress != 100 {
		t.Errorf("progress = %d, want 100", task.Progress)
	}
	if task.Result != "done" {
		t.Errorf("result = %v, want done", task.Result)
	}
	if task.StartedAt == nil || task.EndedAt == nil {
		t.Error("started_at and ended_at should be set")
	}
}

func TestSubmitValidation(t *testing.T) {
	eng := newTestEngine(t, 1, newScriptedBackend())

	tests := []struct {
		name string
		spec model.TaskSpec
	}{
		{"missing kind", model.TaskSpec{Payload: model.AnalysisPayload{MeshID: "m", Steps: 1}}},
		{"missing payload", model.TaskSpec{Kind: model.KindAnalysis}},
		{"bad priority", model.TaskSpec{Kind: model.KindAnalysis, Priority: 9, Payload: model.AnalysisPayload{MeshID: "m", Steps: 1}}},
		{"unknown dependency", analysis("m", model.PriorityLow, "missing")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.SubmitTask(tt.spec)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestAtMostPoolSizeRunning(t *testing.T) {
	b := newScriptedBackend()
	b.run = func(ctx context.Context, _ string, sess backend.Session) (any, error) {
		select {
		case <-time.After(15 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "ok", nil
	}
	eng := newTestEngine(t, 2, b)

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = submit(t, eng, analysis("m", model.PriorityNormal))
	}

	maxActive := 0
	waitFor(t, "all tasks to complete", func() bool {
		st := eng.GetSystemStatus()
		maxActive = max(maxActive, st.ActiveCount)
		for _, id := range ids {
			if task, _ := eng.GetTaskStatus(id); task.Status != model.StatusCompleted {
				return false
			}
		}
		return true
	})
	if maxActive > 2 {
		t.Errorf("observed %d active tasks, pool size is 2", maxActive)
	}
}

func TestDependencyDispatchedAfterItsDependency(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)

	a := submit(t, eng, analysis("a", model.PriorityNormal))
	bID := submit(t, eng, analysis("b", model.PriorityHigh, a))
	b.release("b")

	waitForStatus(t, eng, a, model.StatusRunning)
	time.Sleep(30 * time.Millisecond)
	if task, _ := eng.GetTaskStatus(bID); task.Status != model.StatusQueued {
		t.Fatalf("B status = %q while A runs, want queued", task.Status)
	}

	b.release("a")
	doneA := waitForStatus(t, eng, a, model.StatusCompleted)
	doneB := waitForStatus(t, eng, bID, model.StatusCompleted)
	if doneB.StartedAt.Before(*doneA.EndedAt) {
		t.Errorf("B started at %v before A ended at %v", doneB.StartedAt, doneA.EndedAt)
	}
}

func TestDependentFailsWhenDependencyFails(t *testing.T) {
	b := newScriptedBackend()
	b.run = func(context.Context, string, backend.Session) (any, error) {
		return nil, errors.New("solver diverged")
	}
	eng := newTestEngine(t, 1, b)

	a := submit(t, eng, analysis("a", model.PriorityNormal))
	dep := submit(t, eng, analysis("b", model.PriorityNormal, a))

	failedA := waitForStatus(t, eng, a, model.StatusFailed)
	if !errors.Is(failedA.Err, model.ErrExecution) || failedA.Progress != model.ProgressFailed {
		t.Errorf("A err = %v progress = %d", failedA.Err, failedA.Progress)
	}
	failedB := waitForStatus(t, eng, dep, model.StatusFailed)
	if !errors.Is(failedB.Err, model.ErrDependencyUnmet) {
		t.Errorf("B err = %v, want ErrDependencyUnmet", failedB.Err)
	}

	late := submit(t, eng, analysis("c", model.PriorityNormal, a))
	if task, _ := eng.GetTaskStatus(late); task.Status != model.StatusFailed {
		t.Errorf("task depending on a failed task = %q, want failed", task.Status)
	}
}

func TestLowPriorityTasksPausedUnderLoad(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 2, b)

	ids := []string{
		submit(t, eng, analysis("l1", model.PriorityLow)),
		submit(t, eng, analysis("l2", model.PriorityLow)),
		submit(t, eng, analysis("l3", model.PriorityLow)),
	}
	waitFor(t, "two running, one queued", func() bool {
		st := eng.GetSystemStatus()
		return st.RunningCount == 2 && st.QueuedCount == 1
	})
	queued := eng.ListTasks(model.StatusQueued)[0].ID
	before := eng.GetSystemStatus().TimeSliceMultiplier

	eng.ObserveLoad(model.LoadSnapshot{CPUUsage: 0.9, MemoryUsage: 0.5})
	waitFor(t, "running low tasks to pause", func() bool {
		return eng.GetSystemStatus().PausedCount == 2
	})
	for _, task := range eng.ListTasks(model.StatusPaused) {
		if !task.AutoPaused {
			t.Errorf("task %s paused but not marked auto-paused", task.ID)
		}
	}
	st := eng.GetSystemStatus()
	if st.State != monitor.StateDegraded {
		t.Errorf("state = %q, want degraded", st.State)
	}
	if st.TimeSliceMultiplier >= before {
		t.Errorf("multiplier = %v, want below %v", st.TimeSliceMultiplier, before)
	}

	time.Sleep(50 * time.Millisecond)
	if task, _ := eng.GetTaskStatus(queued); task.Status != model.StatusQueued {
		t.Fatalf("queued low task = %q under load, want queued", task.Status)
	}

	eng.ObserveLoad(model.LoadSnapshot{CPUUsage: 0.1, MemoryUsage: 0.1})
	waitFor(t, "paused tasks to resume", func() bool {
		st := eng.GetSystemStatus()
		return st.RunningCount == 2 && st.PausedCount == 0
	})

	for _, mesh := range []string{"l1", "l2", "l3"} {
		b.release(mesh)
	}
	for _, id := range ids {
		waitForStatus(t, eng, id, model.StatusCompleted)
	}
}

func TestCancelQueuedNeverRuns(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)

	blocker := submit(t, eng, analysis("blocker", model.PriorityNormal))
	waitForStatus(t, eng, blocker, model.StatusRunning)

	queued := submit(t, eng, analysis("queued", model.PriorityCritical))
	var (
		mu     sync.Mutex
		events []model.EventType
	)
	if _, err := eng.OnProgress(queued, func(ev model.TaskEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
	}); err != nil {
		t.Fatalf("OnProgress: %v", err)
	}

	if err := eng.CancelTask(queued); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	b.release("queued")
	b.release("blocker")
	waitForStatus(t, eng, blocker, model.StatusCompleted)
	time.Sleep(30 * time.Millisecond)

	task, _ := eng.GetTaskStatus(queued)
	if task.Status != model.StatusCancelled || task.StartedAt != nil {
		t.Errorf("cancelled task status = %q started_at = %v", task.Status, task.StartedAt)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		if ev == model.EventDispatched {
			t.Error("cancelled queued task was dispatched")
		}
	}

	if err := eng.CancelTask(queued); !errors.Is(err, model.ErrIllegalState) {
		t.Errorf("second cancel err = %v, want ErrIllegalState", err)
	}
}

func TestCancelRunningDropsLateReports(t *testing.T) {
	b := newScriptedBackend()
	b.run = func(ctx context.Context, _ string, sess backend.Session) (any, error) {
		sess.Progress(20, nil)
		<-ctx.Done()
		// Keep reporting as a unit that ignores the signal would.
		sess.Progress(95, nil)
		return "late", nil
	}
	eng := newTestEngine(t, 1, b)

	id := submit(t, eng, analysis("stubborn", model.PriorityNormal))
	waitFor(t, "progress 20", func() bool {
		task, _ := eng.GetTaskStatus(id)
		return task.Progress == 20
	})

	if err := eng.CancelTask(id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	waitFor(t, "unit to be released", func() bool {
		return eng.GetSystemStatus().Pool.Free == 1
	})
	time.Sleep(30 * time.Millisecond)

	task, _ := eng.GetTaskStatus(id)
	if task.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", task.Status)
	}
	if task.Progress != 20 || task.Result != nil {
		t.Errorf("late reports applied: progress = %d result = %v", task.Progress, task.Result)
	}
}

func TestMaxDurationCancelsWithTimeout(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)

	spec := analysis("slow", model.PriorityNormal)
	spec.Options.MaxDuration = 30 * time.Millisecond
	id := submit(t, eng, spec)

	task := waitForStatus(t, eng, id, model.StatusCancelled)
	if !errors.Is(task.Err, model.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", task.Err)
	}
}

func TestCrashedUnitFailsOnlyItsTask(t *testing.T) {
	b := newScriptedBackend()
	b.run = func(_ context.Context, mesh string, _ backend.Session) (any, error) {
		if mesh == "boom" {
			panic("segfault in solver")
		}
		return "fine", nil
	}
	eng := newTestEngine(t, 1, b)

	boom := submit(t, eng, analysis("boom", model.PriorityNormal))
	fine := submit(t, eng, analysis("fine", model.PriorityNormal))

	failed := waitForStatus(t, eng, boom, model.StatusFailed)
	var execErr *model.ExecutionError
	if !errors.As(failed.Err, &execErr) || !execErr.Crashed {
		t.Errorf("err = %v, want crashed ExecutionError", failed.Err)
	}
	waitForStatus(t, eng, fine, model.StatusCompleted)
	if restarts := eng.GetSystemStatus().Pool.Restarts; restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
}

func TestPauseAndResume(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)

	id := submit(t, eng, analysis("p", model.PriorityNormal))
	waitForStatus(t, eng, id, model.StatusRunning)

	if err := eng.PauseTask(id); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	if task, _ := eng.GetTaskStatus(id); task.Status != model.StatusPaused || task.AutoPaused {
		t.Errorf("status = %q auto = %v, want manual pause", task.Status, task.AutoPaused)
	}
	if err := eng.PauseTask(id); !errors.Is(err, model.ErrIllegalState) {
		t.Errorf("pause of paused task err = %v, want ErrIllegalState", err)
	}

	if err := eng.ResumeTask(id); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	b.release("p")
	waitForStatus(t, eng, id, model.StatusCompleted)
}

func TestStreamingComputation(t *testing.T) {
	b := newScriptedBackend()
	b.run = func(ctx context.Context, mesh string, sess backend.Session) (any, error) {
		<-b.gate(mesh)
		for i := 1; i <= 4; i++ {
			sess.Stream(i, i*25)
			if err := sess.Yield(ctx); err != nil {
				return nil, err
			}
		}
		return "final", nil
	}
	journal, err := store.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	eng := newTestEngine(t, 1, b, engine.WithJournal(journal))

	id, err := eng.StartStreamingComputation(model.KindAnalysis, model.AnalysisPayload{MeshID: "s", Steps: 4}, model.Options{})
	if err != nil {
		t.Fatalf("StartStreamingComputation: %v", err)
	}

	var (
		mu       sync.Mutex
		results  []model.StreamingResult
		closed   int
		closeErr error
	)
	if _, err := eng.OnStreamingUpdate(id, func(r model.StreamingResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		closed++
		closeErr = err
	}); err != nil {
		t.Fatalf("OnStreamingUpdate: %v", err)
	}

	b.release("s")
	waitForStatus(t, eng, id, model.StatusCompleted)
	waitFor(t, "stream to close", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if closeErr != nil {
		t.Errorf("close err = %v, want nil", closeErr)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for i, r := range results {
		if r.SequenceID != int64(i+1) {
			t.Errorf("result[%d].SequenceID = %d", i, r.SequenceID)
		}
		if r.IsFinal != (i == 3) {
			t.Errorf("result[%d].IsFinal = %v", i, r.IsFinal)
		}
	}

	waitFor(t, "journal to record the stream", func() bool {
		got, err := journal.GetStreamResults(context.Background(), id)
		return err == nil && len(got) == 4
	})
	waitFor(t, "journal to record completion", func() bool {
		task, err := journal.GetTask(context.Background(), id)
		return err == nil && task.Status == model.StatusCompleted
	})
}

func TestStreamingSubscriptionRequiresStreamingTask(t *testing.T) {
	eng := newTestEngine(t, 1, newScriptedBackend())
	id := submit(t, eng, analysis("x", model.PriorityNormal))

	if _, err := eng.OnStreamingUpdate(id, nil, nil); !errors.Is(err, model.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, err := eng.OnStreamingUpdate("missing", nil, nil); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOverlappingUpdatesAreCoalesced(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)

	base := submit(t, eng, analysis("base", model.PriorityNormal))
	waitForStatus(t, eng, base, model.StatusRunning)

	update := func(x float64) model.IncrementalUpdate {
		return model.IncrementalUpdate{
			Kind:           "excavation",
			AffectedRegion: model.Region{Center: model.Vec3{X: x}, Radius: 5},
		}
	}

	first, err := eng.ProcessIncrementalUpdate(update(0), base)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	second, err := eng.ProcessIncrementalUpdate(update(1), base)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	for _, id := range []string{first, second} {
		task, _ := eng.GetTaskStatus(id)
		if task.Kind != model.KindIncremental || task.Priority != model.PriorityHigh {
			t.Errorf("derived task kind = %q priority = %v", task.Kind, task.Priority)
		}
		if len(task.Options.DependsOn) != 1 || task.Options.DependsOn[0] != base {
			t.Errorf("derived task depends on %v, want [%s]", task.Options.DependsOn, base)
		}
	}

	batch, err := eng.ProcessIncrementalUpdate(update(2), base)
	if err != nil {
		t.Fatalf("third update: %v", err)
	}
	task, _ := eng.GetTaskStatus(batch)
	if task.Kind != model.KindBatchUpdate {
		t.Fatalf("third update kind = %q, want batch_update", task.Kind)
	}
	if p := task.Payload.(model.BatchUpdatePayload); len(p.Updates) != 3 {
		t.Errorf("batch carries %d updates, want 3", len(p.Updates))
	}
	for _, id := range []string{first, second} {
		if task, _ := eng.GetTaskStatus(id); task.Status != model.StatusCancelled {
			t.Errorf("superseded task %s = %q, want cancelled", id, task.Status)
		}
	}

	b.release("base")
	waitForStatus(t, eng, batch, model.StatusCompleted)
}

func TestProcessIncrementalUpdateValidation(t *testing.T) {
	eng := newTestEngine(t, 1, newScriptedBackend())

	_, err := eng.ProcessIncrementalUpdate(model.IncrementalUpdate{Kind: "k", AffectedRegion: model.Region{Radius: -1}}, "")
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	_, err = eng.ProcessIncrementalUpdate(model.IncrementalUpdate{Kind: "k", AffectedRegion: model.Region{Radius: 1e12}}, "")
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("unbounded radius err = %v, want ErrValidation", err)
	}
	if n := len(eng.ListTasks()); n != 0 {
		t.Errorf("rejected updates created %d tasks", n)
	}
	_, err = eng.ProcessIncrementalUpdate(model.IncrementalUpdate{Kind: "k", AffectedRegion: model.Region{Radius: 1}}, "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAdjustParameters(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)
	base := submit(t, eng, analysis("base", model.PriorityNormal))

	id, err := eng.AdjustParameters(base, map[string]any{"x": 1.0, "y": 2, "radius": 3.0})
	if err != nil {
		t.Fatalf("AdjustParameters: %v", err)
	}
	task, _ := eng.GetTaskStatus(id)
	p, ok := task.Payload.(model.IncrementalPayload)
	if !ok {
		t.Fatalf("payload = %T, want IncrementalPayload", task.Payload)
	}
	if p.Update.Kind != engine.UpdateKindParameterAdjustment || p.BaseTaskID != base {
		t.Errorf("update kind = %q base = %q", p.Update.Kind, p.BaseTaskID)
	}
	want := model.Region{Center: model.Vec3{X: 1, Y: 2}, Radius: 3}
	if p.Update.AffectedRegion != want {
		t.Errorf("region = %+v, want %+v", p.Update.AffectedRegion, want)
	}
	if len(p.Update.ChangedKeys) != 3 || p.Update.ChangedKeys[0] != "radius" {
		t.Errorf("changed keys = %v", p.Update.ChangedKeys)
	}

	id, err = eng.AdjustParameters(base, map[string]any{"stiffness": 2e7, "poisson": 0.3})
	if err != nil {
		t.Fatalf("AdjustParameters: %v", err)
	}
	task, _ = eng.GetTaskStatus(id)
	if r := task.Payload.(model.IncrementalPayload).Update.AffectedRegion.Radius; r != 20 {
		t.Errorf("default radius = %v, want 20", r)
	}

	if _, err := eng.AdjustParameters(base, nil); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty changes err = %v, want ErrValidation", err)
	}
	if _, err := eng.AdjustParameters("missing", map[string]any{"x": 1}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown task err = %v, want ErrNotFound", err)
	}
	b.release("base")
}

func TestResourceExhaustionWarning(t *testing.T) {
	eng := newTestEngine(t, 1, newScriptedBackend())

	warnings := make(chan model.ResourceExhaustionWarning, 8)
	eng.OnWarning(func(w model.ResourceExhaustionWarning) { warnings <- w })
	id := submit(t, eng, analysis("keep", model.PriorityNormal))

	eng.ObserveLoad(model.LoadSnapshot{CPUUsage: 0.5, MemoryUsage: 0.95})
	select {
	case w := <-warnings:
		if w.Resource != "memory" {
			t.Errorf("resource = %q, want memory", w.Resource)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no warning raised")
	}
	if task, _ := eng.GetTaskStatus(id); task.Status.Terminal() {
		t.Errorf("warning ended task: %q", task.Status)
	}
}

func TestDisposeMidRun(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 2, b)

	plain := submit(t, eng, analysis("a", model.PriorityNormal))
	streaming, err := eng.StartStreamingComputation(model.KindAnalysis, model.AnalysisPayload{MeshID: "b", Steps: 1}, model.Options{})
	if err != nil {
		t.Fatalf("StartStreamingComputation: %v", err)
	}
	queued := submit(t, eng, analysis("c", model.PriorityLow))

	var (
		mu       sync.Mutex
		events   int
		closeErr error
	)
	if _, err := eng.OnProgress(plain, func(model.TaskEvent) {
		mu.Lock()
		defer mu.Unlock()
		events++
	}); err != nil {
		t.Fatalf("OnProgress: %v", err)
	}
	if _, err := eng.OnStreamingUpdate(streaming, nil, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		closeErr = err
	}); err != nil {
		t.Fatalf("OnStreamingUpdate: %v", err)
	}
	waitForStatus(t, eng, plain, model.StatusRunning)
	waitForStatus(t, eng, streaming, model.StatusRunning)

	eng.Dispose()

	st := eng.GetSystemStatus()
	if st.ActiveCount != 0 || st.QueuedCount != 0 || !st.Disposed {
		t.Errorf("status after dispose = %+v", st)
	}
	if _, ok := eng.GetTaskStatus(queued); ok {
		t.Error("task records should be cleared")
	}

	mu.Lock()
	seen := events
	if !errors.Is(closeErr, model.ErrDisposed) {
		t.Errorf("stream close err = %v, want ErrDisposed", closeErr)
	}
	mu.Unlock()

	b.release("a")
	b.release("b")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if events != seen {
		t.Errorf("subscriber saw %d events after dispose", events-seen)
	}
	mu.Unlock()

	if _, err := eng.SubmitTask(analysis("d", model.PriorityNormal)); !errors.Is(err, model.ErrDisposed) {
		t.Errorf("submit after dispose err = %v, want ErrDisposed", err)
	}
	eng.Dispose()
}

// meshingOnly serves meshing tasks and nothing else.
type meshingOnly struct{ *scriptedBackend }

func (meshingOnly) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "meshing-only", Kinds: []model.Kind{model.KindMeshing}}
}

func TestSubmitRejectsKindWithoutBackend(t *testing.T) {
	eng := newTestEngine(t, 1, meshingOnly{newScriptedBackend()})

	_, err := eng.SubmitTask(analysis("a", model.PriorityNormal))
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Field != "kind" {
		t.Fatalf("err = %v, want ValidationError on kind", err)
	}
	if n := len(eng.ListTasks()); n != 0 {
		t.Errorf("rejected task was registered: %d tasks", n)
	}

	id := submit(t, eng, model.TaskSpec{
		Kind:     model.KindMeshing,
		Priority: model.PriorityNormal,
		Payload:  model.MeshingPayload{GeometryID: "g", TargetSize: 1, Steps: 1},
	})
	waitForStatus(t, eng, id, model.StatusCompleted)
}

func TestEndedStreamsAreReleased(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 2, b)

	var ids []string
	for i := 0; i < 20; i++ {
		id, err := eng.StartStreamingComputation(model.KindMeshing, model.MeshingPayload{GeometryID: "g", TargetSize: 1, Steps: 1}, model.Options{})
		if err != nil {
			t.Fatalf("StartStreamingComputation: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, eng, id, model.StatusCompleted)
	}
	waitFor(t, "streams to be released", func() bool {
		return eng.GetSystemStatus().OpenStreams == 0
	})

	closed := make(chan error, 1)
	if _, err := eng.OnStreamingUpdate(ids[0], func(model.StreamingResult) {
		t.Error("late subscriber received a result")
	}, func(err error) { closed <- err }); err != nil {
		t.Fatalf("OnStreamingUpdate: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("late close err = %v, want nil for a completed task", err)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber was not closed")
	}
}

func TestLateSubscriberToCancelledStream(t *testing.T) {
	eng := newTestEngine(t, 1, newScriptedBackend())

	id, err := eng.StartStreamingComputation(model.KindAnalysis, model.AnalysisPayload{MeshID: "held", Steps: 1}, model.Options{})
	if err != nil {
		t.Fatalf("StartStreamingComputation: %v", err)
	}
	waitForStatus(t, eng, id, model.StatusRunning)
	if err := eng.CancelTask(id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if n := eng.GetSystemStatus().OpenStreams; n != 0 {
		t.Errorf("OpenStreams = %d after cancel, want 0", n)
	}

	var closeErr error
	if _, err := eng.OnStreamingUpdate(id, nil, func(err error) { closeErr = err }); err != nil {
		t.Fatalf("OnStreamingUpdate: %v", err)
	}
	if !errors.Is(closeErr, model.ErrCancelled) {
		t.Errorf("late close err = %v, want ErrCancelled", closeErr)
	}
}

func TestUpdateHistoryReleasedWhenTasksEnd(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 2, b)

	const n = 10
	var bases, derived []string
	for i := 0; i < n; i++ {
		mesh := "base-" + strconv.Itoa(i)
		base := submit(t, eng, analysis(mesh, model.PriorityNormal))
		id, err := eng.ProcessIncrementalUpdate(model.IncrementalUpdate{
			Kind:           "excavation",
			AffectedRegion: model.Region{Center: model.Vec3{X: float64(i) * 100}, Radius: 1},
		}, base)
		if err != nil {
			t.Fatalf("ProcessIncrementalUpdate: %v", err)
		}
		bases = append(bases, mesh)
		derived = append(derived, id)
	}
	if got := eng.GetSystemStatus().UpdateHistories; got != n {
		t.Fatalf("UpdateHistories = %d while bases run, want %d", got, n)
	}

	for _, mesh := range bases {
		b.release(mesh)
	}
	for _, id := range derived {
		waitForStatus(t, eng, id, model.StatusCompleted)
	}
	waitFor(t, "histories to be released", func() bool {
		return eng.GetSystemStatus().UpdateHistories == 0
	})
}

func TestUpdateHistoryReleasedWhenBaseFails(t *testing.T) {
	b := newScriptedBackend()
	b.run = func(ctx context.Context, mesh string, sess backend.Session) (any, error) {
		if mesh == "doomed" {
			return nil, errors.New("solver diverged")
		}
		return untilReleased(ctx, b.gate(mesh), sess)
	}
	eng := newTestEngine(t, 1, b)

	base := submit(t, eng, analysis("doomed", model.PriorityNormal))
	id, err := eng.ProcessIncrementalUpdate(model.IncrementalUpdate{Kind: "excavation", AffectedRegion: model.Region{Radius: 1}}, base)
	if err != nil {
		t.Fatalf("ProcessIncrementalUpdate: %v", err)
	}

	waitForStatus(t, eng, id, model.StatusFailed)
	waitFor(t, "history to be released", func() bool {
		return eng.GetSystemStatus().UpdateHistories == 0
	})
}

func TestDisposeWaitsForRunningProgressCallback(t *testing.T) {
	b := newScriptedBackend()
	eng := newTestEngine(t, 1, b)

	id := submit(t, eng, analysis("slow", model.PriorityNormal))

	var (
		mu    sync.Mutex
		calls int
	)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	if _, err := eng.OnProgress(id, func(model.TaskEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		once.Do(func() {
			close(entered)
			<-unblock
		})
	}); err != nil {
		t.Fatalf("OnProgress: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("progress callback never ran")
	}

	disposed := make(chan struct{})
	go func() {
		eng.Dispose()
		close(disposed)
	}()

	select {
	case <-disposed:
		t.Fatal("Dispose returned while a progress callback was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(unblock)
	select {
	case <-disposed:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispose did not return")
	}

	mu.Lock()
	seen := calls
	mu.Unlock()
	b.release("slow")
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != seen {
		t.Errorf("callback ran %d times after Dispose returned", calls-seen)
	}
}
