package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	s, err := NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask() *model.Task {
	return &model.Task{
		ID:       model.NewID(),
		Kind:     model.KindAnalysis,
		Priority: model.PriorityHigh,
		Payload:  model.AnalysisPayload{MeshID: "mesh-1", Stage: "excavation", Steps: 10},
		Options: model.Options{
			MaxDuration: 5 * time.Second,
			Streaming:   true,
			DependsOn:   []string{"dep-1"},
		},
		Status:    model.StatusQueued,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestUpsertAndGetTask(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.Priority != model.PriorityHigh {
		t.Errorf("Priority = %v, want high", got.Priority)
	}
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	payload, ok := got.Payload.(model.AnalysisPayload)
	if !ok || payload.MeshID != "mesh-1" || payload.Steps != 10 {
		t.Errorf("Payload = %#v", got.Payload)
	}
	if got.Options.MaxDuration != 5*time.Second || !got.Options.Streaming {
		t.Errorf("Options = %+v", got.Options)
	}
	if len(got.Options.DependsOn) != 1 || got.Options.DependsOn[0] != "dep-1" {
		t.Errorf("DependsOn = %v", got.Options.DependsOn)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Error("queued task should have no start or end time")
	}
}

func TestUpsertTaskUpdatesLifecycle(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	started := time.Now().UTC()
	ended := started.Add(250 * time.Millisecond)
	task.Status = model.StatusCompleted
	task.Progress = 100
	task.Result = map[string]any{"residual": 0.5}
	task.StartedAt = &started
	task.EndedAt = &ended
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCompleted || got.Progress != 100 {
		t.Errorf("Status/Progress = %s/%d, want completed/100", got.Status, got.Progress)
	}
	result, ok := got.Result.(map[string]any)
	if !ok || result["residual"] != 0.5 {
		t.Errorf("Result = %#v", got.Result)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Fatal("StartedAt and EndedAt should be set")
	}
}

func TestUpsertTaskStoresError(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()
	task := makeTestTask()
	task.Status = model.StatusFailed
	task.Progress = model.ProgressFailed
	task.Error = "solver diverged"
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Error != "solver diverged" || got.Progress != model.ProgressFailed {
		t.Errorf("Error/Progress = %q/%d", got.Error, got.Progress)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestJournal(t)
	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestListTasksPaginationAndFilter(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		task := makeTestTask()
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			task.Status = model.StatusCompleted
		}
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask: %v", err)
		}
	}

	page, total, err := s.ListTasks(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total/len = %d/%d, want 5/2", total, len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("tasks should be ordered newest first")
	}

	done, total, err := s.ListTasks(ctx, ListFilter{Status: model.StatusCompleted})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 3 || len(done) != 3 {
		t.Errorf("completed total/len = %d/%d, want 3/3", total, len(done))
	}

	none, total, err := s.ListTasks(ctx, ListFilter{Kind: model.KindMeshing})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 || len(none) != 0 {
		t.Errorf("meshing total/len = %d/%d, want 0/0", total, len(none))
	}
}

func TestStreamResultsOrderedAndDeduplicated(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	for _, seq := range []int64{2, 1, 3, 2} {
		r := model.StreamingResult{
			TaskID:     "task-1",
			SequenceID: seq,
			IsFinal:    seq == 3,
			Data:       fmt.Sprintf("chunk-%d", seq),
			Progress:   int(seq) * 30,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.InsertStreamResult(ctx, r); err != nil {
			t.Fatalf("InsertStreamResult(%d): %v", seq, err)
		}
	}
	if err := s.InsertStreamResult(ctx, model.StreamingResult{TaskID: "task-2", SequenceID: 1, Timestamp: time.Now()}); err != nil {
		t.Fatalf("InsertStreamResult: %v", err)
	}

	got, err := s.GetStreamResults(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetStreamResults: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	for i, r := range got {
		if r.SequenceID != int64(i+1) {
			t.Errorf("result[%d].SequenceID = %d", i, r.SequenceID)
		}
	}
	if !got[2].IsFinal || got[2].Data != "chunk-3" {
		t.Errorf("last result = %+v", got[2])
	}
}

func TestStats(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	started := time.Now().UTC()
	for i, status := range []model.Status{model.StatusCompleted, model.StatusCompleted, model.StatusFailed} {
		task := makeTestTask()
		task.Status = status
		if status == model.StatusCompleted {
			ended := started.Add(time.Duration(i+1) * 100 * time.Millisecond)
			task.StartedAt = &started
			task.EndedAt = &ended
		}
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask: %v", err)
		}
	}
	if err := s.InsertStreamResult(ctx, model.StreamingResult{TaskID: "x", SequenceID: 1, Timestamp: time.Now()}); err != nil {
		t.Fatalf("InsertStreamResult: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus["completed"] != 2 || stats.CountByStatus["failed"] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByKind["analysis"] != 3 {
		t.Errorf("CountByKind = %v", stats.CountByKind)
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %v, want 150", stats.AvgDurationMS)
	}
	if stats.StreamResults != 1 {
		t.Errorf("StreamResults = %d, want 1", stats.StreamResults)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := newTestJournal(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s1, err := NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	task := makeTestTask()
	if err := s1.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetTask(context.Background(), task.ID); err != nil {
		t.Errorf("task lost across reopen: %v", err)
	}
}
