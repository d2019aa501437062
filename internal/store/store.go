// Package store keeps an audit journal of task lifecycles and streamed
// results. The engine writes to it but never reads from it; it exists for
// operators and the HTTP history endpoints.
package store

import (
	"context"
	"errors"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// ErrNotFound is returned when a task is not in the journal.
var ErrNotFound = errors.New("task not found in journal")

// TaskStats holds aggregate journal statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	StreamResults int            `json:"stream_results"`
}

// ListFilter narrows ListTasks. An empty Status matches every status.
type ListFilter struct {
	Status model.Status
	Kind   model.Kind
	Limit  int
	Offset int
}

// Journal records task snapshots and streaming results.
type Journal interface {
	UpsertTask(ctx context.Context, t *model.Task) error
	InsertStreamResult(ctx context.Context, r model.StreamingResult) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]*model.Task, int, error)
	GetStreamResults(ctx context.Context, taskID string) ([]model.StreamingResult, error)
	Stats(ctx context.Context) (*TaskStats, error)
	Close() error
}
