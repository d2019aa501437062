package model

import "time"

// Chunk is a raw partial output reported by an execution unit.
type Chunk struct {
	Data     any `json:"data"`
	Progress int `json:"progress"`
}

// StreamingResult is a partial output delivered to stream subscribers.
// SequenceID strictly increases per task and nothing follows a result with
// IsFinal set.
type StreamingResult struct {
	TaskID     string    `json:"task_id"`
	SequenceID int64     `json:"sequence_id"`
	IsFinal    bool      `json:"is_final"`
	Data       any       `json:"data"`
	Progress   int       `json:"progress"`
	Timestamp  time.Time `json:"timestamp"`
}

// LoadSnapshot is a point-in-time sample of system load. CPU, memory and GPU
// usage are ratios in [0, 1]; NetworkIO is bytes per second.
type LoadSnapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	GPUUsage    *float64  `json:"gpu_usage,omitempty"`
	NetworkIO   float64   `json:"network_io"`
	SampledAt   time.Time `json:"sampled_at"`
}

// EventType identifies a task lifecycle event.
type EventType string

// Lifecycle event types.
const (
	EventSubmitted  EventType = "submitted"
	EventDispatched EventType = "dispatched"
	EventProgress   EventType = "progress"
	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventRequeued   EventType = "requeued"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// TaskEvent is emitted by the registry on every task transition. Task is a
// snapshot taken at the time of the transition.
type TaskEvent struct {
	Type EventType      `json:"type"`
	Task *Task          `json:"task"`
	Meta map[string]any `json:"meta,omitempty"`
	At   time.Time      `json:"at"`
}
