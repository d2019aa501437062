package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

// Task status constants.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether s holds an execution unit.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusQueued:    true,
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Priority orders tasks in the pending queue. Higher values dispatch first.
type Priority int

// Priority levels.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name. Matching is case-insensitive.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == want {
			return p, nil
		}
	}
	return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// Options tune how a task is executed and delivered.
type Options struct {
	MaxDuration   time.Duration `json:"max_duration,omitempty"`
	TimeSliceHint time.Duration `json:"time_slice_hint,omitempty"`
	Progressive   bool          `json:"progressive"`
	Streaming     bool          `json:"streaming"`
	DependsOn     []string      `json:"depends_on,omitempty"`
}

// TaskSpec is the caller-provided description of a task to submit.
type TaskSpec struct {
	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	Payload  Payload  `json:"payload"`
	Options  Options  `json:"options"`
}

// ProgressFailed is the progress value of a failed task.
const ProgressFailed = -1

// Task is the canonical record of a unit of schedulable work.
type Task struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Priority   Priority   `json:"priority"`
	Payload    Payload    `json:"payload"`
	Options    Options    `json:"options"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Err        error      `json:"-"`
	AutoPaused bool       `json:"auto_paused,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a copy of t that shares no mutable slices with the original.
func (t *Task) Clone() *Task {
	c := *t
	if t.Options.DependsOn != nil {
		c.Options.DependsOn = append([]string(nil), t.Options.DependsOn...)
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.EndedAt != nil {
		at := *t.EndedAt
		c.EndedAt = &at
	}
	return &c
}
