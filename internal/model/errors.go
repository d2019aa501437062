package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrIllegalState    = errors.New("illegal state transition")
	ErrDependencyUnmet = errors.New("dependency unmet")
	ErrPoolExhausted   = errors.New("execution pool exhausted")
	ErrExecution       = errors.New("execution error")
	ErrTimeout         = errors.New("task timed out")
	ErrCancelled       = errors.New("task cancelled")
	ErrNotFound        = errors.New("task not found")
	ErrDisposed        = errors.New("engine disposed")
)

// ValidationError reports a malformed task spec.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IllegalStateError reports a lifecycle transition that is not allowed.
type IllegalStateError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("task %s: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// ExecutionError is a failure reported by an execution unit, or the crash of
// the unit itself.
type ExecutionError struct {
	TaskID  string
	UnitID  string
	Crashed bool
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Crashed {
		return fmt.Sprintf("task %s: execution unit %s crashed: %v", e.TaskID, e.UnitID, e.Cause)
	}
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// TimeoutError is reported when a task exceeds its MaxDuration.
type TimeoutError struct {
	TaskID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ResourceExhaustionWarning is an advisory event raised when system load
// crosses the critical threshold. It never cancels work.
type ResourceExhaustionWarning struct {
	Snapshot  LoadSnapshot
	Resource  string
	Threshold float64
}

func (w ResourceExhaustionWarning) String() string {
	return fmt.Sprintf("%s usage above %.2f", w.Resource, w.Threshold)
}
