// Package scheduler orders pending tasks by priority and picks the next one
// whose dependencies are satisfied. It also owns the time-slice multiplier
// the adaptive controller turns up and down.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// Time-slice multiplier bounds.
const (
	MinMultiplier = 0.1
	MaxMultiplier = 2.0
)

// DefaultBaseTimeSlice is used when a task gives no TimeSliceHint.
const DefaultBaseTimeSlice = 50 * time.Millisecond

// Entry is a queued task reference. Seq records enqueue order.
type Entry struct {
	ID       string
	Priority model.Priority
	Seq      uint64
}

// before reports whether e sorts ahead of o: higher priority first, then
// earlier enqueue.
func (e Entry) before(o Entry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	return e.Seq < o.Seq
}

// Scheduler is the pending queue. It holds task IDs only; task state lives in
// the registry.
type Scheduler struct {
	mu         sync.Mutex
	queue      []Entry
	seq        uint64
	multiplier float64
	baseSlice  time.Duration
}

// New creates a scheduler. A non-positive baseSlice selects
// DefaultBaseTimeSlice.
func New(baseSlice time.Duration) *Scheduler {
	if baseSlice <= 0 {
		baseSlice = DefaultBaseTimeSlice
	}
	return &Scheduler{multiplier: 1.0, baseSlice: baseSlice}
}

// Enqueue inserts the task at its priority position, behind every task of the
// same priority already queued.
func (s *Scheduler) Enqueue(id string, p model.Priority) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := Entry{ID: id, Priority: p, Seq: s.seq}
	s.insertLocked(e)
	return e
}

// Requeue puts a previously dequeued entry back at its original position.
func (s *Scheduler) Requeue(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(e)
}

func (s *Scheduler) insertLocked(e Entry) {
	i := sort.Search(len(s.queue), func(i int) bool { return e.before(s.queue[i]) })
	s.queue = append(s.queue, Entry{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
}

// NextEligible scans from the head and removes the first entry for which
// ready returns true. A ready lower-priority task is returned ahead of a
// blocked higher-priority one. Nothing is returned when freeSlots <= 0.
func (s *Scheduler) NextEligible(freeSlots int, ready func(id string) bool) (Entry, bool) {
	if freeSlots <= 0 {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if !ready(e.ID) {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		return e, true
	}
	return Entry{}, false
}

// Remove drops the task from the queue. It reports whether it was queued.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Snapshot returns the queue in dispatch order.
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.queue...)
}

// Clear empties the queue and resets the multiplier.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.multiplier = 1.0
}

// AdjustTimeSlice sets the multiplier, clamped to [MinMultiplier,
// MaxMultiplier], and returns the value in effect.
func (s *Scheduler) AdjustTimeSlice(multiplier float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiplier = clamp(multiplier)
	return s.multiplier
}

// ScaleTimeSlice multiplies the current multiplier by factor, clamped.
func (s *Scheduler) ScaleTimeSlice(factor float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiplier = clamp(s.multiplier * factor)
	return s.multiplier
}

// Multiplier returns the current time-slice multiplier.
func (s *Scheduler) Multiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multiplier
}

// TimeSlice scales hint, or the base slice when hint is zero, by the current
// multiplier.
func (s *Scheduler) TimeSlice(hint time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hint <= 0 {
		hint = s.baseSlice
	}
	return time.Duration(float64(hint) * s.multiplier)
}

func clamp(m float64) float64 {
	if m != m { // NaN
		return 1.0
	}
	return min(max(m, MinMultiplier), MaxMultiplier)
}
