// Package incremental keeps a bounded history of incremental updates and
// detects clusters of overlapping updates that are cheaper to recompute as a
// single batch. The history only feeds that heuristic; it is never the
// authoritative state of a task.
package incremental

import (
	"sort"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// Defaults.
const (
	DefaultHistorySize       = 100
	DefaultWindow            = 5 * time.Second
	DefaultCoalesceThreshold = 3
)

// Options configure a Processor.
type Options struct {
	HistorySize       int
	Window            time.Duration
	CoalesceThreshold int
}

// Entry is a recorded update together with the task that carries it.
type Entry struct {
	TaskID string
	Update model.IncrementalUpdate
}

// Hint is the outcome of Evaluate.
type Hint struct {
	Coalesce    bool
	Overlapping []Entry
}

// Processor records updates per task and looks for overlaps.
type Processor struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	histories map[string]*ring
	coalesced map[string]bool
}

// NewProcessor creates a processor, filling zero options with defaults.
func NewProcessor(opts Options) *Processor {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.CoalesceThreshold <= 0 {
		opts.CoalesceThreshold = DefaultCoalesceThreshold
	}
	return &Processor{
		opts:      opts,
		now:       time.Now,
		histories: make(map[string]*ring),
		coalesced: make(map[string]bool),
	}
}

// Window returns the configured recent window.
func (p *Processor) Window() time.Duration {
	return p.opts.Window
}

// RecordUpdate appends the update to the task's history, evicting the oldest
// entry once the history is full. A zero RecordedAt is stamped with the
// current time.
func (p *Processor) RecordUpdate(taskID string, u model.IncrementalUpdate) model.IncrementalUpdate {
	if u.RecordedAt.IsZero() {
		u.RecordedAt = p.now()
	}
	if u.ID == "" {
		u.ID = model.NewID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histories[taskID]
	if !ok {
		h = newRing(p.opts.HistorySize)
		p.histories[taskID] = h
	}
	if evicted, ok := h.push(Entry{TaskID: taskID, Update: u}); ok {
		delete(p.coalesced, evicted.Update.ID)
	}
	return u
}

// FindOverlapping returns recorded updates of the same kind whose region
// overlaps u and that were recorded within window of now, oldest first.
// Updates already folded into a batch are skipped.
func (p *Processor) FindOverlapping(u model.IncrementalUpdate, window time.Duration) []Entry {
	if window <= 0 {
		window = p.opts.Window
	}
	cutoff := p.now().Add(-window)

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Entry
	for _, h := range p.histories {
		h.each(func(e Entry) {
			switch {
			case e.Update.ID == u.ID:
			case p.coalesced[e.Update.ID]:
			case e.Update.Kind != u.Kind:
			case e.Update.RecordedAt.Before(cutoff):
			case !e.Update.AffectedRegion.Overlaps(u.AffectedRegion):
			default:
				out = append(out, e)
			}
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Update.RecordedAt.Before(out[j].Update.RecordedAt)
	})
	return out
}

// Evaluate looks for overlapping updates and hints to coalesce when the
// overlapping updates plus u reach the threshold.
func (p *Processor) Evaluate(u model.IncrementalUpdate, window time.Duration) Hint {
	overlapping := p.FindOverlapping(u, window)
	return Hint{
		Coalesce:    len(overlapping)+1 >= p.opts.CoalesceThreshold,
		Overlapping: overlapping,
	}
}

// MarkCoalesced excludes the updates from future overlap searches.
func (p *Processor) MarkCoalesced(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.coalesced[id] = true
	}
}

// History returns the task's recorded updates, oldest first.
func (p *Processor) History(taskID string) []model.IncrementalUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histories[taskID]
	if !ok {
		return nil
	}
	var out []model.IncrementalUpdate
	h.each(func(e Entry) { out = append(out, e.Update) })
	return out
}

// Forget drops the task's history.
func (p *Processor) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histories[taskID]; ok {
		h.each(func(e Entry) { delete(p.coalesced, e.Update.ID) })
		delete(p.histories, taskID)
	}
}

// Len returns the number of tasks with a recorded history.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.histories)
}

// Clear drops every history.
func (p *Processor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histories = make(map[string]*ring)
	p.coalesced = make(map[string]bool)
}
