// Package stream fans ordered partial results out to per-task subscribers.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// ResultFunc receives streaming results in sequence order.
type ResultFunc func(model.StreamingResult)

// CloseFunc is called once when a stream ends. err is nil after a final
// result and non-nil when the stream was cut short.
type CloseFunc func(err error)

// Options configure a stream when it is opened.
type Options struct {
	// FinalProgress is the progress at which a chunk is marked final.
	// Zero means 100.
	FinalProgress int
}

type subscriber struct {
	onResult ResultFunc
	onClose  CloseFunc
}

// topic is the per-task stream state. deliverMu serializes deliveries so
// results reach subscribers in sequence order; mu guards the fields.
//
// Close never waits for deliverMu. A close that lands during a delivery is
// recorded in pending and its callbacks are run by the delivering goroutine
// once the in-flight callbacks return, so subscribers may cancel their own
// stream from inside a callback.
type topic struct {
	deliverMu sync.Mutex

	mu         sync.Mutex
	subs       map[int]subscriber
	nextID     int
	seq        int64
	opts       Options
	closed     bool
	delivering bool
	pending    *pendingClose
}

type pendingClose struct {
	subs []subscriber
	err  error
}

// Manager manages per-task streams. It is safe for concurrent use.
//
// A topic exists from OpenStream until the stream ends. Callers that need to
// tell a late subscriber how a stream ended must keep that outcome themselves.
type Manager struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *slog.Logger
}

// NewManager creates a stream manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

func (m *Manager) lookup(taskID string) (*topic, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[taskID]
	return t, ok
}

// remove drops t from the index if it is still the task's topic.
func (m *Manager) remove(taskID string, t *topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topics[taskID] == t {
		delete(m.topics, taskID)
	}
}

// OpenStream prepares the stream for a task. Opening a stream that is already
// open only replaces its options.
func (m *Manager) OpenStream(taskID string, opts Options) {
	m.mu.Lock()
	t, ok := m.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]subscriber)}
		m.topics[taskID] = t
	}
	m.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts = opts
}

// Subscribe registers callbacks for the task's stream and returns a function
// that removes them. It returns false, and registers nothing, when the task
// has no open stream.
func (m *Manager) Subscribe(taskID string, onResult ResultFunc, onClose CloseFunc) (func(), bool) {
	t, ok := m.lookup(taskID)
	if !ok {
		return func() {}, false
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return func() {}, false
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = subscriber{onResult: onResult, onClose: onClose}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}, true
}

// Deliver wraps the chunk as the next StreamingResult and hands it to every
// subscriber. It returns false when the task has no open stream. A final
// result ends the stream and drops its bookkeeping.
func (m *Manager) Deliver(taskID string, chunk model.Chunk) (model.StreamingResult, bool) {
	t, ok := m.lookup(taskID)
	if !ok {
		return model.StreamingResult{}, false
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return model.StreamingResult{}, false
	}
	final := t.opts.FinalProgress
	if final <= 0 {
		final = 100
	}
	t.seq++
	res := model.StreamingResult{
		TaskID:     taskID,
		SequenceID: t.seq,
		IsFinal:    chunk.Progress >= final,
		Data:       chunk.Data,
		Progress:   chunk.Progress,
		Timestamp:  time.Now().UTC(),
	}
	subs := sortedSubs(t.subs)
	if res.IsFinal {
		t.closed = true
		t.subs = make(map[int]subscriber)
	}
	t.delivering = true
	t.mu.Unlock()

	if res.IsFinal {
		m.remove(taskID, t)
	}

	for _, s := range subs {
		if !res.IsFinal && t.isClosed() {
			break
		}
		if s.onResult != nil {
			m.safeResult(taskID, s.onResult, res)
		}
	}

	t.mu.Lock()
	t.delivering = false
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	switch {
	case res.IsFinal:
		m.closeSubs(taskID, subs, nil)
	case pending != nil:
		m.closeSubs(taskID, pending.subs, pending.err)
	}
	return res, true
}

// Close ends the task's stream without a final result. Subscribers get
// onClose(err). Closing a stream that is not open does nothing.
func (m *Manager) Close(taskID string, err error) {
	t, ok := m.lookup(taskID)
	if !ok {
		return
	}
	m.remove(taskID, t)
	m.closeTopic(taskID, t, err)
}

// CloseAll ends every stream with err and forgets all topics.
func (m *Manager) CloseAll(err error) {
	m.mu.Lock()
	topics := m.topics
	m.topics = make(map[string]*topic)
	m.mu.Unlock()

	ids := make([]string, 0, len(topics))
	for id := range topics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m.closeTopic(id, topics[id], err)
	}
}

func (m *Manager) closeTopic(taskID string, t *topic, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := sortedSubs(t.subs)
	t.subs = make(map[int]subscriber)
	if t.delivering {
		t.pending = &pendingClose{subs: subs, err: err}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	m.closeSubs(taskID, subs, err)
}

func (m *Manager) closeSubs(taskID string, subs []subscriber, err error) {
	for _, s := range subs {
		if s.onClose != nil {
			m.safeClose(taskID, s.onClose, err)
		}
	}
}

// Active returns the number of open streams.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func (t *topic) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func sortedSubs(m map[int]subscriber) []subscriber {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]subscriber, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func (m *Manager) safeResult(taskID string, fn ResultFunc, res model.StreamingResult) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("stream subscriber panicked", "task_id", taskID, "sequence_id", res.SequenceID, "panic", rec)
		}
	}()
	fn(res)
}

func (m *Manager) safeClose(taskID string, fn CloseFunc, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("stream close callback panicked", "task_id", taskID, "panic", rec)
		}
	}()
	fn(err)
}
