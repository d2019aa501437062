package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
)

// streamQueue buffers results between the engine's delivery goroutine and
// the SSE writer so a slow client never blocks delivery.
type streamQueue struct {
	mu       sync.Mutex
	pending  []model.StreamingResult
	closed   bool
	closeErr error
	notify   chan struct{}
}

func newStreamQueue() *streamQueue {
	return &streamQueue{notify: make(chan struct{}, 1)}
}

func (q *streamQueue) push(r model.StreamingResult) {
	q.mu.Lock()
	q.pending = append(q.pending, r)
	q.mu.Unlock()
	q.wake()
}

func (q *streamQueue) close(err error) {
	q.mu.Lock()
	q.closed = true
	q.closeErr = err
	q.mu.Unlock()
	q.wake()
}

func (q *streamQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *streamQueue) drain() ([]model.StreamingResult, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out, q.closed, q.closeErr
}

func (s *Server) handleStreamResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q := newStreamQueue()
	unsub, err := s.engine.OnStreamingUpdate(id, q.push, q.close)
	if err != nil {
		s.writeEngineError(w, "subscribe to stream", err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	sseConnections.Inc()
	defer sseConnections.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case <-q.notify:
			results, closed, closeErr := q.drain()
			for _, res := range results {
				data, err := json.Marshal(res)
				if err != nil {
					s.logger.Error("encode stream result", "task_id", id, "error", err)
					continue
				}
				if err := writeSSEEvent(w, strconv.FormatInt(res.SequenceID, 10), "result", string(data)); err != nil {
					return // Write failed (e.g. client gone).
				}
			}
			if closed {
				if closeErr != nil {
					_ = writeSSEEvent(w, "", "error", closeErr.Error())
				} else {
					_ = writeSSEEvent(w, "", "done", "stream complete")
				}
			}
			if canFlush {
				flusher.Flush()
			}
			if closed {
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// streamHistoryResponse is the JSON response for GET /v1/tasks/:id/stream/history.
type streamHistoryResponse struct {
	TaskID  string                  `json:"task_id"`
	Results []model.StreamingResult `json:"results"`
}

func (s *Server) handleGetStreamHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.journal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal is disabled")
		return
	}

	if _, ok := s.engine.GetTaskStatus(id); !ok {
		_, err := s.journal.GetTask(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			s.logger.Error("get task for stream history", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get task")
			return
		}
	}

	results, err := s.journal.GetStreamResults(r.Context(), id)
	if err != nil {
		s.logger.Error("get stream results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stream results")
		return
	}
	if results == nil {
		results = []model.StreamingResult{}
	}

	s.writeJSON(w, http.StatusOK, streamHistoryResponse{
		TaskID:  id,
		Results: results,
	})
}

// writeSSEEvent writes a named SSE event. An empty id omits the id line.
func writeSSEEvent(w http.ResponseWriter, id, eventType, data string) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
