package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
)

// submitTaskRequest is the JSON body for POST /v1/tasks and
// POST /v1/tasks/stream. Priority defaults to normal.
type submitTaskRequest struct {
	Kind     model.Kind      `json:"kind"`
	Priority *model.Priority `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Options  taskOptionsReq  `json:"options"`
}

type taskOptionsReq struct {
	MaxDurationMS   int64    `json:"max_duration_ms"`
	TimeSliceHintMS int64    `json:"time_slice_hint_ms"`
	Progressive     bool     `json:"progressive"`
	Streaming       bool     `json:"streaming"`
	DependsOn       []string `json:"depends_on"`
}

func (req submitTaskRequest) spec() (model.TaskSpec, error) {
	payload, err := model.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		return model.TaskSpec{}, err
	}
	spec := model.TaskSpec{
		Kind:     req.Kind,
		Priority: model.PriorityNormal,
		Payload:  payload,
		Options: model.Options{
			MaxDuration:   time.Duration(req.Options.MaxDurationMS) * time.Millisecond,
			TimeSliceHint: time.Duration(req.Options.TimeSliceHintMS) * time.Millisecond,
			Progressive:   req.Options.Progressive,
			Streaming:     req.Options.Streaming,
			DependsOn:     req.Options.DependsOn,
		},
	}
	if req.Priority != nil {
		spec.Priority = *req.Priority
	}
	return spec, nil
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// taskIDResponse is returned by operations that derive a new task.
type taskIDResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.writeEngineError(w, "submit task", err)
		return
	}

	id, err := s.engine.SubmitTask(spec)
	if err != nil {
		s.writeEngineError(w, "submit task", err)
		return
	}
	s.writeTask(w, http.StatusAccepted, id)
}

func (s *Server) handleStartStreaming(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.writeEngineError(w, "start streaming", err)
		return
	}

	id, err := s.engine.StartStreamingComputation(spec.Kind, spec.Payload, spec.Options)
	if err != nil {
		s.writeEngineError(w, "start streaming", err)
		return
	}
	s.writeTask(w, http.StatusAccepted, id)
}

// writeTask writes the current snapshot of a task the engine just accepted.
func (s *Server) writeTask(w http.ResponseWriter, status int, id string) {
	t, ok := s.engine.GetTaskStatus(id)
	if !ok {
		s.writeJSON(w, status, taskIDResponse{TaskID: id})
		return
	}
	s.writeJSON(w, status, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if t, ok := s.engine.GetTaskStatus(id); ok {
		s.writeJSON(w, http.StatusOK, t)
		return
	}
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	t, err := s.journal.GetTask(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	status := model.Status(r.URL.Query().Get("status"))
	kind := model.Kind(r.URL.Query().Get("kind"))

	var (
		tasks []*model.Task
		total int
	)
	if s.journal != nil {
		var err error
		tasks, total, err = s.journal.ListTasks(r.Context(), store.ListFilter{
			Status: status,
			Kind:   kind,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			s.logger.Error("list tasks", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}
	} else {
		tasks, total = s.liveTasks(status, kind, limit, offset)
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// liveTasks pages through the tasks the engine currently holds, newest first.
func (s *Server) liveTasks(status model.Status, kind model.Kind, limit, offset int) ([]*model.Task, int) {
	var all []*model.Task
	if status != "" {
		all = s.engine.ListTasks(status)
	} else {
		all = s.engine.ListTasks()
	}

	var matched []*model.Task
	for i := len(all) - 1; i >= 0; i-- {
		if kind == "" || all[i].Kind == kind {
			matched = append(matched, all[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total
	}
	return matched[offset:min(offset+limit, total)], total
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.PauseTask(id); err != nil {
		s.writeEngineError(w, "pause task", err)
		return
	}
	s.writeTask(w, http.StatusOK, id)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.ResumeTask(id); err != nil {
		s.writeEngineError(w, "resume task", err)
		return
	}
	s.writeTask(w, http.StatusOK, id)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CancelTask(id); err != nil {
		s.writeEngineError(w, "cancel task", err)
		return
	}
	s.writeTask(w, http.StatusOK, id)
}

func (s *Server) handleAdjustParameters(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var changes map[string]any
	if err := decodeBody(w, r, &changes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	derived, err := s.engine.AdjustParameters(id, changes)
	if err != nil {
		s.writeEngineError(w, "adjust parameters", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, taskIDResponse{TaskID: derived})
}
