package api

import (
	"net/http"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// processUpdateRequest is the JSON body for POST /v1/updates.
type processUpdateRequest struct {
	BaseTaskID string                  `json:"base_task_id"`
	Update     model.IncrementalUpdate `json:"update"`
}

func (s *Server) handleProcessUpdate(w http.ResponseWriter, r *http.Request) {
	var req processUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.engine.ProcessIncrementalUpdate(req.Update, req.BaseTaskID)
	if err != nil {
		s.writeEngineError(w, "process update", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, taskIDResponse{TaskID: id})
}
