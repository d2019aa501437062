package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine error onto its HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, model.ErrIllegalState):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrDisposed):
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
