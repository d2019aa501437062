package api

import (
	"net/http"

	"github.com/xinfuwcx/deepcad-rtengine/internal/monitor"
)

type healthResponse struct {
	Status string        `json:"status"`
	Engine monitor.State `json:"engine,omitempty"`
}

// handleHealthz reports ok while the engine accepts work and 503 once it has
// been disposed.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.GetSystemStatus()
	if st.Disposed {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Engine: st.State})
}
