package api

import "net/http"

func (s *Server) handleGetSystem(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetSystemStatus())
}
