package api

import (
	"net/http"

	"github.com/xinfuwcx/deepcad-rtengine/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats. Live counts cover
// the tasks the engine holds now; Journal covers everything recorded.
type statsResponse struct {
	Live    liveStats        `json:"live"`
	Journal *store.TaskStats `json:"journal,omitempty"`
}

type liveStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Paused  int `json:"paused"`
	Streams int `json:"open_streams"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st := s.engine.GetSystemStatus()
	resp := statsResponse{
		Live: liveStats{
			Queued:  st.QueuedCount,
			Running: st.RunningCount,
			Paused:  st.PausedCount,
			Streams: st.OpenStreams,
		},
	}

	if s.journal != nil {
		stats, err := s.journal.Stats(r.Context())
		if err != nil {
			s.logger.Error("get task stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Journal = stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}
