package server

import (
	"net/http"
	"time"

	"github.com/teranos/docpipe/ai/tracker"
)

// defaultUsageWindow is the reporting window when ?since= is absent.
const defaultUsageWindow = 24 * time.Hour

// HandleUsage reports provider calls since ?since= (RFC 3339), broken down
// by model. It defaults to the last 24 hours.
func (s *Server) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if s.Usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}
	since := time.Now().Add(-defaultUsageWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	stats, err := s.Usage.GetUsageStats(r.Context(), since)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get usage stats")
		return
	}
	models, err := s.Usage.GetModelBreakdown(r.Context(), since)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get model breakdown")
		return
	}
	if models == nil {
		models = []tracker.ModelBreakdown{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":  since.UTC(),
		"stats":  stats,
		"models": models,
	})
}

// HandleJobUsage lists every provider attempt made for a job, fallbacks
// included.
func (s *Server) HandleJobUsage(w http.ResponseWriter, r *http.Request) {
	if s.Usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}
	id := r.PathValue("id")
	if _, err := s.Queue.GetJob(r.Context(), id); err != nil {
		handleError(w, s.requestLog(r), err, "failed to get job")
		return
	}
	attempts, err := s.Usage.GetEntityUsage(r.Context(), tracker.EntityJob, id)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get job usage")
		return
	}
	var cost float64
	tokens := 0
	for _, a := range attempts {
		if a.Cost != nil {
			cost += *a.Cost
		}
		if a.TokensUsed != nil {
			tokens += *a.TokensUsed
		}
	}
	if attempts == nil {
		attempts = []tracker.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      id,
		"attempts":    attempts,
		"total_cost":  cost,
		"total_tokens": tokens,
	})
}
