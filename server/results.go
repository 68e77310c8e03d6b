package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/docpipe/result"
)

// HandleListResults lists results, optionally only those awaiting review.
func (s *Server) HandleListResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := result.Filter{Limit: parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)}
	f.RequiresReview, _ = strconv.ParseBool(q.Get("requires_review"))
	if raw := q.Get("status"); raw != "" {
		st, ok := result.ParseValidationStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown validation status "+strconv.Quote(raw))
			return
		}
		f.Status = st
	}
	results, err := s.Results.List(r.Context(), f)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to list results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.Results.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get result")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reviewRequest struct {
	Status result.ValidationStatus `json:"status"`
	Notes  string                  `json:"notes,omitempty"`
}

// HandleReviewResult records the caller's review. The job is untouched.
func (s *Server) HandleReviewResult(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.Results.Review(r.Context(), r.PathValue("id"), identityOf(r).UserID, req.Status, req.Notes)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to review result")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type exportRequest struct {
	Format string `json:"format"`
}

func (s *Server) HandleExportResult(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.Results.MarkExported(r.Context(), r.PathValue("id"), identityOf(r).UserID, req.Format)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to mark result exported")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type feedbackRequest struct {
	Rating  int    `json:"rating,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// HandleResultFeedback appends the caller's rating or comment to the result.
func (s *Server) HandleResultFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Rating == 0 && req.Comment == "" {
		writeError(w, http.StatusBadRequest, "feedback needs a rating or a comment")
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	res, err := s.Results.AddFeedback(r.Context(), r.PathValue("id"), result.Feedback{
		By:      identityOf(r).UserID,
		Rating:  req.Rating,
		Comment: req.Comment,
	})
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to add feedback")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type integrationRequest struct {
	System string `json:"system"`
	Status string `json:"status"`
}

// HandleResultIntegration records where a result was handed off to.
func (s *Server) HandleResultIntegration(w http.ResponseWriter, r *http.Request) {
	var req integrationRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.System == "" {
		writeError(w, http.StatusBadRequest, "integration system is required")
		return
	}
	res, err := s.Results.MarkIntegrated(r.Context(), r.PathValue("id"), req.System, req.Status)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to record integration")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
