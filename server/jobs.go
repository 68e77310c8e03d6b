package server

import (
	"net/http"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pipeline"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/template"
)

const (
	// Default and max limits for listing queries
	defaultListLimit = 50
	maxListLimit     = 200
)

type submitResponse struct {
	JobID  string          `json:"job_id"`
	Status async.JobStatus `json:"status"`
}

// HandleSubmitJob accepts a job and answers 202 without waiting for it.
func (s *Server) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if !readJSON(w, r, &req) {
		return
	}
	who := identityOf(r)
	if who.UserID != "" {
		req.UserID = who.UserID
	}
	if who.OrganizationID != "" {
		req.OrganizationID = who.OrganizationID
	}
	req.UserRoles = who.Roles

	job, err := s.Orchestrator.Submit(r.Context(), req)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

// HandleListJobs lists jobs, newest first.
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := async.Filter{
		OrganizationID: q.Get("organization_id"),
		UserID:         q.Get("user_id"),
		TemplateID:     q.Get("template_id"),
		Limit:          parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit),
		Offset:         parseIntQueryParam(r, "offset", 0, 0, 1<<30),
	}
	if org := identityOf(r).OrganizationID; org != "" {
		f.OrganizationID = org
	}
	if raw := q.Get("status"); raw != "" {
		statuses, err := async.ParseStatuses(raw)
		if err != nil {
			handleError(w, s.requestLog(r), err, "invalid status filter")
			return
		}
		f.Statuses = statuses
	}
	if raw := q.Get("processing_type"); raw != "" {
		pt, err := template.ParseProcessingType(raw)
		if err != nil {
			handleError(w, s.requestLog(r), err, "invalid processing type")
			return
		}
		f.ProcessingType = pt
	}

	jobs, err := s.Queue.ListJobs(r.Context(), f)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleStuckJobs lists PROCESSING jobs whose progress stopped moving.
func (s *Server) HandleStuckJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Queue.StuckJobs(r.Context(), s.cfg.StuckThreshold)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to list stuck jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":      jobs,
		"count":     len(jobs),
		"threshold": s.cfg.StuckThreshold.String(),
	})
}

func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Queue.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Orchestrator.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get job status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// HandleCancelJob cancels a job that has not started. The body is optional.
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 && !readJSON(w, r, &req) {
		return
	}
	job, err := s.Orchestrator.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to cancel job")
		return
	}
	s.requestLog(r).Infow("Job cancelled over API", logger.FieldJobID, job.ID)
	writeJSON(w, http.StatusOK, pipeline.StatusOf(job))
}

// HandleJobResult returns the result of a completed job.
func (s *Server) HandleJobResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.Queue.GetJob(r.Context(), id)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get job")
		return
	}
	if job.Status != async.JobStatusCompleted {
		handleError(w, s.requestLog(r),
			errors.NewConflictError("job %s is %s, results exist only for completed jobs", id, job.Status),
			"job has no result")
		return
	}
	res, err := s.Results.GetByJob(r.Context(), id)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get result")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleDeleteJob removes a terminal job.
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		handleError(w, s.requestLog(r), err, "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
