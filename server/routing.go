package server

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/version"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)

	mux.HandleFunc("POST /api/jobs", s.HandleSubmitJob)             // Submit a job
	mux.HandleFunc("GET /api/jobs", s.HandleListJobs)               // List jobs (?status=&processing_type=&limit=)
	mux.HandleFunc("GET /api/jobs/stuck", s.HandleStuckJobs)        // PROCESSING jobs without recent progress
	mux.HandleFunc("GET /api/jobs/{id}", s.HandleGetJob)            // Full job record
	mux.HandleFunc("GET /api/jobs/{id}/status", s.HandleJobStatus)  // Progress and step log
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.HandleCancelJob) // Cancel before it runs
	mux.HandleFunc("GET /api/jobs/{id}/result", s.HandleJobResult)  // Result of a completed job
	mux.HandleFunc("GET /api/jobs/{id}/watch", s.HandleWatchJob)    // WebSocket stream of job snapshots
	mux.HandleFunc("GET /api/jobs/{id}/usage", s.HandleJobUsage)    // Provider attempts and their cost
	mux.HandleFunc("DELETE /api/jobs/{id}", s.HandleDeleteJob)      // Remove a terminal job

	mux.HandleFunc("POST /api/templates", s.HandleCreateTemplate)
	mux.HandleFunc("GET /api/templates", s.HandleListTemplates) // ?processing_type=&include_inactive=
	mux.HandleFunc("GET /api/templates/{id}", s.HandleGetTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", s.HandleUpdateTemplate) // Versioned update
	mux.HandleFunc("DELETE /api/templates/{id}", s.HandleDeactivateTemplate)

	mux.HandleFunc("POST /api/knowledge", s.HandleCreateKnowledge)
	mux.HandleFunc("GET /api/knowledge", s.HandleSearchKnowledge) // ?q=&type=&limit=&semantic=
	mux.HandleFunc("GET /api/knowledge/{id}", s.HandleGetKnowledge)
	mux.HandleFunc("PUT /api/knowledge/{id}", s.HandleUpdateKnowledge) // New version of the chain
	mux.HandleFunc("GET /api/knowledge/{id}/versions", s.HandleKnowledgeVersions)
	mux.HandleFunc("POST /api/knowledge/{id}/verify", s.HandleVerifyKnowledge)
	mux.HandleFunc("DELETE /api/knowledge/{id}", s.HandleDeactivateKnowledge)

	mux.HandleFunc("GET /api/results", s.HandleListResults) // ?requires_review=&status=
	mux.HandleFunc("GET /api/results/{id}", s.HandleGetResult)
	mux.HandleFunc("POST /api/results/{id}/review", s.HandleReviewResult)
	mux.HandleFunc("POST /api/results/{id}/export", s.HandleExportResult)
	mux.HandleFunc("POST /api/results/{id}/feedback", s.HandleResultFeedback)
	mux.HandleFunc("POST /api/results/{id}/integration", s.HandleResultIntegration)

	mux.HandleFunc("GET /api/providers", s.HandleProviders)           // Adapters, models, capabilities
	mux.HandleFunc("GET /api/providers/recommend", s.HandleRecommend) // ?task=&context_length=&budget=...
	mux.HandleFunc("GET /api/pulse/metrics", s.HandlePulseMetrics)    // Queue, workers, budget, rate window
	mux.HandleFunc("PUT /api/pulse/budget", s.HandleUpdateBudget)     // Change spend caps at runtime
	mux.HandleFunc("GET /api/usage", s.HandleUsage)                   // Provider spend since ?since=

	return s.logRequests(s.corsMiddleware(mux))
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+
			HeaderUserID+", "+HeaderUserRoles+", "+HeaderOrganizationID+", "+HeaderRequestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// logRequests tags the request context with a request ID and the caller
// identity, echoing the ID back in X-Request-ID.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		caller := identityOf(r)
		ctx := logger.WithRequestID(r.Context(), requestID)
		ctx = logger.WithCaller(ctx, caller.UserID, caller.OrganizationID)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.requestLog(r).Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr)
	})
}

// requestLog is the server logger carrying the request's ID and caller.
func (s *Server) requestLog(r *http.Request) *zap.SugaredLogger {
	return logger.FromContext(r.Context(), s.logger)
}

// HandleHealth reports liveness and the build version.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.CommitHash,
		"release": info.IsRelease(),
	})
}
