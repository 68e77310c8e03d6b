package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// maxBodyBytes caps decoded request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string   `json:"error"`
	Kind  string   `json:"kind,omitempty"`
	Hints []string `json:"hints,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// readJSON decodes the request body into v, answering 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps an error's marker to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrValidation), errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError answers with the status the error maps to. Server errors are
// logged with context and reported without internals.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	if status >= http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err, "details", errors.GetAllDetails(err))
		writeJSON(w, status, errorResponse{Error: context, Hints: errors.GetAllHints(err)})
		return
	}
	resp := errorResponse{Error: err.Error(), Hints: errors.GetAllHints(err)}
	if status == http.StatusBadRequest {
		resp.Kind = string(errors.KindOf(err))
	}
	writeJSON(w, status, resp)
}

// parseIntQueryParam reads an integer query parameter clamped to [min, max].
func parseIntQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
