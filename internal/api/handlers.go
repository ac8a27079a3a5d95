package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/sendlater/internal/apperr"
	"github.com/foxzi/sendlater/internal/metrics"
	"github.com/foxzi/sendlater/internal/schedule"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status           string          `json:"status"`
	Version          string          `json:"version"`
	Uptime           string          `json:"uptime"`
	SchedulerRunning bool            `json:"scheduler_running"`
	Messages         *schedule.Stats `json:"messages,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.scheduler != nil {
		resp.SchedulerRunning = s.scheduler.Status().Running
	}

	stats, err := s.messages.Stats(r.Context())
	if err != nil {
		s.logger.Error("health check failed to read store", "error", err)
		resp.Status = "degraded"
		sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Messages = stats

	sendJSON(w, http.StatusOK, resp)
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}

// writeError maps store and renderer errors to HTTP statuses
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		metrics.IncAPIErrors("validation")
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		metrics.IncAPIErrors("not_found")
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrConflict):
		metrics.IncAPIErrors("conflict")
		sendError(w, http.StatusConflict, err.Error())
	default:
		metrics.IncAPIErrors("internal")
		logger.Error("request failed", "error", err)
		sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeJSON reads the request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// sendTimeLayouts are the accepted send_time formats. Layouts without a zone
// are read in the server's local time.
var sendTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseSendTime parses an ISO-8601 timestamp into UTC
func parseSendTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, apperr.Validation("send_time is required")
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range sendTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, apperr.Validation("invalid send_time %q, expected ISO-8601", value)
}
