package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"socwatch/internal/alerting"
	"socwatch/internal/blocking"
	"socwatch/internal/engine"
	apperrors "socwatch/internal/errors"
	"socwatch/internal/middleware"
	"socwatch/internal/queue"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": middleware.RequestIDFrom(r.Context()),
	}
	respondJSON(w, status, resp)
}

// respondErr maps a domain error to its status code and writes it.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, statusFor(err), apperrors.SafeErrorMessage(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound), errors.Is(err, alerting.ErrCaseNotFound),
		errors.Is(err, blocking.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
