package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"socwatch/internal/engine"
	apperrors "socwatch/internal/errors"
	"socwatch/internal/metrics"
	"socwatch/internal/middleware"
	"socwatch/internal/queue"
	"socwatch/internal/schema"
)

// IngestRequest is the request body for event ingestion.
type IngestRequest struct {
	Events []schema.EventInput `json:"events"`
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	EventIDs  []string `json:"event_ids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// handleEvents handles POST /v1/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request: malformed JSON: %v", err))
		return
	}

	if len(req.Events) == 0 {
		respondError(w, r, http.StatusBadRequest, "no events provided")
		return
	}
	if len(req.Events) > s.maxBatch {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", s.maxBatch))
		return
	}

	var accepted, rejected int
	var ids, errs []string
	unavailable := false

	for i, input := range req.Events {
		event := input.Event()

		if err := s.engine.Submit(event); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, engine.ErrStopped) {
				unavailable = true
			}
			errs = append(errs, fmt.Sprintf("event[%d]: %s", i, apperrors.SafeErrorMessage(err)))
			continue
		}

		accepted++
		ids = append(ids, event.ID)
		metrics.EventsIngested.WithLabelValues("http").Inc()
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		EventIDs:  ids,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusOK
	switch {
	case accepted == 0 && unavailable:
		status = http.StatusServiceUnavailable
	case accepted == 0:
		status = http.StatusBadRequest
	case rejected > 0:
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, resp)
}
