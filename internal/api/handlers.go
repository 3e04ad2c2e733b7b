package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"socwatch/internal/alerting"
	"socwatch/internal/middleware"
	"socwatch/internal/remediation"
	"socwatch/internal/schema"
)

// --- alerts ---

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	alerts := s.engine.Alerts(filter)
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func parseAlertFilter(r *http.Request) (alerting.Filter, error) {
	q := r.URL.Query()
	var f alerting.Filter

	if v := q.Get("state"); v != "" {
		state := alerting.State(v)
		switch state {
		case alerting.StateRaised, alerting.StateGracePeriodActive, alerting.StateAutoRemediated,
			alerting.StateManuallyRemediated, alerting.StateEscalated:
			f.State = state
		default:
			return f, fmt.Errorf("invalid request: unknown state %q", v)
		}
	}

	if v := q.Get("severity"); v != "" {
		severity, ok := schema.ParseSeverity(v)
		if !ok {
			return f, fmt.Errorf("invalid request: unknown severity %q", v)
		}
		f.Severity = severity
	}

	f.Category = q.Get("category")

	if v := q.Get("unpatched"); v != "" {
		unpatched, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid request: unpatched must be a boolean")
		}
		f.Unpatched = unpatched
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("invalid request: limit must be a non-negative integer")
		}
		f.Limit = limit
	}

	return f, nil
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Alert(r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Acknowledge(r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "alert": alert})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	alert, patch, err := s.engine.ManualPatch(r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "alert": alert, "patch": patch})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Escalate(r.Context(), r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := map[string]any{"success": true, "alert": alert}
	if c, ok := s.engine.Cases().ForAlert(alert.ID); ok {
		resp["case"] = c
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Ignore(r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "alert": alert})
}

// --- patches ---

// handleListPatches returns the patch history, optionally narrowed to one
// alert_id or event_id.
func (s *Server) handleListPatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var patches []remediation.Patch
	switch {
	case q.Get("alert_id") != "":
		patches = s.engine.Remediator().ForAlert(q.Get("alert_id"))
	case q.Get("event_id") != "":
		patches = s.engine.Remediator().ForEvent(q.Get("event_id"))
	default:
		patches = s.engine.Patches()
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"patches": patches,
		"count":   len(patches),
	})
}

func (s *Server) handlePatchStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.PatchStats())
}

// failRequest is the optional body of POST /v1/patches/{event_id}/fail.
type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFailPatch(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, http.StatusBadRequest, "invalid request: malformed JSON")
		return
	}
	if req.Reason == "" {
		req.Reason = "reported failed by analyst"
	}

	eventID := r.PathValue("event_id")
	if !s.engine.Remediator().MarkFailed(eventID, req.Reason) {
		respondError(w, r, http.StatusNotFound, "no patch for event")
		return
	}
	s.logger.Warn("patch marked failed", "event_id", eventID, "reason", req.Reason)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"patches": s.engine.Remediator().ForEvent(eventID),
	})
}

// --- blocking ---

func (s *Server) handleBlockedSources(w http.ResponseWriter, r *http.Request) {
	blocked := s.engine.BlockedSources()
	respondJSON(w, http.StatusOK, map[string]any{
		"blocked_sources": blocked,
		"count":           len(blocked),
	})
}

func (s *Server) handleBlockHistory(w http.ResponseWriter, r *http.Request) {
	history := s.engine.BlockHistory()
	respondJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (s *Server) handleBlockStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.BlockStats())
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if net.ParseIP(ip) == nil {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request: %q is not an IP address", ip))
		return
	}

	record, wasBlocked := s.engine.UnblockSource(ip)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"source":      ip,
		"was_blocked": wasBlocked,
		"record":      record,
	})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	attempts, err := s.engine.Attempts(ip)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"source":   ip,
		"blocked":  s.engine.IsBlocked(ip),
		"attempts": attempts,
	})
}

// --- correlation ---

func (s *Server) handleCorrelationStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.CorrelationStats())
}

// --- cases and admin ---

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	cases := s.engine.Cases().List()
	respondJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
		"count": len(cases),
	})
}

// resolveRequest is the optional body of POST /v1/cases/{id}/resolve.
type resolveRequest struct {
	Analyst string `json:"analyst"`
}

func (s *Server) handleResolveCase(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, http.StatusBadRequest, "invalid request: malformed JSON")
		return
	}
	if req.Analyst == "" {
		req.Analyst = "Security Analyst"
	}

	c, err := s.engine.Cases().Resolve(r.PathValue("id"), req.Analyst)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "case": c})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"engine":     s.engine.Stats(),
		"rate_limit": s.limiter.Stats(),
	}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	s.logger.Info("monitoring state reset", "request_id", middleware.RequestIDFrom(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": s.engine.Cleanup(),
	})
}
