package api

import (
	"errors"
	"io"
	"net/http"

	"socwatch/internal/correlation"
	"socwatch/internal/schema"
)

const maxRuleBody = 1 << 20

// ruleView is the JSON shape of a rule with a readable window.
type ruleView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type"`
	Enabled     bool            `json:"enabled"`
	Severity    schema.Severity `json:"severity"`
	Category    string          `json:"category"`
	Window      string          `json:"window"`
	Threshold   int             `json:"threshold"`
	Keywords    []string        `json:"keywords,omitempty"`
	Cooldown    string          `json:"cooldown,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

func viewRule(rule *correlation.Rule) ruleView {
	v := ruleView{
		ID:          rule.ID,
		Name:        rule.Name,
		Description: rule.Description,
		Type:        string(rule.Type),
		Enabled:     rule.Enabled,
		Severity:    rule.Severity,
		Category:    rule.Category,
		Window:      rule.Window.String(),
		Threshold:   rule.Threshold,
		Keywords:    rule.Keywords,
		Tags:        rule.Tags,
	}
	if rule.Cooldown > 0 {
		v.Cooldown = rule.Cooldown.String()
	}
	return v
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Correlator().Rules()
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, viewRule(rule))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": views,
		"count": len(views),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.engine.Correlator().Rule(r.PathValue("id"))
	if !ok {
		respondError(w, r, http.StatusNotFound, "rule not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rule": viewRule(rule)})
}

// handleCreateRule accepts one rule as YAML or JSON. Rules added here live
// until the next reload of the rules file.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRuleBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "rule body too large")
			return
		}
		respondError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	rule, err := correlation.ParseRule(body)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	correlator := s.engine.Correlator()
	if _, exists := correlator.Rule(rule.ID); exists {
		respondError(w, r, http.StatusConflict, "a rule with this ID already exists")
		return
	}
	if err := correlator.AddRule(rule); err != nil {
		if errors.Is(err, correlation.ErrDuplicateRuleName) {
			respondError(w, r, http.StatusConflict, "a rule with this name already exists")
			return
		}
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"rule":    viewRule(rule),
	})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.engine.Correlator().RemoveRule(id) {
		respondError(w, r, http.StatusNotFound, "rule not found")
		return
	}
	s.logger.Info("correlation rule removed", "rule_id", id)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "rule_id": id})
}
