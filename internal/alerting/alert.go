// Package alerting owns the lifecycle of raised alerts: grace-period timers,
// automatic remediation on expiry, and analyst actions that cancel them.
package alerting

import (
	"errors"
	"time"

	"socwatch/internal/correlation"
	"socwatch/internal/schema"
)

var (
	// ErrAlertNotFound is returned for operations on an unknown alert ID.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlreadyResolved is returned when an action targets an alert that
	// has reached a terminal state.
	ErrAlreadyResolved = errors.New("alert already resolved")
	// ErrCaseNotFound is returned for operations on an unknown case ID.
	ErrCaseNotFound = errors.New("case not found")
)

// State is an alert's lifecycle state.
type State string

const (
	StateRaised             State = "raised"
	StateGracePeriodActive  State = "grace_period_active"
	StateAutoRemediated     State = "auto_remediated"
	StateManuallyRemediated State = "manually_remediated"
	StateEscalated          State = "escalated"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateAutoRemediated, StateManuallyRemediated, StateEscalated:
		return true
	}
	return false
}

const (
	PatchedByAutoPolicy = "Auto-Policy"
	PatchedByManual     = "Manual"
)

// Alert is a raised alert, either correlated or from a single event.
type Alert struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Severity       schema.Severity `json:"severity"`
	Category       string          `json:"category"`
	Message        string          `json:"message"`
	Source         string          `json:"source,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	State          State           `json:"state"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	Patched        bool            `json:"patched"`
	PatchedBy      string          `json:"patched_by,omitempty"`
	PatchedAt      *time.Time      `json:"patched_at,omitempty"`
	Ignored        bool            `json:"ignored,omitempty"`
	GraceDeadline  *time.Time      `json:"grace_deadline,omitempty"`
	Correlation    *Correlation    `json:"correlation,omitempty"`
}

// Correlation is the rule context attached to a correlated alert.
type Correlation struct {
	RuleID        string                 `json:"rule_id"`
	RuleName      string                 `json:"rule_name"`
	SourceID      string                 `json:"source_id"`
	EventCount    int                    `json:"event_count"`
	TimeWindow    string                 `json:"time_window"`
	RelatedEvents []correlation.EventRef `json:"related_events"`
}

// FromCorrelated builds an alert from a correlation engine result.
func FromCorrelated(c *correlation.CorrelatedAlert) *Alert {
	return &Alert{
		ID:        c.ID.String(),
		Timestamp: c.Timestamp,
		Severity:  c.Severity,
		Category:  c.Category,
		Message:   c.Message,
		Source:    c.Source,
		EventID:   c.TriggerEvent,
		Correlation: &Correlation{
			RuleID:        c.RuleID,
			RuleName:      c.RuleName,
			SourceID:      c.SourceID,
			EventCount:    c.EventCount,
			TimeWindow:    c.TimeWindow,
			RelatedEvents: c.RelatedEvents,
		},
	}
}

// FromEvent builds an alert for a single event.
func FromEvent(id string, e *schema.Event, now time.Time) *Alert {
	return &Alert{
		ID:        id,
		Timestamp: now,
		Severity:  e.Severity,
		Category:  e.Category,
		Message:   e.Message,
		Source:    e.Source(),
		EventID:   e.ID,
	}
}

func (a *Alert) clone() Alert {
	c := *a
	if a.Correlation != nil {
		corr := *a.Correlation
		corr.RelatedEvents = append([]correlation.EventRef(nil), a.Correlation.RelatedEvents...)
		c.Correlation = &corr
	}
	return c
}

// Filter selects alerts in List.
type Filter struct {
	State     State
	Severity  schema.Severity
	Category  string
	Unpatched bool
	Limit     int
}

func (f Filter) matches(a *Alert) bool {
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Unpatched && a.Patched {
		return false
	}
	return true
}
