package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

// CaseStatus is the status of an investigation case.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "Open"
	CaseResolved CaseStatus = "Resolved"
)

// CaseAction is one entry in a case's audit trail.
type CaseAction struct {
	Action    string    `json:"action"`
	Analyst   string    `json:"analyst"`
	Timestamp time.Time `json:"timestamp"`
}

// Case is an escalated alert under investigation.
type Case struct {
	ID        string          `json:"id"`
	AlertID   string          `json:"alert_id"`
	Timestamp time.Time       `json:"timestamp"`
	Category  string          `json:"category"`
	Severity  schema.Severity `json:"severity"`
	Message   string          `json:"message"`
	Source    string          `json:"source,omitempty"`
	Status    CaseStatus      `json:"status"`
	Actions   []CaseAction    `json:"actions"`
}

// CaseBook is an in-memory Escalator that opens a case per escalation.
type CaseBook struct {
	clock   clock.Clock
	mu      sync.RWMutex
	cases   map[string]*Case
	byAlert map[string]string
}

// NewCaseBook creates an empty CaseBook.
func NewCaseBook(clk clock.Clock) *CaseBook {
	return &CaseBook{
		clock:   clk,
		cases:   make(map[string]*Case),
		byAlert: make(map[string]string),
	}
}

// Escalate opens a case for alert. Escalating the same alert twice reuses
// its case and appends to the trail.
func (b *CaseBook) Escalate(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := b.clock.Now()
	action := CaseAction{Action: "Escalated", Analyst: "Security Analyst", Timestamp: now}

	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.byAlert[alert.ID]; ok {
		c := b.cases[id]
		c.Actions = append(c.Actions, action)
		return nil
	}

	c := &Case{
		ID:        "case-" + uuid.NewString(),
		AlertID:   alert.ID,
		Timestamp: now,
		Category:  alert.Category,
		Severity:  alert.Severity,
		Message:   alert.Message,
		Source:    alert.Source,
		Status:    CaseOpen,
		Actions:   []CaseAction{action},
	}
	b.cases[c.ID] = c
	b.byAlert[alert.ID] = c.ID
	return nil
}

// Resolve closes a case.
func (b *CaseBook) Resolve(caseID, analyst string) (Case, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cases[caseID]
	if !ok {
		return Case{}, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if c.Status != CaseResolved {
		c.Status = CaseResolved
		c.Actions = append(c.Actions, CaseAction{Action: "Resolved", Analyst: analyst, Timestamp: b.clock.Now()})
	}
	return c.copy(), nil
}

// Get returns a case by ID.
func (b *CaseBook) Get(caseID string) (Case, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.cases[caseID]
	if !ok {
		return Case{}, false
	}
	return c.copy(), true
}

// ForAlert returns the case opened for an alert.
func (b *CaseBook) ForAlert(alertID string) (Case, bool) {
	b.mu.RLock()
	id, ok := b.byAlert[alertID]
	b.mu.RUnlock()
	if !ok {
		return Case{}, false
	}
	return b.Get(id)
}

// List returns all cases, newest first.
func (b *CaseBook) List() []Case {
	b.mu.RLock()
	out := make([]Case, 0, len(b.cases))
	for _, c := range b.cases {
		out = append(out, c.copy())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (c *Case) copy() Case {
	cp := *c
	cp.Actions = append([]CaseAction(nil), c.Actions...)
	return cp
}
