// Package remediation decides whether individual events qualify for
// immediate automated remediation and keeps the shared patch history.
package remediation

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"socwatch/internal/clock"
	"socwatch/internal/queue"
	"socwatch/internal/schema"
)

// Status is the outcome recorded on a patch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Patch is a record of one remediation action.
type Patch struct {
	ID              uuid.UUID       `json:"id"`
	EventID         string          `json:"event_id,omitempty"`
	AlertID         string          `json:"alert_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Action          string          `json:"action"`
	Description     string          `json:"description"`
	Status          Status          `json:"status"`
	Automated       bool            `json:"automated"`
	PatchedBy       string          `json:"patched_by,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Category        string          `json:"category"`
	Severity        schema.Severity `json:"severity"`
	Error           string          `json:"error,omitempty"`
}

// Config configures the remediation engine.
type Config struct {
	HistorySize int
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

// DefaultConfig returns the default remediation configuration.
func DefaultConfig() Config {
	return Config{
		HistorySize: 100,
		MinLatency:  500 * time.Millisecond,
		MaxLatency:  2500 * time.Millisecond,
	}
}

// Engine matches events against the patch rule table and records patches.
type Engine struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	rules   map[string][]PatchRule
	history *queue.RingBuffer[*Patch]
	latency func() time.Duration

	// mu guards patch mutation and the pending set.
	mu      sync.Mutex
	pending map[uuid.UUID]clock.Timer
}

// NewEngine creates an engine with the default rule table.
func NewEngine(config Config, clk clock.Clock, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.MinLatency <= 0 {
		config.MinLatency = def.MinLatency
	}
	if config.MaxLatency < config.MinLatency {
		config.MaxLatency = config.MinLatency
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:  config,
		clock:   clk,
		logger:  logger,
		rules:   make(map[string][]PatchRule),
		history: queue.NewBoundedHistory[*Patch](config.HistorySize),
		pending: make(map[uuid.UUID]clock.Timer),
	}
	e.latency = func() time.Duration {
		return RandomDuration(e.config.MinLatency, e.config.MaxLatency)
	}
	for _, r := range DefaultRules() {
		e.AddRule(r)
	}
	return e
}

// RandomDuration returns a uniformly distributed duration in [min, max].
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

// SetLatencyFunc overrides the simulated execution latency source.
func (e *Engine) SetLatencyFunc(fn func() time.Duration) {
	e.latency = fn
}

// AddRule registers a patch rule. Rules are consulted in registration order.
// It is not safe to call once events are flowing.
func (e *Engine) AddRule(rule PatchRule) {
	e.rules[rule.Category] = append(e.rules[rule.Category], rule)
}

func (e *Engine) match(event *schema.Event) (PatchRule, bool) {
	if event == nil || !event.AutoPatchable || event.Severity != schema.SeverityLow {
		return PatchRule{}, false
	}
	for _, r := range e.rules[event.Category] {
		if r.Severity == event.Severity && r.Condition(event.Message) {
			return r, true
		}
	}
	return PatchRule{}, false
}

// IsEligible reports whether event is marked auto-patchable, is Low
// severity, and matches a rule for its category.
func (e *Engine) IsEligible(event *schema.Event) bool {
	_, ok := e.match(event)
	return ok
}

// Remediate records and returns a completed patch for an eligible event.
// The simulated execution time is attributed without waiting for it. An
// ineligible event returns nil and records nothing.
func (e *Engine) Remediate(event *schema.Event) *Patch {
	rule, ok := e.match(event)
	if !ok {
		return nil
	}
	return e.complete(rule, event, e.latency())
}

// Schedule remediates an eligible event after its simulated execution
// latency elapses, then calls done with the recorded patch. It never blocks
// and reports false, without side effects, for an ineligible event.
func (e *Engine) Schedule(event *schema.Event, done func(*Patch)) bool {
	rule, ok := e.match(event)
	if !ok {
		return false
	}

	latency := e.latency()
	key := uuid.New()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[key] = e.clock.AfterFunc(latency, func() {
		e.mu.Lock()
		_, live := e.pending[key]
		delete(e.pending, key)
		e.mu.Unlock()
		if !live {
			return
		}

		p := e.complete(rule, event, latency)
		if done != nil {
			done(p)
		}
	})
	return true
}

func (e *Engine) complete(rule PatchRule, event *schema.Event, latency time.Duration) *Patch {
	p := &Patch{
		ID:              uuid.New(),
		EventID:         event.ID,
		Timestamp:       e.clock.Now(),
		Action:          rule.Action,
		Description:     rule.Description,
		Status:          StatusCompleted,
		Automated:       true,
		ExecutionTimeMs: latency.Milliseconds(),
		Category:        event.Category,
		Severity:        event.Severity,
	}
	e.history.Push(p)

	e.logger.Info("auto-remediation completed",
		"patch_id", p.ID,
		"event_id", event.ID,
		"action", p.Action,
		"execution_ms", p.ExecutionTimeMs,
	)

	c := *p
	return &c
}

// Record appends an externally synthesized patch to the history.
func (e *Engine) Record(p Patch) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.clock.Now()
	}
	e.history.Push(&p)
}

// Pending returns the number of scheduled remediations not yet completed.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// History returns copies of the retained patches, oldest first.
func (e *Engine) History() []Patch {
	items := e.history.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Patch, len(items))
	for i, p := range items {
		out[i] = *p
	}
	return out
}

// ForAlert returns the retained patches that reference alertID.
func (e *Engine) ForAlert(alertID string) []Patch {
	var out []Patch
	for _, p := range e.History() {
		if p.AlertID == alertID {
			out = append(out, p)
		}
	}
	return out
}

// ForEvent returns the retained patches that reference eventID.
func (e *Engine) ForEvent(eventID string) []Patch {
	var out []Patch
	for _, p := range e.History() {
		if p.EventID == eventID {
			out = append(out, p)
		}
	}
	return out
}

// MarkFailed flips the first retained patch for eventID to failed. Analysts
// use it when a remediation did not take effect. It reports whether a patch
// was found.
func (e *Engine) MarkFailed(eventID, reason string) bool {
	items := e.history.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range items {
		if p.EventID == eventID {
			p.Status = StatusFailed
			p.Error = reason
			return true
		}
	}
	return false
}

// Stats summarizes the retained history.
type Stats struct {
	TotalPatches         int            `json:"total_patches"`
	SuccessfulPatches    int            `json:"successful_patches"`
	FailedPatches        int            `json:"failed_patches"`
	AutomatedPatches     int            `json:"automated_patches"`
	AverageExecutionTime int64          `json:"average_execution_time_ms"`
	CategoryBreakdown    map[string]int `json:"category_breakdown"`
}

// Stats returns counts, average execution time and per-category totals.
func (e *Engine) Stats() Stats {
	history := e.History()

	s := Stats{
		TotalPatches:      len(history),
		CategoryBreakdown: make(map[string]int),
	}

	var total int64
	for _, p := range history {
		switch p.Status {
		case StatusCompleted:
			s.SuccessfulPatches++
		case StatusFailed:
			s.FailedPatches++
		}
		if p.Automated {
			s.AutomatedPatches++
		}
		total += p.ExecutionTimeMs
		s.CategoryBreakdown[p.Category]++
	}

	if len(history) > 0 {
		s.AverageExecutionTime = (total + int64(len(history))/2) / int64(len(history))
	}
	return s
}

// Reset cancels scheduled remediations and clears the history.
func (e *Engine) Reset() {
	e.mu.Lock()
	for key, t := range e.pending {
		t.Stop()
		delete(e.pending, key)
	}
	e.mu.Unlock()

	e.history.Clear()
}
