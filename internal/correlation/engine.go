package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"socwatch/internal/activity"
	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

// ErrDuplicateRuleName is returned when two rules with different IDs share a
// name. Cooldowns are keyed by rule name, so such rules would suppress each
// other.
var ErrDuplicateRuleName = errors.New("duplicate rule name")

// AlertSource identifies alerts produced by the engine.
const AlertSource = "correlation-engine"

// CorrelatedAlert is emitted when a rule fires for a source.
type CorrelatedAlert struct {
	ID            uuid.UUID       `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Severity      schema.Severity `json:"severity"`
	Category      string          `json:"category"`
	Message       string          `json:"message"`
	Source        string          `json:"source"`
	RuleID        string          `json:"rule_id"`
	RuleName      string          `json:"rule_name"`
	SourceID      string          `json:"source_id"`
	EventCount    int             `json:"event_count"`
	TimeWindow    string          `json:"time_window"`
	RelatedEvents []EventRef      `json:"related_events"`
	TriggerEvent  string          `json:"trigger_event_id,omitempty"`
}

// EventRef is a snapshot of an event that contributed to an alert.
type EventRef struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Category  string          `json:"category"`
	Severity  schema.Severity `json:"severity"`
	Message   string          `json:"message"`
}

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	Cooldown          time.Duration // Minimum gap between alerts for one (source, rule)
	CooldownRetention time.Duration // Age after which cooldown entries are swept
	SnapshotWindow    time.Duration // Window summarized in each alert
	RelatedLimit      int           // Related events embedded per alert
	SkipInternal      bool          // Exclude private and loopback sources
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Cooldown:          5 * time.Minute,
		CooldownRetention: time.Hour,
		SnapshotWindow:    10 * time.Minute,
		RelatedLimit:      5,
		SkipInternal:      true,
	}
}

type cooldownKey struct {
	source string
	rule   string
}

// Engine evaluates rules against each source's activity window.
type Engine struct {
	config  EngineConfig
	clock   clock.Clock
	tracker *activity.Tracker
	logger  *slog.Logger

	rules   []*Rule
	rulesMu sync.RWMutex

	cooldowns  map[cooldownKey]time.Time
	cooldownMu sync.Mutex

	evaluated atomic.Uint64
	fired     atomic.Uint64
	throttled atomic.Uint64
	faults    atomic.Uint64
}

// NewEngine creates an engine with the built-in rule set.
func NewEngine(config EngineConfig, tracker *activity.Tracker, clk clock.Clock, logger *slog.Logger) *Engine {
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.CooldownRetention <= 0 {
		config.CooldownRetention = time.Hour
	}
	if config.SnapshotWindow <= 0 {
		config.SnapshotWindow = 10 * time.Minute
	}
	if config.RelatedLimit <= 0 {
		config.RelatedLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config:    config,
		clock:     clk,
		tracker:   tracker,
		logger:    logger,
		rules:     BuiltinRules(),
		cooldowns: make(map[cooldownKey]time.Time),
	}
}

// Rules returns the current rule set in evaluation order.
func (e *Engine) Rules() []*Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Rule returns the rule with the given ID.
func (e *Engine) Rule(ruleID string) (*Rule, bool) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	for _, r := range e.rules {
		if r.ID == ruleID {
			return r, true
		}
	}
	return nil, false
}

// ReplaceRules swaps the whole rule set. Existing cooldowns are kept.
func (e *Engine) ReplaceRules(rules []*Rule) error {
	seen := make(map[string]bool, len(rules))
	names := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule ID: %s", r.ID)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateRuleName, r.Name)
		}
		seen[r.ID] = true
		names[r.Name] = true
	}

	next := make([]*Rule, len(rules))
	copy(next, rules)

	e.rulesMu.Lock()
	e.rules = next
	e.rulesMu.Unlock()

	e.logger.Info("correlation rules loaded", "count", len(next))
	return nil
}

// AddRule appends a rule, or replaces the rule with the same ID in place.
// A rule whose name is taken by a rule with another ID is rejected.
func (e *Engine) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	for _, r := range e.rules {
		if r.Name == rule.Name && r.ID != rule.ID {
			return fmt.Errorf("%w: %s (rule %s)", ErrDuplicateRuleName, rule.Name, r.ID)
		}
	}

	next := make([]*Rule, 0, len(e.rules)+1)
	replaced := false
	for _, r := range e.rules {
		if r.ID == rule.ID {
			next = append(next, rule)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rule)
	}
	e.rules = next

	e.logger.Info("added correlation rule", "rule_id", rule.ID, "type", rule.Type)
	return nil
}

// RemoveRule removes a rule by ID. It reports whether the rule existed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	next := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.ID != ruleID {
			next = append(next, r)
		}
	}
	removed := len(next) != len(e.rules)
	e.rules = next
	return removed
}

// Process records event in its source's window and evaluates every enabled
// rule against the updated window. Events without an extractable source, or
// from internal ranges, are not correlated.
func (e *Engine) Process(event *schema.Event) []*CorrelatedAlert {
	if event == nil {
		return nil
	}
	source := event.Source()
	if source == "" {
		return nil
	}
	if e.config.SkipInternal && schema.IsInternal(source) {
		return nil
	}

	rules := e.Rules()
	var alerts []*CorrelatedAlert

	// Evaluation happens under the window lock so it always sees this
	// source's appends in order.
	e.tracker.Update(source, event, func(events []*schema.Event) {
		now := e.clock.Now()
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if !e.evaluate(rule, source, events, now) {
				continue
			}
			if alert := e.fire(rule, source, event, events, now); alert != nil {
				alerts = append(alerts, alert)
			}
		}
	})

	return alerts
}

// evaluate runs one rule predicate, containing any panic so the remaining
// rules still run.
func (e *Engine) evaluate(rule *Rule, source string, events []*schema.Event, now time.Time) (ok bool) {
	e.evaluated.Add(1)
	defer func() {
		if r := recover(); r != nil {
			e.faults.Add(1)
			e.logger.Error("correlation rule failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"source", source,
				"error", fmt.Sprint(r),
			)
			ok = false
		}
	}()
	return rule.Evaluate(source, events, now)
}

func (e *Engine) fire(rule *Rule, source string, trigger *schema.Event, events []*schema.Event, now time.Time) *CorrelatedAlert {
	cooldown := e.config.Cooldown
	if rule.Cooldown > 0 {
		cooldown = rule.Cooldown
	}

	key := cooldownKey{source: source, rule: rule.Name}
	e.cooldownMu.Lock()
	if last, ok := e.cooldowns[key]; ok && now.Sub(last) < cooldown {
		e.cooldownMu.Unlock()
		e.throttled.Add(1)
		e.logger.Debug("suppressing correlated alert in cooldown", "rule_id", rule.ID, "source", source)
		return nil
	}
	e.cooldowns[key] = now
	e.cooldownMu.Unlock()

	cutoff := now.Add(-e.config.SnapshotWindow)
	recent := make([]*schema.Event, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			recent = append(recent, ev)
		}
	}

	related := recent
	if len(related) > e.config.RelatedLimit {
		related = related[len(related)-e.config.RelatedLimit:]
	}
	refs := make([]EventRef, len(related))
	for i, ev := range related {
		refs[i] = EventRef{
			ID:        ev.ID,
			Timestamp: ev.Timestamp,
			Category:  ev.Category,
			Severity:  ev.Severity,
			Message:   ev.Message,
		}
	}

	e.fired.Add(1)
	alert := &CorrelatedAlert{
		ID:            uuid.New(),
		Timestamp:     now,
		Severity:      rule.Severity,
		Category:      rule.Category,
		Message:       fmt.Sprintf("%s detected from IP %s", rule.Name, source),
		Source:        AlertSource,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		SourceID:      source,
		EventCount:    len(recent),
		TimeWindow:    formatWindow(e.config.SnapshotWindow),
		RelatedEvents: refs,
		TriggerEvent:  trigger.ID,
	}

	e.logger.Info("correlated alert",
		"rule", rule.Name,
		"source", source,
		"severity", rule.Severity,
		"event_count", alert.EventCount,
	)
	return alert
}

func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

// Cleanup drops cooldown entries older than the retention period and
// returns how many were removed.
func (e *Engine) Cleanup() int {
	cutoff := e.clock.Now().Add(-e.config.CooldownRetention)

	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()

	removed := 0
	for k, t := range e.cooldowns {
		if t.Before(cutoff) {
			delete(e.cooldowns, k)
			removed++
		}
	}
	return removed
}

// Reset clears every cooldown.
func (e *Engine) Reset() {
	e.cooldownMu.Lock()
	e.cooldowns = make(map[cooldownKey]time.Time)
	e.cooldownMu.Unlock()
}

// Stats reports tracker and rule statistics.
type Stats struct {
	activity.Stats
	Rules         int    `json:"correlation_rules"`
	CooldownKeys  int    `json:"cooldown_keys"`
	Evaluations   uint64 `json:"evaluations"`
	AlertsFired   uint64 `json:"alerts_fired"`
	Throttled     uint64 `json:"throttled"`
	PredicateErrs uint64 `json:"predicate_errors"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.rulesMu.RLock()
	rules := len(e.rules)
	e.rulesMu.RUnlock()

	e.cooldownMu.Lock()
	keys := len(e.cooldowns)
	e.cooldownMu.Unlock()

	return Stats{
		Stats:         e.tracker.Stats(),
		Rules:         rules,
		CooldownKeys:  keys,
		Evaluations:   e.evaluated.Load(),
		AlertsFired:   e.fired.Load(),
		Throttled:     e.throttled.Load(),
		PredicateErrs: e.faults.Load(),
	}
}
