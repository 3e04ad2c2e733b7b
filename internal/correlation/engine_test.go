package correlation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"socwatch/internal/activity"
	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine() (*Engine, *clock.Fake) {
	clk := clock.NewFake(epoch)
	tracker := activity.NewTracker(activity.DefaultConfig(), clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(DefaultEngineConfig(), tracker, clk, logger), clk
}

var seq int

func event(clk clock.Clock, category, msg string) *schema.Event {
	seq++
	return &schema.Event{
		ID:        fmt.Sprintf("evt-%d", seq),
		Timestamp: clk.Now(),
		Severity:  schema.SeverityMedium,
		Category:  category,
		Message:   msg,
	}
}

func collect(e *Engine, events ...*schema.Event) []*CorrelatedAlert {
	var out []*CorrelatedAlert
	for _, ev := range events {
		out = append(out, e.Process(ev)...)
	}
	return out
}

// =============================================================================
// Built-in Rule Tests
// =============================================================================

func TestEngine_BruteForceScenario(t *testing.T) {
	e, clk := newTestEngine()

	var alerts []*CorrelatedAlert
	for i := 0; i < 6; i++ {
		alerts = append(alerts, e.Process(event(clk, "Authentication", "failed login for admin from 203.0.113.42"))...)
		clk.Advance(5 * time.Second)
	}

	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Category != "Brute Force" || a.Severity != schema.SeverityHigh {
		t.Errorf("alert = %s/%s, want Brute Force/High", a.Category, a.Severity)
	}
	if a.Message != "Brute Force Attack detected from IP 203.0.113.42" {
		t.Errorf("Message = %q", a.Message)
	}
	if a.SourceID != "203.0.113.42" || a.Source != AlertSource {
		t.Errorf("SourceID = %q, Source = %q", a.SourceID, a.Source)
	}
	if a.EventCount != 6 || a.TimeWindow != "10 minutes" {
		t.Errorf("EventCount = %d, TimeWindow = %q", a.EventCount, a.TimeWindow)
	}
	if len(a.RelatedEvents) != 5 {
		t.Errorf("RelatedEvents = %d, want 5", len(a.RelatedEvents))
	}
}

func TestEngine_BruteForceNeedsMoreThanFive(t *testing.T) {
	e, clk := newTestEngine()

	for i := 0; i < 5; i++ {
		if got := e.Process(event(clk, "Authentication", "failed login from 203.0.113.42")); len(got) != 0 {
			t.Fatalf("alert after %d events", i+1)
		}
	}
}

func TestEngine_BruteForceWindowSlides(t *testing.T) {
	e, clk := newTestEngine()

	for i := 0; i < 5; i++ {
		e.Process(event(clk, "Authentication", "failed login from 203.0.113.42"))
	}
	clk.Advance(6 * time.Minute)
	if got := e.Process(event(clk, "Authentication", "failed login from 203.0.113.42")); len(got) != 0 {
		t.Errorf("alert fired with events outside the 5 minute window")
	}
}

func TestEngine_MultiVector(t *testing.T) {
	e, clk := newTestEngine()

	alerts := collect(e,
		event(clk, "Network Security", "connection from 198.51.100.7"),
		event(clk, "Web Application", "request from 198.51.100.7"),
	)
	if len(alerts) != 0 {
		t.Fatalf("alert with only 2 categories")
	}

	alerts = collect(e, event(clk, "Database", "query from 198.51.100.7"))
	if len(alerts) != 1 || alerts[0].Category != "Multi-Vector" || alerts[0].Severity != schema.SeverityCritical {
		t.Fatalf("alerts = %+v, want one Multi-Vector Critical", alerts)
	}
}

func TestEngine_PortScan(t *testing.T) {
	e, clk := newTestEngine()

	var alerts []*CorrelatedAlert
	for i := 0; i < 11; i++ {
		alerts = append(alerts, e.Process(event(clk, "Network Security", "Port scan detected from 192.0.2.10"))...)
	}
	if len(alerts) != 1 || alerts[0].RuleName != "Port Scanning Activity" || alerts[0].Severity != schema.SeverityMedium {
		t.Fatalf("alerts = %+v, want one Port Scanning Activity", alerts)
	}
}

func TestEngine_Flood(t *testing.T) {
	e, clk := newTestEngine()

	var alerts []*CorrelatedAlert
	for i := 0; i < 51; i++ {
		alerts = append(alerts, e.Process(event(clk, "Network Security", "GET / from 192.0.2.99"))...)
	}
	if len(alerts) != 1 || alerts[0].Category != "DDoS" {
		t.Fatalf("alerts = %+v, want one DDoS", alerts)
	}
}

// =============================================================================
// Cooldown Tests
// =============================================================================

func TestEngine_Cooldown(t *testing.T) {
	e, clk := newTestEngine()

	fire := func() int {
		return len(e.Process(event(clk, "Authentication", "failed login from 203.0.113.42")))
	}

	total := 0
	for i := 0; i < 6; i++ {
		total += fire()
	}
	if total != 1 {
		t.Fatalf("first burst produced %d alerts, want 1", total)
	}

	for i := 0; i < 20; i++ {
		clk.Advance(10 * time.Second)
		if fire() != 0 && clk.Now().Sub(epoch) < 5*time.Minute {
			t.Fatal("alert re-emitted inside the cooldown")
		}
	}

	// Past the cooldown with the predicate still true, the rule fires again.
	clk.Set(epoch.Add(5*time.Minute + time.Second))
	total = 0
	for i := 0; i < 6; i++ {
		total += fire()
	}
	if total != 1 {
		t.Errorf("after cooldown produced %d alerts, want 1", total)
	}
}

func TestEngine_CooldownIsPerSourceAndRule(t *testing.T) {
	e, clk := newTestEngine()

	var alerts []*CorrelatedAlert
	for i := 0; i < 6; i++ {
		alerts = append(alerts, e.Process(event(clk, "Authentication", "failed login from 203.0.113.1"))...)
		alerts = append(alerts, e.Process(event(clk, "Authentication", "failed login from 203.0.113.2"))...)
	}
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want one per source", len(alerts))
	}
}

func TestEngine_MultipleRulesSameCycle(t *testing.T) {
	e, clk := newTestEngine()

	for i := 0; i < 5; i++ {
		e.Process(event(clk, "Authentication", "failed login from 203.0.113.5"))
	}
	e.Process(event(clk, "Web Application", "request from 203.0.113.5"))

	alerts := e.Process(event(clk, "Database", "failed login to db from 203.0.113.5"))
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want brute force and multi-vector", len(alerts))
	}
	if alerts[0].RuleName != "Brute Force Attack" || alerts[1].RuleName != "Multi-Vector Attack" {
		t.Errorf("alerts out of rule order: %s, %s", alerts[0].RuleName, alerts[1].RuleName)
	}
}

// =============================================================================
// Source Extraction Tests
// =============================================================================

func TestEngine_SkipsInternalAndUnsourced(t *testing.T) {
	e, clk := newTestEngine()

	for i := 0; i < 10; i++ {
		if got := e.Process(event(clk, "Authentication", "failed login from 10.0.0.5")); len(got) != 0 {
			t.Fatal("alert for internal source")
		}
		if got := e.Process(event(clk, "Authentication", "failed login from somewhere")); len(got) != 0 {
			t.Fatal("alert for event without source")
		}
	}

	if s := e.Stats(); s.TrackedSources != 0 {
		t.Errorf("TrackedSources = %d, want 0", s.TrackedSources)
	}
}

func TestEngine_ExplicitSourceID(t *testing.T) {
	e, clk := newTestEngine()

	var alerts []*CorrelatedAlert
	for i := 0; i < 6; i++ {
		ev := event(clk, "Authentication", "failed login for admin")
		ev.SourceID = "198.51.100.20"
		alerts = append(alerts, e.Process(ev)...)
	}
	if len(alerts) != 1 || alerts[0].SourceID != "198.51.100.20" {
		t.Fatalf("alerts = %+v", alerts)
	}
}

// =============================================================================
// Fault Isolation Tests
// =============================================================================

func TestEngine_PanickingRuleIsContained(t *testing.T) {
	e, clk := newTestEngine()

	rules := append([]*Rule{{
		ID:       "broken",
		Name:     "Broken",
		Type:     RuleTypeCustom,
		Enabled:  true,
		Severity: schema.SeverityLow,
		Category: "Test",
		Match: func(string, []*schema.Event, time.Time) bool {
			panic("boom")
		},
	}}, BuiltinRules()...)
	if err := e.ReplaceRules(rules); err != nil {
		t.Fatalf("ReplaceRules() error = %v", err)
	}

	var alerts []*CorrelatedAlert
	for i := 0; i < 6; i++ {
		alerts = append(alerts, e.Process(event(clk, "Authentication", "failed login from 203.0.113.42"))...)
	}

	if len(alerts) != 1 || alerts[0].RuleName != "Brute Force Attack" {
		t.Fatalf("alerts = %+v, want brute force despite the broken rule", alerts)
	}
	if s := e.Stats(); s.PredicateErrs != 6 {
		t.Errorf("PredicateErrs = %d, want 6", s.PredicateErrs)
	}
}

func TestEngine_DisabledRuleSkipped(t *testing.T) {
	e, clk := newTestEngine()

	rule := BruteForceRule()
	rule.Enabled = false
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if len(e.Rules()) != 4 {
		t.Errorf("AddRule with existing ID should replace, got %d rules", len(e.Rules()))
	}

	for i := 0; i < 10; i++ {
		if got := e.Process(event(clk, "Authentication", "failed login from 203.0.113.42")); len(got) != 0 {
			t.Fatal("disabled rule fired")
		}
	}
}

// =============================================================================
// Maintenance Tests
// =============================================================================

func TestEngine_CleanupAndReset(t *testing.T) {
	e, clk := newTestEngine()

	for i := 0; i < 6; i++ {
		e.Process(event(clk, "Authentication", "failed login from 203.0.113.42"))
	}
	if s := e.Stats(); s.CooldownKeys != 1 || s.Rules != 4 {
		t.Fatalf("Stats() = %+v", s)
	}

	clk.Advance(30 * time.Minute)
	if n := e.Cleanup(); n != 0 {
		t.Errorf("Cleanup() after 30m removed %d, want 0", n)
	}
	clk.Advance(31 * time.Minute)
	if n := e.Cleanup(); n != 1 {
		t.Errorf("Cleanup() after 61m removed %d, want 1", n)
	}

	for i := 0; i < 6; i++ {
		e.Process(event(clk, "Authentication", "failed login from 203.0.113.42"))
	}
	e.Reset()
	if s := e.Stats(); s.CooldownKeys != 0 {
		t.Errorf("CooldownKeys after Reset = %d", s.CooldownKeys)
	}
}

func TestEngine_RemoveRule(t *testing.T) {
	e, _ := newTestEngine()

	if !e.RemoveRule("flood") {
		t.Error("RemoveRule(flood) = false")
	}
	if e.RemoveRule("flood") {
		t.Error("second RemoveRule(flood) = true")
	}
	if len(e.Rules()) != 3 {
		t.Errorf("len(Rules()) = %d, want 3", len(e.Rules()))
	}
}

func TestEngine_RejectsDuplicateRuleName(t *testing.T) {
	e, _ := newTestEngine()

	clash := &Rule{
		ID:        "brute-force-copy",
		Name:      "Brute Force Attack",
		Type:      RuleTypeVolume,
		Enabled:   true,
		Severity:  schema.SeverityLow,
		Category:  "Copy",
		Window:    time.Minute,
		Threshold: 3,
	}
	if err := e.AddRule(clash); !errors.Is(err, ErrDuplicateRuleName) {
		t.Errorf("AddRule() error = %v, want ErrDuplicateRuleName", err)
	}
	if len(e.Rules()) != 4 {
		t.Errorf("len(Rules()) = %d, want 4", len(e.Rules()))
	}

	// Replacing a rule in place under its own ID keeps its name.
	same := *clash
	same.ID = "brute-force"
	if err := e.AddRule(&same); err != nil {
		t.Errorf("AddRule() same ID error = %v", err)
	}

	other := *clash
	other.ID = "other"
	if err := e.ReplaceRules([]*Rule{clash, &other}); !errors.Is(err, ErrDuplicateRuleName) {
		t.Errorf("ReplaceRules() error = %v, want ErrDuplicateRuleName", err)
	}
}

func TestEngine_ConcurrentSources(t *testing.T) {
	e, clk := newTestEngine()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 6; i++ {
				ev := &schema.Event{
					ID:        fmt.Sprintf("%d-%d", s, i),
					Timestamp: clk.Now(),
					Severity:  schema.SeverityMedium,
					Category:  "Authentication",
					Message:   fmt.Sprintf("failed login from 198.51.100.%d", s+1),
				}
				n := len(e.Process(ev))
				mu.Lock()
				total += n
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if total != 8 {
		t.Errorf("total alerts = %d, want 8", total)
	}
}
