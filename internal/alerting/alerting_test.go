package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"socwatch/internal/clock"
	"socwatch/internal/correlation"
	"socwatch/internal/notify"
	"socwatch/internal/remediation"
	"socwatch/internal/schema"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// mockRecorder implements PatchRecorder for testing.
type mockRecorder struct {
	mu      sync.Mutex
	patches []remediation.Patch
}

func (r *mockRecorder) Record(p remediation.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, p)
}

func (r *mockRecorder) forAlert(id string) []remediation.Patch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []remediation.Patch
	for _, p := range r.patches {
		if p.AlertID == id {
			out = append(out, p)
		}
	}
	return out
}

// mockEscalator implements Escalator for testing.
type mockEscalator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *mockEscalator) Escalate(ctx context.Context, a Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, a.ID)
	return e.err
}

type fixture struct {
	m   *Manager
	clk *clock.Fake
	rec *mockRecorder
	esc *mockEscalator
	pub *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk: clock.NewFake(epoch),
		rec: &mockRecorder{},
		esc: &mockEscalator{},
		pub: &notify.Recorder{},
	}
	m, err := NewManager(DefaultManagerConfig(), f.clk, f.pub, f.rec, f.esc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.SetExecutionTimeFunc(func() time.Duration { return 500 * time.Millisecond })
	f.m = m
	return f
}

func highAlert(id string) *Alert {
	return &Alert{
		ID:       id,
		Severity: schema.SeverityHigh,
		Category: "Authentication",
		Message:  "Privilege escalation attempt from 203.0.113.42",
		EventID:  "evt-" + id,
	}
}

// =============================================================================
// Grace Period Scenarios
// =============================================================================

func TestManager_CancelBeforeExpiryPreventsAutoPatch(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("A1"))
	if !f.m.HasTimer("A1") {
		t.Fatal("no timer armed for High alert")
	}

	f.clk.Advance(10 * time.Second)
	if !f.m.CancelGracePeriod("A1") {
		t.Fatal("CancelGracePeriod() = false for live timer")
	}

	f.clk.Set(epoch.Add(65 * time.Second))

	if got := f.rec.forAlert("A1"); len(got) != 0 {
		t.Errorf("patches for A1 = %d, want 0", len(got))
	}
	a, _ := f.m.Get("A1")
	if a.Patched || a.State != StateRaised {
		t.Errorf("alert = patched:%v state:%s, want unpatched raised", a.Patched, a.State)
	}
	if n := len(f.pub.OfType(notify.GracePeriodCancelled)); n != 1 {
		t.Errorf("gracePeriodCancelled notifications = %d, want 1", n)
	}
}

func TestManager_ExpiryAutoPatchesOnce(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("A2"))
	f.clk.Set(epoch.Add(61 * time.Second))

	patches := f.rec.forAlert("A2")
	if len(patches) != 1 {
		t.Fatalf("patches for A2 = %d, want 1", len(patches))
	}
	p := patches[0]
	if !p.Automated || p.PatchedBy != PatchedByAutoPolicy || p.Status != remediation.StatusCompleted {
		t.Errorf("patch = %+v", p)
	}
	if p.Description != "Auto-patch applied by system policy after grace period" {
		t.Errorf("Description = %q", p.Description)
	}
	if !p.Timestamp.Equal(epoch.Add(60 * time.Second)) {
		t.Errorf("patch Timestamp = %v, want expiry at 60s", p.Timestamp)
	}

	a, _ := f.m.Get("A2")
	if !a.Patched || a.State != StateAutoRemediated || a.PatchedBy != PatchedByAutoPolicy {
		t.Errorf("alert = %+v", a)
	}
	if f.m.HasTimer("A2") {
		t.Error("timer still registered after expiry")
	}

	f.clk.Advance(time.Hour)
	if got := len(f.rec.forAlert("A2")); got != 1 {
		t.Errorf("patches after another hour = %d, want 1", got)
	}
	if n := len(f.pub.OfType(notify.AlertPatched)); n != 1 {
		t.Errorf("alertPatched notifications = %d, want 1", n)
	}
}

func TestManager_RestartKeepsOneTimer(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("A3"))
	f.clk.Advance(50 * time.Second)

	if err := f.m.StartGracePeriod("A3"); err != nil {
		t.Fatalf("StartGracePeriod() error = %v", err)
	}
	if f.m.ActiveTimers() != 1 || f.clk.Pending() != 1 {
		t.Fatalf("ActiveTimers() = %d, pending = %d, want 1 and 1", f.m.ActiveTimers(), f.clk.Pending())
	}

	// The original deadline (60s) passes without a patch.
	f.clk.Advance(20 * time.Second)
	if got := len(f.rec.forAlert("A3")); got != 0 {
		t.Fatalf("patched at original deadline after re-arm")
	}

	f.clk.Advance(40 * time.Second)
	if got := len(f.rec.forAlert("A3")); got != 1 {
		t.Errorf("patches after re-armed deadline = %d, want 1", got)
	}
}

func TestManager_LowSeverityNoTimer(t *testing.T) {
	f := newFixture(t)

	a := highAlert("L1")
	a.Severity = schema.SeverityMedium
	got := f.m.Raise(a)

	if got.State != StateRaised || f.m.HasTimer("L1") {
		t.Errorf("Medium single-event alert armed a timer: %+v", got)
	}
}

func TestManager_CorrelatedAlertGetsTimer(t *testing.T) {
	f := newFixture(t)

	corr := &correlation.CorrelatedAlert{
		Timestamp: epoch,
		Severity:  schema.SeverityMedium,
		Category:  "Port Scanning",
		Message:   "Port Scanning Activity detected from IP 192.0.2.10",
		RuleName:  "Port Scanning Activity",
		SourceID:  "192.0.2.10",
	}
	a := FromCorrelated(corr)
	got := f.m.Raise(a)

	if got.State != StateGracePeriodActive || got.GraceDeadline == nil {
		t.Errorf("correlated alert state = %s, deadline = %v", got.State, got.GraceDeadline)
	}
	if got.Correlation == nil || got.Correlation.SourceID != "192.0.2.10" {
		t.Errorf("Correlation = %+v", got.Correlation)
	}
}

func TestManager_CancelMissingTimerIsNoop(t *testing.T) {
	f := newFixture(t)

	if f.m.CancelGracePeriod("nope") {
		t.Error("CancelGracePeriod(unknown) = true")
	}

	f.m.Raise(highAlert("A4"))
	f.clk.Advance(2 * time.Minute)
	if f.m.CancelGracePeriod("A4") {
		t.Error("CancelGracePeriod(expired) = true")
	}
}

// =============================================================================
// Analyst Action Tests
// =============================================================================

func TestManager_ManualPatch(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("M1"))
	f.clk.Advance(15 * time.Second)

	a, p, err := f.m.ManualPatch("M1")
	if err != nil {
		t.Fatalf("ManualPatch() error = %v", err)
	}
	if a.State != StateManuallyRemediated || !a.Patched || a.PatchedBy != PatchedByManual {
		t.Errorf("alert = %+v", a)
	}
	if p.Automated || p.PatchedBy != PatchedByManual || p.Description != "Manual patch applied by security analyst" {
		t.Errorf("patch = %+v", p)
	}
	if p.ExecutionTimeMs != 500 {
		t.Errorf("ExecutionTimeMs = %d, want 500", p.ExecutionTimeMs)
	}

	f.clk.Advance(2 * time.Minute)
	patches := f.rec.forAlert("M1")
	if len(patches) != 1 || patches[0].PatchedBy != PatchedByManual {
		t.Errorf("patches = %+v, want exactly the manual one", patches)
	}

	if _, _, err := f.m.ManualPatch("M1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second ManualPatch() error = %v, want ErrAlreadyResolved", err)
	}
}

func TestManager_Escalate(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("E1"))
	a, err := f.m.Escalate(context.Background(), "E1")
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if a.State != StateEscalated || a.Patched {
		t.Errorf("alert = %+v", a)
	}
	if len(f.esc.calls) != 1 || f.esc.calls[0] != "E1" {
		t.Errorf("escalator calls = %v", f.esc.calls)
	}

	f.clk.Advance(2 * time.Minute)
	if got := len(f.rec.forAlert("E1")); got != 0 {
		t.Errorf("escalated alert was patched %d times", got)
	}
}

func TestManager_EscalateHandOffFailure(t *testing.T) {
	f := newFixture(t)
	f.esc.err = errors.New("case system down")

	f.m.Raise(highAlert("E2"))
	f.clk.Advance(20 * time.Second)

	a, err := f.m.Escalate(context.Background(), "E2")
	if err == nil {
		t.Fatal("Escalate() error = nil, want hand-off failure")
	}
	if a.State != StateGracePeriodActive {
		t.Errorf("State = %s, want %s", a.State, StateGracePeriodActive)
	}
	if !f.m.HasTimer("E2") {
		t.Error("grace timer not re-armed after failed hand-off")
	}
	if n := len(f.pub.OfType(notify.AlertEscalated)); n != 0 {
		t.Errorf("alertEscalated notifications = %d, want 0", n)
	}

	// The re-armed timer keeps the original deadline.
	f.clk.Advance(39 * time.Second)
	if got := len(f.rec.forAlert("E2")); got != 0 {
		t.Fatalf("patched %d times before the original deadline", got)
	}
	f.clk.Advance(time.Second)
	if got := len(f.rec.forAlert("E2")); got != 1 {
		t.Errorf("patches after deadline = %d, want 1", got)
	}
}

func TestManager_EscalateRetryAfterCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.m.Raise(highAlert("E3"))

	f.esc.err = context.Canceled
	if _, err := f.m.Escalate(context.Background(), "E3"); err == nil {
		t.Fatal("Escalate() error = nil, want hand-off failure")
	}

	f.esc.err = nil
	a, err := f.m.Escalate(context.Background(), "E3")
	if err != nil {
		t.Fatalf("retry Escalate() error = %v", err)
	}
	if a.State != StateEscalated {
		t.Errorf("State = %s, want %s", a.State, StateEscalated)
	}
	if f.m.HasTimer("E3") {
		t.Error("timer still armed after successful escalation")
	}
	if len(f.esc.calls) != 2 {
		t.Errorf("escalator calls = %v, want 2", f.esc.calls)
	}
}

func TestManager_Ignore(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("I1"))
	a, err := f.m.Ignore("I1")
	if err != nil {
		t.Fatalf("Ignore() error = %v", err)
	}
	if a.State != StateRaised || a.Patched || !a.Ignored {
		t.Errorf("alert = %+v", a)
	}

	f.clk.Advance(2 * time.Minute)
	if got := len(f.rec.forAlert("I1")); got != 0 {
		t.Errorf("ignored alert was patched %d times", got)
	}

	// An ignored alert can still be patched by hand later.
	if _, _, err := f.m.ManualPatch("I1"); err != nil {
		t.Errorf("ManualPatch() after Ignore error = %v", err)
	}
}

func TestManager_Acknowledge(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("K1"))
	a, err := f.m.Acknowledge("K1")
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if !a.Acknowledged || a.AcknowledgedAt == nil {
		t.Errorf("alert = %+v", a)
	}
	if !f.m.HasTimer("K1") {
		t.Error("Acknowledge() cancelled the grace timer")
	}
}

func TestManager_UnknownAlert(t *testing.T) {
	f := newFixture(t)

	if _, err := f.m.Acknowledge("x"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Acknowledge() error = %v", err)
	}
	if _, _, err := f.m.ManualPatch("x"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("ManualPatch() error = %v", err)
	}
	if _, err := f.m.Escalate(context.Background(), "x"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Escalate() error = %v", err)
	}
	if _, err := f.m.Ignore("x"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Ignore() error = %v", err)
	}
	if err := f.m.StartGracePeriod("x"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("StartGracePeriod() error = %v", err)
	}
	if len(f.pub.All()) != 0 {
		t.Errorf("unknown-alert operations published %d notifications", len(f.pub.All()))
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestManager_CancelRacesExpiry(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &mockRecorder{}
		m, err := NewManager(ManagerConfig{GracePeriod: time.Millisecond}, clock.New(), nil, rec, nil,
			slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			t.Fatal(err)
		}
		m.Raise(highAlert("R"))
		time.Sleep(time.Millisecond)
		_, _, manualErr := m.ManualPatch("R")
		time.Sleep(5 * time.Millisecond)

		patches := rec.forAlert("R")
		if len(patches) != 1 {
			t.Fatalf("iteration %d: %d patches, want exactly 1", i, len(patches))
		}
		if manualErr == nil && patches[0].PatchedBy != PatchedByManual {
			t.Fatalf("iteration %d: manual patch succeeded but auto patch recorded", i)
		}
	}
}

// =============================================================================
// Store Tests
// =============================================================================

func TestManager_ListAndStats(t *testing.T) {
	f := newFixture(t)

	f.m.Raise(highAlert("S1"))
	f.clk.Advance(time.Second)
	crit := highAlert("S2")
	crit.Severity = schema.SeverityCritical
	f.m.Raise(crit)
	f.clk.Advance(time.Second)
	low := highAlert("S3")
	low.Severity = schema.SeverityLow
	f.m.Raise(low)
	f.m.ManualPatch("S1")

	all := f.m.List(Filter{})
	if len(all) != 3 || all[0].ID != "S3" || all[2].ID != "S1" {
		t.Errorf("List() order = %v", alertIDs(all))
	}
	if got := f.m.List(Filter{Unpatched: true}); len(got) != 2 {
		t.Errorf("List(Unpatched) = %d, want 2", len(got))
	}
	if got := f.m.List(Filter{Severity: schema.SeverityCritical}); len(got) != 1 {
		t.Errorf("List(Critical) = %d, want 1", len(got))
	}
	if got := f.m.List(Filter{Limit: 1}); len(got) != 1 {
		t.Errorf("List(Limit 1) = %d", len(got))
	}

	s := f.m.Stats()
	if s.Total != 3 || s.Patched != 1 || s.ActiveTimers != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.ByState[StateGracePeriodActive] != 1 || s.ByState[StateRaised] != 1 {
		t.Errorf("ByState = %v", s.ByState)
	}
}

func TestManager_EvictionStopsTimer(t *testing.T) {
	clk := clock.NewFake(epoch)
	rec := &mockRecorder{}
	m, err := NewManager(ManagerConfig{MaxAlerts: 2}, clk, nil, rec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	m.Raise(highAlert("X1"))
	m.Raise(highAlert("X2"))
	m.Raise(highAlert("X3"))

	if _, err := m.Get("X1"); !errors.Is(err, ErrAlertNotFound) {
		t.Error("oldest alert not evicted")
	}
	if m.ActiveTimers() != 2 {
		t.Errorf("ActiveTimers() = %d, want 2", m.ActiveTimers())
	}

	clk.Advance(2 * time.Minute)
	if len(rec.forAlert("X1")) != 0 {
		t.Error("evicted alert was auto-patched")
	}
}

func TestManager_Reset(t *testing.T) {
	f := newFixture(t)
	f.m.Raise(highAlert("Z1"))
	f.m.Reset()

	if f.m.ActiveTimers() != 0 || len(f.m.List(Filter{})) != 0 {
		t.Error("Reset() left state behind")
	}
	f.clk.Advance(2 * time.Minute)
	if len(f.rec.forAlert("Z1")) != 0 {
		t.Error("timer fired after Reset")
	}
}

func alertIDs(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}
