package blocking

import (
	"fmt"
	"testing"
	"time"

	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestMonitor() (*Monitor, *clock.Fake) {
	clk := clock.NewFake(epoch)
	return NewMonitor(DefaultConfig(), clk), clk
}

// =============================================================================
// Threshold Tests
// =============================================================================

func TestMonitor_BlocksExactlyAtThreshold(t *testing.T) {
	m, _ := newTestMonitor()

	for i := 1; i <= 4; i++ {
		rec, block := m.TrackAttempt("203.0.113.42", "failed login")
		if block != nil {
			t.Fatalf("attempt %d blocked the source, want no block before 5", i)
		}
		if rec.Count != i {
			t.Errorf("attempt %d: Count = %d", i, rec.Count)
		}
		if m.IsBlocked("203.0.113.42") {
			t.Fatalf("IsBlocked() = true after %d attempts", i)
		}
	}

	rec, block := m.TrackAttempt("203.0.113.42", "failed login")
	if block == nil {
		t.Fatal("5th attempt did not block")
	}
	if rec.Count != 5 || block.AttemptCount != 5 {
		t.Errorf("Count = %d, AttemptCount = %d, want 5", rec.Count, block.AttemptCount)
	}
	if block.Status != StatusBlocked || block.Reason != ReasonThreshold {
		t.Errorf("block = %+v", block)
	}
	if block.BlockedAt == nil || !block.BlockedAt.Equal(epoch) {
		t.Errorf("BlockedAt = %v, want %v", block.BlockedAt, epoch)
	}
	if !m.IsBlocked("203.0.113.42") {
		t.Error("IsBlocked() = false after threshold")
	}

	for i := 0; i < 5; i++ {
		if _, again := m.TrackAttempt("203.0.113.42", "failed login"); again != nil {
			t.Fatal("source blocked twice in one episode")
		}
	}

	if got := len(m.History()); got != 1 {
		t.Errorf("History() has %d entries, want 1", got)
	}
}

func TestMonitor_SampleBounded(t *testing.T) {
	m, _ := newTestMonitor()

	for i := 0; i < 15; i++ {
		m.TrackAttempt("1.1.1.1", fmt.Sprintf("msg-%d", i))
	}

	rec, err := m.Attempts("1.1.1.1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(rec.Samples) != 10 {
		t.Fatalf("Samples = %d, want 10", len(rec.Samples))
	}
	if rec.Samples[0].Message != "msg-5" || rec.Samples[9].Message != "msg-14" {
		t.Errorf("Samples span %q..%q, want msg-5..msg-14", rec.Samples[0].Message, rec.Samples[9].Message)
	}

	if _, err := m.Attempts("unknown"); err != ErrSourceNotFound {
		t.Errorf("Attempts(unknown) error = %v, want ErrSourceNotFound", err)
	}
}

func TestMonitor_FirstAndLastAttempt(t *testing.T) {
	m, clk := newTestMonitor()

	m.TrackAttempt("1.1.1.1", "a")
	clk.Advance(3 * time.Minute)
	rec, _ := m.TrackAttempt("1.1.1.1", "b")

	if !rec.FirstAttempt.Equal(epoch) || !rec.LastAttempt.Equal(epoch.Add(3*time.Minute)) {
		t.Errorf("first=%v last=%v", rec.FirstAttempt, rec.LastAttempt)
	}
}

// =============================================================================
// Unblock Tests
// =============================================================================

func TestMonitor_UnblockRoundTrip(t *testing.T) {
	m, _ := newTestMonitor()

	for i := 0; i < 5; i++ {
		m.TrackAttempt("203.0.113.42", "failed login")
	}

	rec, wasBlocked := m.Unblock("203.0.113.42")
	if !wasBlocked {
		t.Error("Unblock() wasBlocked = false, want true")
	}
	if rec.Status != StatusUnblocked || rec.Reason != ReasonManualUnblock || rec.UnblockedAt == nil {
		t.Errorf("unblock record = %+v", rec)
	}
	if m.IsBlocked("203.0.113.42") {
		t.Error("IsBlocked() = true after Unblock")
	}

	var fresh *BlockRecord
	for i := 1; i <= 5; i++ {
		r, b := m.TrackAttempt("203.0.113.42", "failed login")
		if i < 5 && b != nil {
			t.Fatalf("re-blocked after %d attempts", i)
		}
		if i == 1 && r.Count != 1 {
			t.Errorf("counter not reset: Count = %d", r.Count)
		}
		fresh = b
	}
	if fresh == nil {
		t.Fatal("5 new attempts did not trigger a fresh block")
	}

	if got := len(m.History()); got != 3 {
		t.Errorf("History() has %d entries, want 3 (block, unblock, block)", got)
	}
}

func TestMonitor_UnblockNeverBlocked(t *testing.T) {
	m, _ := newTestMonitor()

	_, wasBlocked := m.Unblock("198.51.100.1")
	if wasBlocked {
		t.Error("wasBlocked = true for unknown source")
	}

	_, _ = m.Unblock("198.51.100.1")
	history := m.History()
	if len(history) != 2 {
		t.Fatalf("History() has %d entries, want 2", len(history))
	}
	for _, h := range history {
		if h.Status != StatusUnblocked {
			t.Errorf("history status = %q, want unblocked", h.Status)
		}
	}
}

// =============================================================================
// Bounds And Cleanup Tests
// =============================================================================

func TestMonitor_HistoryBounded(t *testing.T) {
	m, _ := newTestMonitor()

	for i := 0; i < 120; i++ {
		m.Unblock(fmt.Sprintf("src-%d", i))
	}

	history := m.History()
	if len(history) != 100 {
		t.Fatalf("History() has %d entries, want 100", len(history))
	}
	if history[0].Source != "src-20" || history[99].Source != "src-119" {
		t.Errorf("history spans %s..%s, want src-20..src-119", history[0].Source, history[99].Source)
	}
}

func TestMonitor_Cleanup(t *testing.T) {
	m, clk := newTestMonitor()

	for i := 0; i < 5; i++ {
		m.TrackAttempt("old", "failed")
	}
	clk.Advance(23 * time.Hour)
	m.TrackAttempt("recent", "failed")
	clk.Advance(2 * time.Hour)

	attempts, history := m.Cleanup()
	if attempts != 1 || history != 1 {
		t.Errorf("Cleanup() = (%d, %d), want (1, 1)", attempts, history)
	}
	if _, err := m.Attempts("old"); err != ErrSourceNotFound {
		t.Error("old attempts survived cleanup")
	}
	if _, err := m.Attempts("recent"); err != nil {
		t.Error("recent attempts removed by cleanup")
	}
	if !m.IsBlocked("old") {
		t.Error("active block removed by cleanup")
	}
}

func TestMonitor_Stats(t *testing.T) {
	m, _ := newTestMonitor()

	counts := map[string]int{"a": 7, "b": 2, "c": 5, "d": 1, "e": 3, "f": 4}
	for src, n := range counts {
		for i := 0; i < n; i++ {
			m.TrackAttempt(src, "failed")
		}
	}

	s := m.Stats()
	if s.TotalBlocked != 2 {
		t.Errorf("TotalBlocked = %d, want 2", s.TotalBlocked)
	}
	if len(s.RecentBlocks) != 2 {
		t.Errorf("RecentBlocks = %d, want 2", len(s.RecentBlocks))
	}
	want := []string{"a", "c", "f", "e", "b"}
	if len(s.TopOffenders) != len(want) {
		t.Fatalf("TopOffenders = %d, want %d", len(s.TopOffenders), len(want))
	}
	for i, src := range want {
		if s.TopOffenders[i].Source != src {
			t.Errorf("TopOffenders[%d] = %s, want %s", i, s.TopOffenders[i].Source, src)
		}
	}
	if !s.TopOffenders[0].Blocked || s.TopOffenders[2].Blocked {
		t.Error("Blocked flag wrong on offenders")
	}
}

func TestMonitor_Reset(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.TrackAttempt("x", "failed")
	}
	m.Reset()

	if m.IsBlocked("x") || len(m.History()) != 0 || len(m.Blocked()) != 0 {
		t.Error("Reset() left state behind")
	}
}

func TestIsSuspicious(t *testing.T) {
	tests := []struct {
		name     string
		severity schema.Severity
		message  string
		want     bool
	}{
		{"failed keyword", schema.SeverityLow, "Failed password for root", true},
		{"injection keyword", schema.SeverityMedium, "SQL injection attempt", true},
		{"unauthorized keyword", schema.SeverityLow, "Unauthorized access", true},
		{"high severity", schema.SeverityHigh, "routine message", true},
		{"critical severity", schema.SeverityCritical, "routine message", true},
		{"benign low", schema.SeverityLow, "User logged in successfully", false},
		{"benign medium", schema.SeverityMedium, "Disk usage at 70%", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &schema.Event{Severity: tt.severity, Message: tt.message}
			if got := IsSuspicious(e); got != tt.want {
				t.Errorf("IsSuspicious() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsSuspicious(nil) {
		t.Error("IsSuspicious(nil) = true")
	}
}
