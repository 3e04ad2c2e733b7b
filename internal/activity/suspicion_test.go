package activity

import (
	"testing"
	"time"

	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

func TestSuspicionLog_Observe(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := NewSuspicionLog(clk)

	l.Observe("203.0.113.42", schema.SeverityHigh)
	clk.Advance(time.Minute)
	got := l.Observe("203.0.113.42", schema.SeverityMedium)

	if got.Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", got.Occurrences)
	}
	if got.Severity != schema.SeverityMedium {
		t.Errorf("Severity = %s, want latest (Medium)", got.Severity)
	}
	if !got.FirstSeen.Equal(start) || !got.LastSeen.Equal(start.Add(time.Minute)) {
		t.Errorf("FirstSeen = %v, LastSeen = %v", got.FirstSeen, got.LastSeen)
	}

	l.Observe("198.51.100.7", schema.SeverityLow)
	list := l.List()
	if len(list) != 2 || list[0].Source != "203.0.113.42" {
		t.Errorf("List() = %+v", list)
	}

	l.Reset()
	if _, ok := l.Get("203.0.113.42"); ok {
		t.Error("entry survived Reset")
	}
}
