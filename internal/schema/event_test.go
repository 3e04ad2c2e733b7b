package schema

import "testing"

func TestExtractSource(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"failed login from 203.0.113.42", "203.0.113.42"},
		{"203.0.113.42 then 198.51.100.1", "203.0.113.42"},
		{"version 999.1.1.1 then 8.8.8.8", "8.8.8.8"},
		{"no address here", ""},
		{"partial 10.0.0", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ExtractSource(tt.msg); got != tt.want {
			t.Errorf("ExtractSource(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestEvent_Source(t *testing.T) {
	e := &Event{Message: "port scan from 203.0.113.9"}
	if got := e.Source(); got != "203.0.113.9" {
		t.Errorf("Source() = %q, want 203.0.113.9", got)
	}

	e.SourceID = "198.51.100.2"
	if got := e.Source(); got != "198.51.100.2" {
		t.Errorf("Source() with SourceID = %q, want 198.51.100.2", got)
	}
}

func TestIsInternal(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"172.15.0.1", false},
		{"192.168.1.10", true},
		{"127.0.0.1", true},
		{"203.0.113.42", false},
		{"8.8.8.8", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		if got := IsInternal(tt.ip); got != tt.want {
			t.Errorf("IsInternal(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestSeverity(t *testing.T) {
	if !SeverityHigh.AtLeastHigh() || !SeverityCritical.AtLeastHigh() {
		t.Error("High and Critical should be AtLeastHigh")
	}
	if SeverityMedium.AtLeastHigh() || SeverityLow.AtLeastHigh() {
		t.Error("Low and Medium should not be AtLeastHigh")
	}
	if Severity("bogus").IsValid() {
		t.Error("bogus severity reported valid")
	}

	s, ok := ParseSeverity("critical")
	if !ok || s != SeverityCritical {
		t.Errorf("ParseSeverity(critical) = %q, %v", s, ok)
	}
	if _, ok := ParseSeverity("nope"); ok {
		t.Error("ParseSeverity(nope) ok = true")
	}
}

func TestContainsKeywords(t *testing.T) {
	if !ContainsAll("FAILED Login attempt", "failed", "login") {
		t.Error("ContainsAll should be case-insensitive")
	}
	if ContainsAll("failed password", "failed", "login") {
		t.Error("ContainsAll matched with a missing keyword")
	}
	if !ContainsAny("SQL Injection detected", "attack", "injection") {
		t.Error("ContainsAny missed injection")
	}
	if ContainsAny("all good", "attack", "injection") {
		t.Error("ContainsAny matched nothing")
	}
}
