package schema

import (
	"strings"
	"testing"
)

func TestEventInput_Event(t *testing.T) {
	in := EventInput{Severity: "critical", Category: "Malware", Message: "m"}
	e := in.Event()

	if e.ID == "" {
		t.Error("ID not generated")
	}
	if e.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want Critical", e.Severity)
	}

	in.ID = "given"
	in.Severity = "Extreme"
	e = in.Event()
	if e.ID != "given" {
		t.Errorf("ID = %q, want given", e.ID)
	}
	if e.Severity != "Extreme" {
		t.Errorf("Severity = %q, want the raw value kept", e.Severity)
	}
}

func TestDecodeEvent(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"id":"k-1","timestamp":"2024-03-01T09:00:00Z","severity":"HIGH",
		"category":"Malware","message":"Trojan on 203.0.113.9"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if e.ID != "k-1" || e.Severity != SeverityHigh || e.Source() != "203.0.113.9" {
		t.Errorf("DecodeEvent() = %+v", e)
	}

	if _, err := DecodeEvent([]byte(`{"id":`)); err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Errorf("DecodeEvent(malformed) error = %v", err)
	}
}
