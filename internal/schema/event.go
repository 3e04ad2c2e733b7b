// Package schema defines the security event model consumed by the
// correlation and remediation engine, and validates events at ingestion.
package schema

import (
	"net"
	"regexp"
	"strings"
	"time"
)

// Event is an immutable classified log event produced by an external
// generator. The engine never mutates an Event after ingestion.
type Event struct {
	// Required fields
	ID        string    `json:"id" validate:"required,max=128"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Severity  Severity  `json:"severity" validate:"required,severity"`
	Category  string    `json:"category" validate:"required,max=128"`
	Message   string    `json:"message" validate:"required,max=65536"`

	// Optional fields
	SourceID      string         `json:"source_id,omitempty" validate:"omitempty,ipv4"`
	AutoPatchable bool           `json:"auto_patchable"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Severity is the classification level assigned to an event or alert.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// IsValid reports whether s is one of the four known levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from 1 (Low) to 4 (Critical). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeastHigh reports whether s is High or Critical.
func (s Severity) AtLeastHigh() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(name string) (Severity, bool) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	return "", false
}

// ipv4Pattern matches a dotted-quad shaped token.
var ipv4Pattern = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)

// Source returns the event's source identifier: the explicit SourceID when
// set, otherwise the first well-formed IPv4 address found in the message.
// It returns "" when no identifier can be extracted.
func (e *Event) Source() string {
	if e.SourceID != "" {
		return e.SourceID
	}
	return ExtractSource(e.Message)
}

// ExtractSource returns the first well-formed IPv4 address in msg.
func ExtractSource(msg string) string {
	for _, candidate := range ipv4Pattern.FindAllString(msg, -1) {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			return candidate
		}
	}
	return ""
}

var internalNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
)

// IsInternal reports whether ip lies in a private or loopback range.
// Unparseable input is treated as external.
func IsInternal(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range internalNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// ContainsAll reports whether msg contains every keyword, ignoring case.
func ContainsAll(msg string, keywords ...string) bool {
	lower := strings.ToLower(msg)
	for _, k := range keywords {
		if !strings.Contains(lower, strings.ToLower(k)) {
			return false
		}
	}
	return true
}

// ContainsAny reports whether msg contains any keyword, ignoring case.
func ContainsAny(msg string, keywords ...string) bool {
	lower := strings.ToLower(msg)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
