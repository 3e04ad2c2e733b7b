package remediation

import (
	"strings"

	"socwatch/internal/schema"
)

// PatchRule maps a category and severity to an automated action. Condition
// is a pure function of the event message.
type PatchRule struct {
	Category    string
	Severity    schema.Severity
	Action      string
	Description string
	Condition   func(message string) bool
}

func contains(substrs ...string) func(string) bool {
	return func(msg string) bool {
		for _, s := range substrs {
			if !strings.Contains(msg, s) {
				return false
			}
		}
		return true
	}
}

// DefaultRules returns the built-in low-risk remediation table.
func DefaultRules() []PatchRule {
	return []PatchRule{
		{
			Category:    "Windows Firewall",
			Severity:    schema.SeverityLow,
			Action:      "update_firewall_rule",
			Description: "Updated firewall rule to allow trusted connections",
			Condition:   contains("Allowed connection"),
		},
		{
			Category:    "Network Security",
			Severity:    schema.SeverityLow,
			Action:      "cache_dns_result",
			Description: "Cached DNS resolution for faster future queries",
			Condition:   contains("DNS query resolved"),
		},
		{
			Category:    "Authentication",
			Severity:    schema.SeverityLow,
			Action:      "update_user_session",
			Description: "Updated user session information",
			Condition:   contains("logged in successfully"),
		},
		{
			Category:    "System Performance",
			Severity:    schema.SeverityLow,
			Action:      "optimize_service",
			Description: "Optimized service configuration for better performance",
			Condition:   contains("Service", "started"),
		},
		{
			Category:    "File System",
			Severity:    schema.SeverityLow,
			Action:      "scan_file",
			Description: "Performed automated security scan on uploaded file",
			Condition:   contains("uploaded successfully"),
		},
		{
			Category:    "Database",
			Severity:    schema.SeverityLow,
			Action:      "optimize_query",
			Description: "Optimized database query for better performance",
			Condition:   contains("Query executed successfully"),
		},
	}
}
