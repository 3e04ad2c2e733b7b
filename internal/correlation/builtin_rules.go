package correlation

import (
	"time"

	"socwatch/internal/schema"
)

// BuiltinRules returns the default rule set in evaluation order.
func BuiltinRules() []*Rule {
	return []*Rule{
		BruteForceRule(),
		MultiVectorRule(),
		PortScanRule(),
		FloodRule(),
	}
}

// BruteForceRule fires on more than 5 failed logins in 5 minutes.
func BruteForceRule() *Rule {
	return &Rule{
		ID:          "brute-force",
		Name:        "Brute Force Attack",
		Description: "Repeated failed authentication from a single source",
		Type:        RuleTypeKeywordCount,
		Enabled:     true,
		Severity:    schema.SeverityHigh,
		Category:    "Brute Force",
		Window:      5 * time.Minute,
		Threshold:   5,
		Keywords:    []string{"failed", "login"},
		Tags:        []string{"authentication", "credential-access"},
	}
}

// MultiVectorRule fires when a source spans 3 or more categories in 10 minutes.
func MultiVectorRule() *Rule {
	return &Rule{
		ID:          "multi-vector",
		Name:        "Multi-Vector Attack",
		Description: "Activity from a single source across several event categories",
		Type:        RuleTypeDistinctCategories,
		Enabled:     true,
		Severity:    schema.SeverityCritical,
		Category:    "Multi-Vector",
		Window:      10 * time.Minute,
		Threshold:   2,
	}
}

// PortScanRule fires on more than 10 port-scan events in 2 minutes.
func PortScanRule() *Rule {
	return &Rule{
		ID:          "port-scan",
		Name:        "Port Scanning Activity",
		Description: "Port scan indicators from a single source",
		Type:        RuleTypeKeywordCount,
		Enabled:     true,
		Severity:    schema.SeverityMedium,
		Category:    "Port Scanning",
		Window:      2 * time.Minute,
		Threshold:   10,
		Keywords:    []string{"port", "scan"},
		Tags:        []string{"discovery"},
	}
}

// FloodRule fires on more than 50 events in 1 minute.
func FloodRule() *Rule {
	return &Rule{
		ID:          "flood",
		Name:        "DDoS Attack Pattern",
		Description: "High event volume from a single source",
		Type:        RuleTypeVolume,
		Enabled:     true,
		Severity:    schema.SeverityCritical,
		Category:    "DDoS",
		Window:      time.Minute,
		Threshold:   50,
		Tags:        []string{"impact"},
	}
}
