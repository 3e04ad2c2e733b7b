// Package correlation evaluates per-source windowed rules and emits
// deduplicated correlated alerts.
package correlation

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"socwatch/internal/schema"
)

// RuleType defines how a rule measures a source's window.
type RuleType string

const (
	// RuleTypeKeywordCount counts events whose message contains every keyword.
	RuleTypeKeywordCount RuleType = "keyword_count"
	// RuleTypeDistinctCategories counts distinct event categories.
	RuleTypeDistinctCategories RuleType = "distinct_categories"
	// RuleTypeVolume counts all events.
	RuleTypeVolume RuleType = "volume"
	// RuleTypeCustom evaluates a Go predicate; it cannot be loaded from YAML.
	RuleTypeCustom RuleType = "custom"
)

// Predicate is a custom rule condition over a source's pruned window.
type Predicate func(source string, events []*schema.Event, now time.Time) bool

// Rule is an immutable correlation rule. A rule fires when the value it
// measures over the trailing Window exceeds Threshold.
type Rule struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Type        RuleType        `yaml:"type" json:"type"`
	Enabled     bool            `yaml:"enabled" json:"enabled"`
	Severity    schema.Severity `yaml:"severity" json:"severity"`
	Category    string          `yaml:"category" json:"category"`
	Window      time.Duration   `yaml:"window" json:"window"`
	Threshold   int             `yaml:"threshold" json:"threshold"`
	Keywords    []string        `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Cooldown    time.Duration   `yaml:"cooldown,omitempty" json:"cooldown,omitempty"` // Zero uses the engine default
	Tags        []string        `yaml:"tags,omitempty" json:"tags,omitempty"`

	Match Predicate `yaml:"-" json:"-"`
}

// Validate validates the rule configuration.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.Category == "" {
		return fmt.Errorf("rule %s: category is required", r.ID)
	}
	if r.Threshold < 0 {
		return fmt.Errorf("rule %s: threshold must not be negative", r.ID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown must not be negative", r.ID)
	}

	switch r.Type {
	case RuleTypeKeywordCount:
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %s: keywords required for keyword_count rules", r.ID)
		}
		for i, k := range r.Keywords {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("rule %s: keyword %d is empty", r.ID, i)
			}
		}
	case RuleTypeDistinctCategories, RuleTypeVolume:
	case RuleTypeCustom:
		if r.Match == nil {
			return fmt.Errorf("rule %s: custom rules require a predicate", r.ID)
		}
	case "":
		return fmt.Errorf("rule %s: type is required", r.ID)
	default:
		return fmt.Errorf("rule %s: unknown rule type: %s", r.ID, r.Type)
	}

	if r.Type != RuleTypeCustom && r.Window <= 0 {
		return fmt.Errorf("rule %s: window must be positive", r.ID)
	}

	return nil
}

// Evaluate reports whether the rule holds for the source's window at now.
func (r *Rule) Evaluate(source string, events []*schema.Event, now time.Time) bool {
	if r.Type == RuleTypeCustom {
		return r.Match(source, events, now)
	}

	cutoff := now.Add(-r.Window)
	switch r.Type {
	case RuleTypeKeywordCount:
		n := 0
		for _, e := range events {
			if e.Timestamp.After(cutoff) && schema.ContainsAll(e.Message, r.Keywords...) {
				n++
			}
		}
		return n > r.Threshold

	case RuleTypeDistinctCategories:
		seen := make(map[string]struct{})
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				seen[e.Category] = struct{}{}
			}
		}
		return len(seen) > r.Threshold

	case RuleTypeVolume:
		n := 0
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				n++
			}
		}
		return n > r.Threshold
	}
	return false
}

// ruleFile is the on-disk layout: either a bare list or a "rules:" mapping.
type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses a rule set from YAML bytes. It accepts a list of rules,
// a document with a top-level "rules" key, or a single rule.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		var file ruleFile
		if fileErr := yaml.Unmarshal(data, &file); fileErr == nil && len(file.Rules) > 0 {
			rules = file.Rules
		} else {
			rule, singleErr := ParseRule(data)
			if singleErr != nil {
				return nil, fmt.Errorf("failed to parse rules: %w", err)
			}
			return []*Rule{rule}, nil
		}
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules found")
	}

	seen := make(map[string]bool, len(rules))
	names := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule == nil {
			return nil, fmt.Errorf("rule %d: empty entry", i)
		}
		if rule.Type == RuleTypeCustom {
			return nil, fmt.Errorf("rule %d: custom rules cannot be defined in YAML", i)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("rule %d: duplicate rule ID %s", i, rule.ID)
		}
		if names[rule.Name] {
			return nil, fmt.Errorf("rule %d: %w %s", i, ErrDuplicateRuleName, rule.Name)
		}
		seen[rule.ID] = true
		names[rule.Name] = true
	}
	return rules, nil
}

// LoadRulesFile reads and parses a rule file.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}
