// Package errors keeps internal detail out of error text returned to API
// clients.
package errors

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match host:port endpoints of backing services
	endpointPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}:\d+\b|\b[a-zA-Z0-9.\-]+:(?:6379|9092|9093)\b`)

	// Pattern to match credentials and connection strings
	internalErrorPattern = regexp.MustCompile(`(?i)(redis://|password=|secret=|token=|sasl|api[_-]?key=)`)
)

// ProductionMode determines whether to use sanitized errors.
var ProductionMode = false

// SetProductionMode sets the production mode flag.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// SanitizeString removes internal detail from s in production mode.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	if internalErrorPattern.MatchString(s) {
		return "backing service operation failed"
	}

	// Remove backing-service endpoints before paths, which would
	// otherwise swallow the port.
	s = endpointPattern.ReplaceAllString(s, "[endpoint]")

	// Remove absolute file paths, keep only filename
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Replace long stack traces with generic message
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal server error - operation failed"
	}

	return s
}

// SafeErrorMessage returns a client-safe message for err. Domain errors
// that only describe the request pass through unchanged.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	userFacingErrors := []string{
		"not found",
		"already resolved",
		"validation failed",
		"timestamp",
		"queue is full",
		"engine stopped",
		"invalid request",
	}

	lowerMsg := strings.ToLower(msg)
	for _, safe := range userFacingErrors {
		if strings.Contains(lowerMsg, safe) {
			return msg
		}
	}

	return SanitizeString(msg)
}
