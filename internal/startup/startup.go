// Package startup runs preflight diagnostics before the service starts
// accepting events.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"socwatch/internal/config"
	"socwatch/internal/correlation"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg         *config.Config
	results     []DiagnosticResult
	logger      *slog.Logger
	dialTimeout time.Duration
	checkPort   bool
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		logger:      logger,
		dialTimeout: 3 * time.Second,
		checkPort:   true,
	}
}

// RunAll runs every check and returns the results in order.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.results = nil
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkRules()
	if d.checkPort {
		d.checkPorts()
	}
	d.checkSecurityConfiguration()
	d.checkDependencies(ctx)

	d.printSummary()

	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})

	if cpus := runtime.NumCPU(); d.cfg.Engine.Partitions > 4*cpus {
		d.addResult(DiagnosticResult{
			Name:    "partitions",
			Status:  StatusWarning,
			Message: "More engine partitions than the host can usefully schedule",
			Details: map[string]string{
				"partitions": fmt.Sprintf("%d", d.cfg.Engine.Partitions),
				"cpus":       fmt.Sprintf("%d", cpus),
			},
		})
	}
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("SOCWATCH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusOK,
			Message: "Configuration is valid",
		})
	}
}

func (d *Diagnostics) checkRules() {
	path := d.cfg.Correlation.RulesFile
	if path == "" {
		d.addResult(DiagnosticResult{
			Name:    "correlation_rules",
			Status:  StatusOK,
			Message: "Using built-in rules",
			Details: map[string]string{"rules": fmt.Sprintf("%d", len(correlation.BuiltinRules()))},
		})
		return
	}

	rules, err := correlation.LoadRulesFile(path)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "correlation_rules",
			Status:  StatusError,
			Message: err.Error(),
			Details: map[string]string{"path": path},
		})
		return
	}

	enabled := 0
	for _, r := range rules {
		if r.Enabled {
			enabled++
		}
	}

	status, msg := StatusOK, "Rule file parsed"
	if enabled == 0 {
		status, msg = StatusWarning, "Rule file has no enabled rules"
	}
	d.addResult(DiagnosticResult{
		Name:    "correlation_rules",
		Status:  status,
		Message: msg,
		Details: map[string]string{
			"path":    path,
			"rules":   fmt.Sprintf("%d", len(rules)),
			"enabled": fmt.Sprintf("%d", enabled),
		},
	})
}

func (d *Diagnostics) checkPorts() {
	port := d.cfg.Server.HTTPPort

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "API rate limiting is disabled",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "API rate limiting is enabled",
			Details: map[string]string{
				"requests_per_sec": fmt.Sprintf("%g", d.cfg.RateLimit.RequestsPerSec),
				"burst":            fmt.Sprintf("%d", d.cfg.RateLimit.BurstSize),
			},
		})
	}

	if d.cfg.CORS.Enabled {
		for _, o := range d.cfg.CORS.AllowedOrigins {
			if o == "*" {
				d.addResult(DiagnosticResult{
					Name:    "cors",
					Status:  StatusWarning,
					Message: "CORS allows any origin",
				})
				break
			}
		}
	}

	if !d.cfg.Server.Production {
		d.addResult(DiagnosticResult{
			Name:    "error_sanitization",
			Status:  StatusWarning,
			Message: "Production mode is off; internal error detail is returned to clients",
		})
	}

	if d.cfg.Kafka.Enabled && d.cfg.Kafka.TLSSkipVerify {
		d.addResult(DiagnosticResult{
			Name:    "kafka_tls",
			Status:  StatusWarning,
			Message: "Kafka TLS certificate verification is disabled",
		})
	}
}

func (d *Diagnostics) checkDependencies(ctx context.Context) {
	if !d.cfg.Kafka.Enabled {
		d.addResult(DiagnosticResult{Name: "kafka", Status: StatusSkipped, Message: "Kafka disabled"})
	} else {
		var reachable, failed []string
		for _, broker := range d.cfg.Kafka.Brokers {
			if err := d.dial(ctx, broker); err != nil {
				failed = append(failed, broker)
			} else {
				reachable = append(reachable, broker)
			}
		}

		result := DiagnosticResult{
			Name: "kafka",
			Details: map[string]string{
				"reachable":   strings.Join(reachable, ","),
				"unreachable": strings.Join(failed, ","),
			},
		}
		switch {
		case len(reachable) == 0:
			result.Status, result.Message = StatusError, "No Kafka broker is reachable"
		case len(failed) > 0:
			result.Status, result.Message = StatusWarning, "Some Kafka brokers are unreachable"
		default:
			result.Status, result.Message = StatusOK, "Kafka brokers reachable"
		}
		d.addResult(result)
	}

	if !d.cfg.Redis.Enabled {
		d.addResult(DiagnosticResult{Name: "redis", Status: StatusSkipped, Message: "Redis mirror disabled"})
		return
	}
	if err := d.dial(ctx, d.cfg.Redis.Addr); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "redis",
			Status:  StatusError,
			Message: fmt.Sprintf("Redis is not reachable: %s", err),
			Details: map[string]string{"addr": d.cfg.Redis.Addr},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "redis",
		Status:  StatusOK,
		Message: "Redis reachable",
		Details: map[string]string{"addr": d.cfg.Redis.Addr},
	})
}

func (d *Diagnostics) dial(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
