// Package config handles configuration loading for socwatch.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"socwatch/internal/activity"
	"socwatch/internal/alerting"
	"socwatch/internal/blocking"
	"socwatch/internal/correlation"
	"socwatch/internal/engine"
	"socwatch/internal/remediation"
	"socwatch/internal/schema"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Engine      EngineConfig      `yaml:"engine"`
	Validation  ValidationConfig  `yaml:"validation"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Blocking    BlockingConfig    `yaml:"blocking"`
	Remediation RemediationConfig `yaml:"remediation"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	StreamBuffer   int           `yaml:"stream_buffer"` // Per-client WebSocket send buffer
	Production     bool          `yaml:"production"`    // Sanitize error text returned to clients
	SecretsDir     string        `yaml:"secrets_dir"`   // Base for file: credential references
}

// EngineConfig holds pipeline scheduling settings.
type EngineConfig struct {
	Partitions      int           `yaml:"partitions"`
	QueueSize       int           `yaml:"queue_size"`
	ResetHour       int           `yaml:"reset_hour"` // -1 disables the daily reset
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ShutdownWait    time.Duration `yaml:"shutdown_wait"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	RulesFile      string        `yaml:"rules_file"` // Empty keeps the built-in rules
	WatchRules     bool          `yaml:"watch_rules"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Retention      time.Duration `yaml:"retention"` // Activity window horizon
	SkipInternal   bool          `yaml:"skip_internal"`
	RelatedEvents  int           `yaml:"related_events"`
	SnapshotWindow time.Duration `yaml:"snapshot_window"`
	CooldownPurge  time.Duration `yaml:"cooldown_purge"`
}

// BlockingConfig holds block threshold monitor settings.
type BlockingConfig struct {
	Threshold   int           `yaml:"threshold"`
	HistorySize int           `yaml:"history_size"`
	Retention   time.Duration `yaml:"retention"`
}

// RemediationConfig holds remediation engine settings.
type RemediationConfig struct {
	HistorySize int           `yaml:"history_size"`
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
}

// AlertingConfig holds alert lifecycle settings.
type AlertingConfig struct {
	GracePeriod        time.Duration `yaml:"grace_period"`
	MaxAlerts          int           `yaml:"max_alerts"`
	GraceForCorrelated bool          `yaml:"grace_for_correlated"`
}

// KafkaConfig holds Kafka intake and notification settings.
type KafkaConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Brokers           []string `yaml:"brokers"`
	EventsTopic       string   `yaml:"events_topic"`
	NotificationTopic string   `yaml:"notification_topic"` // Empty disables publishing
	GroupID           string   `yaml:"group_id"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism"`
	SASLUsername     string `yaml:"sasl_username"`
	SASLPassword     string `yaml:"sasl_password"`
	TLSCAFile        string `yaml:"tls_ca_file"`
	TLSSkipVerify    bool   `yaml:"tls_skip_verify"`
}

// RedisConfig holds block-list mirror settings.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TLS          bool          `yaml:"tls"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	BurstSize      int           `yaml:"burst_size"`
	CleanupPeriod  time.Duration `yaml:"cleanup_period"`
	ExemptPaths    []string      `yaml:"exempt_paths"`
	TrustProxy     bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For header
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			MaxBatchSize:   1000,
			StreamBuffer:   256,
			SecretsDir:     "/run/secrets",
		},
		Engine: EngineConfig{
			Partitions:      4,
			QueueSize:       10000,
			ResetHour:       12,
			CleanupInterval: time.Hour,
			ShutdownWait:    30 * time.Second,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Correlation: CorrelationConfig{
			WatchRules:     true,
			Cooldown:       5 * time.Minute,
			Retention:      time.Hour,
			SkipInternal:   true,
			RelatedEvents:  5,
			SnapshotWindow: 10 * time.Minute,
			CooldownPurge:  time.Hour,
		},
		Blocking: BlockingConfig{
			Threshold:   5,
			HistorySize: 100,
			Retention:   24 * time.Hour,
		},
		Remediation: RemediationConfig{
			HistorySize: 100,
			MinLatency:  500 * time.Millisecond,
			MaxLatency:  2500 * time.Millisecond,
		},
		Alerting: AlertingConfig{
			GracePeriod:        60 * time.Second,
			MaxAlerts:          1000,
			GraceForCorrelated: true,
		},
		Kafka: KafkaConfig{
			Enabled:           false,
			Brokers:           []string{"localhost:9092"},
			EventsTopic:       "socwatch-events",
			NotificationTopic: "socwatch-notifications",
			GroupID:           "socwatch",
			SecurityProtocol:  "PLAINTEXT",
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			KeyPrefix:    "socwatch:",
			SyncInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 20,
			BurstSize:      50,
			CleanupPeriod:  5 * time.Minute,
			ExemptPaths:    []string{"/health", "/metrics"},
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file named by SOCWATCH_CONFIG_PATH (default
// configs/config.yaml) over the defaults, then applies environment
// overrides. A missing file is not an error.
func Load() (*Config, error) {
	configPath := os.Getenv("SOCWATCH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SOCWATCH_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if os.Getenv("SOCWATCH_ENV") == "production" {
		c.Server.Production = true
	}

	if level := os.Getenv("SOCWATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if grace := os.Getenv("SOCWATCH_GRACE_PERIOD"); grace != "" {
		if d, err := time.ParseDuration(grace); err == nil {
			c.Alerting.GracePeriod = d
		}
	}

	if rules := os.Getenv("SOCWATCH_RULES_FILE"); rules != "" {
		c.Correlation.RulesFile = rules
	}

	if brokers := os.Getenv("SOCWATCH_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if pass := os.Getenv("SOCWATCH_KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	if addr := os.Getenv("SOCWATCH_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}

	if pass := os.Getenv("SOCWATCH_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if enabled := os.Getenv("SOCWATCH_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if origins := os.Getenv("SOCWATCH_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins, ",")
	}
}

// splitAndTrim splits s by sep and drops empty, whitespace-only parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Engine.Partitions <= 0 {
		return fmt.Errorf("engine partitions must be positive")
	}

	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine queue_size must be positive")
	}

	if c.Engine.ResetHour < -1 || c.Engine.ResetHour > 23 {
		return fmt.Errorf("invalid reset_hour: %d", c.Engine.ResetHour)
	}

	if c.Alerting.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}

	if c.Blocking.Threshold <= 0 {
		return fmt.Errorf("blocking threshold must be positive")
	}

	if c.Remediation.MaxLatency < c.Remediation.MinLatency {
		return fmt.Errorf("remediation max_latency %v is below min_latency %v",
			c.Remediation.MaxLatency, c.Remediation.MinLatency)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka enabled without brokers")
		}
		if c.Kafka.EventsTopic == "" {
			return fmt.Errorf("kafka events_topic is required")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis enabled without addr")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	return nil
}

// EngineOptions maps the file configuration onto the engine's components.
func (c *Config) EngineOptions() engine.Config {
	ec := engine.DefaultConfig()

	ec.Partitions = c.Engine.Partitions
	ec.QueueSize = c.Engine.QueueSize
	ec.ResetHour = c.Engine.ResetHour
	ec.CleanupInterval = c.Engine.CleanupInterval
	ec.ShutdownWait = c.Engine.ShutdownWait

	ec.Validator = schema.ValidatorConfig{
		MaxAge:    c.Validation.MaxEventAge,
		MaxFuture: c.Validation.MaxFuture,
	}

	ec.Activity = activity.DefaultConfig()
	if c.Correlation.Retention > 0 {
		ec.Activity.Retention = c.Correlation.Retention
	}

	ec.Correlation = correlation.EngineConfig{
		Cooldown:          c.Correlation.Cooldown,
		CooldownRetention: c.Correlation.CooldownPurge,
		SnapshotWindow:    c.Correlation.SnapshotWindow,
		RelatedLimit:      c.Correlation.RelatedEvents,
		SkipInternal:      c.Correlation.SkipInternal,
	}

	ec.Blocking = blocking.DefaultConfig()
	ec.Blocking.Threshold = c.Blocking.Threshold
	ec.Blocking.HistorySize = c.Blocking.HistorySize
	ec.Blocking.Retention = c.Blocking.Retention

	ec.Remediation = remediation.Config{
		HistorySize: c.Remediation.HistorySize,
		MinLatency:  c.Remediation.MinLatency,
		MaxLatency:  c.Remediation.MaxLatency,
	}

	ec.Alerting = alerting.DefaultManagerConfig()
	ec.Alerting.GracePeriod = c.Alerting.GracePeriod
	ec.Alerting.MaxAlerts = c.Alerting.MaxAlerts
	ec.Alerting.GraceForCorrelated = c.Alerting.GraceForCorrelated

	return ec
}
