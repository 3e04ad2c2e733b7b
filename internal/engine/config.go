package engine

import (
	"time"

	"socwatch/internal/activity"
	"socwatch/internal/alerting"
	"socwatch/internal/blocking"
	"socwatch/internal/correlation"
	"socwatch/internal/remediation"
	"socwatch/internal/schema"
)

// Config wires together the configuration of every pipeline component.
type Config struct {
	Partitions      int           // Serializing workers; a source always maps to the same one
	QueueSize       int           // Capacity of each partition queue
	ResetHour       int           // Local hour of the daily reset; negative disables it
	CleanupInterval time.Duration // Period of the stale-state sweep
	ShutdownWait    time.Duration

	Validator   schema.ValidatorConfig
	Activity    activity.Config
	Correlation correlation.EngineConfig
	Blocking    blocking.Config
	Remediation remediation.Config
	Alerting    alerting.ManagerConfig
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Partitions:      4,
		QueueSize:       10000,
		ResetHour:       12,
		CleanupInterval: time.Hour,
		ShutdownWait:    30 * time.Second,
		Validator:       schema.DefaultValidatorConfig(),
		Activity:        activity.DefaultConfig(),
		Correlation:     correlation.DefaultEngineConfig(),
		Blocking:        blocking.DefaultConfig(),
		Remediation:     remediation.DefaultConfig(),
		Alerting:        alerting.DefaultManagerConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Partitions <= 0 {
		c.Partitions = def.Partitions
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ResetHour > 23 {
		c.ResetHour = def.ResetHour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = def.ShutdownWait
	}
}
