package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"socwatch/internal/clock"
)

// Validator rejects malformed events before they reach any tracker state.
type Validator struct {
	validate  *validator.Validate
	clock     clock.Clock
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
// A zero MaxAge or MaxFuture disables that bound.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with the default configuration.
func NewValidator(clk clock.Clock) *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig(), clk)
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig, clk clock.Clock) *Validator {
	v := validator.New()

	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).IsValid()
	})

	if clk == nil {
		clk = clock.New()
	}

	return &Validator{
		validate:  v,
		clock:     clk,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate returns an error describing the first problem found in event.
func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.Timestamp.IsZero() {
		return fmt.Errorf("Timestamp is required")
	}

	now := v.clock.Now()

	if v.maxAge > 0 && event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if v.maxFuture > 0 && event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}
