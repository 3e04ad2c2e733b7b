// Package stream connects the engine to Kafka: events are consumed from an
// intake topic and notifications are published to an output topic.
package stream

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"socwatch/internal/config"
)

// ErrClosed is returned when using a stopped consumer or producer.
var ErrClosed = errors.New("stream: closed")

// Config holds Kafka connection settings shared by Consumer and Producer.
type Config struct {
	Brokers           []string
	EventsTopic       string
	NotificationTopic string
	GroupID           string

	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	TLSCAFile        string
	TLSSkipVerify    bool

	DialTimeout    time.Duration
	CommitInterval time.Duration
	BatchTimeout   time.Duration
	WriteTimeout   time.Duration
	RetryBackoff   time.Duration
}

// NewConfig builds a stream Config from the service configuration.
func NewConfig(kc config.KafkaConfig) *Config {
	protocol := kc.SecurityProtocol
	if protocol == "" {
		protocol = "PLAINTEXT"
	}
	return &Config{
		Brokers:           kc.Brokers,
		EventsTopic:       kc.EventsTopic,
		NotificationTopic: kc.NotificationTopic,
		GroupID:           kc.GroupID,
		SecurityProtocol:  protocol,
		SASLMechanism:     kc.SASLMechanism,
		SASLUsername:      kc.SASLUsername,
		SASLPassword:      kc.SASLPassword,
		TLSCAFile:         kc.TLSCAFile,
		TLSSkipVerify:     kc.TLSSkipVerify,
		DialTimeout:       10 * time.Second,
		CommitInterval:    time.Second,
		BatchTimeout:      10 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		RetryBackoff:      time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("stream: at least one broker is required")
	}

	validProtocols := map[string]bool{
		"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true,
	}
	if !validProtocols[c.SecurityProtocol] {
		return fmt.Errorf("stream: invalid security protocol: %s", c.SecurityProtocol)
	}

	if c.usesSASL() {
		validMechanisms := map[string]bool{
			"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
		}
		if !validMechanisms[c.SASLMechanism] {
			return fmt.Errorf("stream: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("stream: SASL username and password required for SASL authentication")
		}
	}

	return nil
}

func (c *Config) usesSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

func (c *Config) usesTLS() bool {
	return c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

// Dialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.usesTLS() {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("stream: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.usesSASL() {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("stream: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("TLS certificate verification is disabled for Kafka")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

// Metrics holds consumer or producer counters.
type Metrics struct {
	Messages int64  `json:"messages"`
	Bytes    int64  `json:"bytes"`
	Errors   int64  `json:"errors"`
	Skipped  int64  `json:"skipped"`
	LastErr  string `json:"last_error,omitempty"`
}
