// Package secrets resolves credential references in configuration values.
//
// A value of the form "env:NAME" is read from the environment and
// "file:NAME" from a file, which suits container-mounted secrets. Any
// other value is used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrSecretNotFound is returned when a referenced secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Provider looks up a secret by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

// Get returns the variable named by key, trying the SOCWATCH_-prefixed
// normalized form first.
func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	if v := os.Getenv(normalizeEnvKey(key)); v != "" {
		return v, nil
	}
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// normalizeEnvKey maps "kafka.sasl-password" to "SOCWATCH_KAFKA_SASL_PASSWORD".
func normalizeEnvKey(key string) string {
	upper := strings.ToUpper(key)
	normalized := strings.NewReplacer(".", "_", "-", "_").Replace(upper)
	if !strings.HasPrefix(normalized, "SOCWATCH_") {
		normalized = "SOCWATCH_" + normalized
	}
	return normalized
}

// FileProvider reads one secret per file. Relative keys resolve against
// BaseDir.
type FileProvider struct {
	BaseDir string
}

func (f FileProvider) Name() string { return "file" }

// Get returns the file contents with trailing newlines removed.
func (f FileProvider) Get(_ context.Context, key string) (string, error) {
	path := key
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.BaseDir, filepath.Clean("/"+key))
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Resolver dispatches references to providers by prefix.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver with the env provider and a file
// provider rooted at secretsDir.
func NewResolver(secretsDir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{providers: make(map[string]Provider), logger: logger}
	r.Register(EnvProvider{})
	r.Register(FileProvider{BaseDir: secretsDir})
	return r
}

// Register adds or replaces a provider under its name.
func (r *Resolver) Register(p Provider) {
	r.providers[p.Name()] = p
}

// ParseRef splits a reference into provider and key. Values without a
// known provider prefix are literals.
func (r *Resolver) ParseRef(ref string) (provider, key string, ok bool) {
	name, key, found := strings.Cut(ref, ":")
	if !found {
		return "", ref, false
	}
	if _, known := r.providers[name]; !known {
		return "", ref, false
	}
	return name, key, true
}

// Resolve returns the secret value for ref. Empty refs resolve to "".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	name, key, ok := r.ParseRef(ref)
	if !ok {
		return ref, nil
	}

	value, err := r.providers[name].Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secret %s:%s: %w", name, key, err)
	}
	r.logger.Debug("secret resolved", "provider", name, "key", key)
	return value, nil
}

// ResolveAll resolves each target in place, stopping at the first error.
func (r *Resolver) ResolveAll(ctx context.Context, targets ...*string) error {
	for _, t := range targets {
		v, err := r.Resolve(ctx, *t)
		if err != nil {
			return err
		}
		*t = v
	}
	return nil
}
