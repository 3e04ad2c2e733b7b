// Package blocklist mirrors the engine's active block list into Redis so
// firewalls and proxies can enforce it without calling the API.
//
// Layout under the configured prefix:
//
//	<prefix>blocked           set of blocked source addresses
//	<prefix>block:<source>    hash with the block record fields
package blocklist

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"socwatch/internal/blocking"
	"socwatch/internal/config"
	"socwatch/internal/metrics"
	"socwatch/internal/notify"
)

// Mirror applies block and unblock notifications to Redis.
type Mirror struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	applied atomic.Int64
	errors  atomic.Int64
}

// Options configures a Mirror connection.
type Options struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	TLSEnabled bool
}

// OptionsFrom converts the service configuration.
func OptionsFrom(rc config.RedisConfig) Options {
	return Options{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		KeyPrefix:  rc.KeyPrefix,
		TLSEnabled: rc.TLS,
	}
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Mirror, error) {
	ro := &redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if opts.TLSEnabled {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, opts.KeyPrefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{client: client, prefix: prefix, logger: logger}
}

func (m *Mirror) setKey() string {
	return m.prefix + "blocked"
}

func (m *Mirror) recordKey(source string) string {
	return m.prefix + "block:" + source
}

// Apply updates Redis for one notification. Notifications other than
// sourceBlocked, sourceUnblocked and dailyReset are ignored.
func (m *Mirror) Apply(ctx context.Context, n notify.Notification) error {
	var err error
	switch n.Type {
	case notify.SourceBlocked:
		rec, ok := n.Payload.(blocking.BlockRecord)
		if !ok {
			return fmt.Errorf("blocklist: unexpected %s payload %T", n.Type, n.Payload)
		}
		err = m.add(ctx, rec)
	case notify.SourceUnblocked:
		p, ok := n.Payload.(notify.Unblocked)
		if !ok {
			return fmt.Errorf("blocklist: unexpected %s payload %T", n.Type, n.Payload)
		}
		err = m.remove(ctx, p.Source)
	case notify.DailyReset:
		err = m.Sync(ctx, nil)
	default:
		return nil
	}

	if err != nil {
		m.errors.Add(1)
		metrics.StreamErrors.WithLabelValues("redis").Inc()
		return err
	}
	m.applied.Add(1)
	metrics.NotificationsPublished.WithLabelValues("redis", string(n.Type)).Inc()
	return nil
}

func (m *Mirror) add(ctx context.Context, rec blocking.BlockRecord) error {
	fields := recordFields(rec)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, m.setKey(), rec.Source)
		pipe.Del(ctx, m.recordKey(rec.Source))
		pipe.HSet(ctx, m.recordKey(rec.Source), fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("blocklist: add %s: %w", rec.Source, err)
	}
	return nil
}

func (m *Mirror) remove(ctx context.Context, source string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, m.setKey(), source)
		pipe.Del(ctx, m.recordKey(source))
		return nil
	})
	if err != nil {
		return fmt.Errorf("blocklist: remove %s: %w", source, err)
	}
	return nil
}

func recordFields(rec blocking.BlockRecord) map[string]any {
	fields := map[string]any{
		"id":       rec.ID.String(),
		"source":   rec.Source,
		"status":   string(rec.Status),
		"reason":   rec.Reason,
		"attempts": strconv.Itoa(rec.AttemptCount),
	}
	if rec.BlockedAt != nil {
		fields["blocked_at"] = rec.BlockedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// Sync replaces the mirrored set with records.
func (m *Mirror) Sync(ctx context.Context, records []blocking.BlockRecord) error {
	existing, err := m.client.SMembers(ctx, m.setKey()).Result()
	if err != nil {
		return fmt.Errorf("blocklist: read members: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, source := range existing {
			pipe.Del(ctx, m.recordKey(source))
		}
		pipe.Del(ctx, m.setKey())
		for _, rec := range records {
			pipe.SAdd(ctx, m.setKey(), rec.Source)
			pipe.HSet(ctx, m.recordKey(rec.Source), recordFields(rec))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("blocklist: sync: %w", err)
	}

	m.logger.Debug("block list synced", "removed", len(existing), "blocked", len(records))
	return nil
}

// Run applies notifications until updates closes or ctx ends. When
// snapshot is non-nil the mirror is also fully resynced from it every
// interval, which covers resets that publish no notification.
func (m *Mirror) Run(ctx context.Context, updates <-chan notify.Notification,
	snapshot func() []blocking.BlockRecord, interval time.Duration) {

	var tick <-chan time.Time
	if snapshot != nil && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C

		if err := m.Sync(ctx, snapshot()); err != nil {
			m.logger.Error("initial block list sync failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := m.Sync(ctx, snapshot()); err != nil {
				m.logger.Error("block list sync failed", "error", err)
			}
		case n, ok := <-updates:
			if !ok {
				return
			}
			if err := m.Apply(ctx, n); err != nil {
				m.logger.Error("failed to mirror notification", "type", n.Type, "error", err)
			}
		}
	}
}

// Blocked returns the mirrored sources, sorted.
func (m *Mirror) Blocked(ctx context.Context) ([]string, error) {
	members, err := m.client.SMembers(ctx, m.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// IsBlocked reports whether source is in the mirrored set.
func (m *Mirror) IsBlocked(ctx context.Context, source string) (bool, error) {
	return m.client.SIsMember(ctx, m.setKey(), source).Result()
}

// Record returns the mirrored hash for source, or redis.Nil when absent.
func (m *Mirror) Record(ctx context.Context, source string) (map[string]string, error) {
	fields, err := m.client.HGetAll(ctx, m.recordKey(source)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	return fields, nil
}

// Stats reports mirror counters.
type Stats struct {
	Applied int64 `json:"applied"`
	Errors  int64 `json:"errors"`
}

// Stats returns mirror counters.
func (m *Mirror) Stats() Stats {
	return Stats{Applied: m.applied.Load(), Errors: m.errors.Load()}
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
