// Package blocking counts suspicious attempts per source and blocks sources
// once they cross a fixed threshold.
package blocking

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"socwatch/internal/clock"
	"socwatch/internal/queue"
	"socwatch/internal/schema"
)

// ErrSourceNotFound is returned by lookups for a source with no attempt record.
var ErrSourceNotFound = errors.New("source not found")

const (
	// ReasonThreshold is recorded when a source is blocked automatically.
	ReasonThreshold = "Multiple failed attempts detected"
	// ReasonManualUnblock is recorded when an administrator unblocks a source.
	ReasonManualUnblock = "Manually unblocked by administrator"
)

// Status is the state recorded in a block history entry.
type Status string

const (
	StatusBlocked   Status = "blocked"
	StatusUnblocked Status = "unblocked"
)

// Config configures the monitor.
type Config struct {
	Threshold   int           // Attempts that trigger a block
	SampleSize  int           // Messages kept per source for audit
	HistorySize int           // Block history entries retained
	Retention   time.Duration // Age after which attempts and history are purged
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		SampleSize:  10,
		HistorySize: 100,
		Retention:   24 * time.Hour,
	}
}

// AttemptSample is one audited message from a source.
type AttemptSample struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AttemptRecord is the running attempt tally for a source.
type AttemptRecord struct {
	Source       string          `json:"source"`
	Count        int             `json:"attempts"`
	FirstAttempt time.Time       `json:"first_attempt"`
	LastAttempt  time.Time       `json:"last_attempt"`
	Samples      []AttemptSample `json:"samples,omitempty"`
}

// BlockRecord is a block history entry.
type BlockRecord struct {
	ID           uuid.UUID  `json:"id"`
	Source       string     `json:"source"`
	Status       Status     `json:"status"`
	Reason       string     `json:"reason"`
	AttemptCount int        `json:"attempts,omitempty"`
	FirstAttempt *time.Time `json:"first_attempt,omitempty"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	BlockedAt    *time.Time `json:"blocked_at,omitempty"`
	UnblockedAt  *time.Time `json:"unblocked_at,omitempty"`
}

// Timestamp returns the time the entry was recorded.
func (r BlockRecord) Timestamp() time.Time {
	if r.BlockedAt != nil {
		return *r.BlockedAt
	}
	if r.UnblockedAt != nil {
		return *r.UnblockedAt
	}
	return time.Time{}
}

// Monitor tracks attempts and active blocks. All state sits behind one
// mutex; attempt tracking is far off the hot correlation path.
type Monitor struct {
	config   Config
	clock    clock.Clock
	attempts map[string]*AttemptRecord
	blocked  map[string]BlockRecord
	history  *queue.RingBuffer[BlockRecord]
	mu       sync.Mutex
}

// NewMonitor creates a Monitor.
func NewMonitor(config Config, clk clock.Clock) *Monitor {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.SampleSize <= 0 {
		config.SampleSize = def.SampleSize
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}

	return &Monitor{
		config:   config,
		clock:    clk,
		attempts: make(map[string]*AttemptRecord),
		blocked:  make(map[string]BlockRecord),
		history:  queue.NewBoundedHistory[BlockRecord](config.HistorySize),
	}
}

// TrackAttempt counts one attempt from source. When this attempt brings the
// count to the threshold and the source is not already blocked, the source
// is blocked and the new BlockRecord is returned; otherwise the second
// result is nil.
func (m *Monitor) TrackAttempt(source, message string) (AttemptRecord, *BlockRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rec, ok := m.attempts[source]
	if !ok {
		rec = &AttemptRecord{Source: source, FirstAttempt: now}
		m.attempts[source] = rec
	}

	rec.Count++
	rec.LastAttempt = now
	rec.Samples = append(rec.Samples, AttemptSample{Timestamp: now, Message: message})
	if over := len(rec.Samples) - m.config.SampleSize; over > 0 {
		rec.Samples = append([]AttemptSample(nil), rec.Samples[over:]...)
	}

	var block *BlockRecord
	if _, already := m.blocked[source]; rec.Count >= m.config.Threshold && !already {
		b := m.blockLocked(rec, now)
		block = &b
	}

	return rec.copy(), block
}

func (m *Monitor) blockLocked(rec *AttemptRecord, now time.Time) BlockRecord {
	first, last := rec.FirstAttempt, rec.LastAttempt
	b := BlockRecord{
		ID:           uuid.New(),
		Source:       rec.Source,
		Status:       StatusBlocked,
		Reason:       ReasonThreshold,
		AttemptCount: rec.Count,
		FirstAttempt: &first,
		LastAttempt:  &last,
		BlockedAt:    &now,
	}
	m.blocked[rec.Source] = b
	m.history.Push(b)
	return b
}

// IsBlocked reports whether source currently has an active block.
func (m *Monitor) IsBlocked(source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[source]
	return ok
}

// Unblock clears the active block and attempt counter for source and
// appends an unblocked history entry. The entry is appended even when the
// source was not blocked; wasBlocked reports which case applied.
func (m *Monitor) Unblock(source string) (record BlockRecord, wasBlocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, wasBlocked = m.blocked[source]
	delete(m.blocked, source)
	delete(m.attempts, source)

	now := m.clock.Now()
	record = BlockRecord{
		ID:          uuid.New(),
		Source:      source,
		Status:      StatusUnblocked,
		Reason:      ReasonManualUnblock,
		UnblockedAt: &now,
	}
	m.history.Push(record)
	return record, wasBlocked
}

// Attempts returns the attempt record for source.
func (m *Monitor) Attempts(source string) (AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.attempts[source]
	if !ok {
		return AttemptRecord{}, ErrSourceNotFound
	}
	return rec.copy(), nil
}

// Blocked returns the active blocks ordered by block time.
func (m *Monitor) Blocked() []BlockRecord {
	m.mu.Lock()
	out := make([]BlockRecord, 0, len(m.blocked))
	for _, b := range m.blocked {
		out = append(out, b)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp().Before(out[j].Timestamp())
	})
	return out
}

// History returns the block history, oldest first.
func (m *Monitor) History() []BlockRecord {
	return m.history.Snapshot()
}

// Cleanup purges attempt records and history entries older than the
// retention period. Active blocks are kept.
func (m *Monitor) Cleanup() (attempts, history int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.config.Retention)
	for src, rec := range m.attempts {
		if rec.LastAttempt.Before(cutoff) {
			delete(m.attempts, src)
			attempts++
		}
	}

	history = m.history.Retain(func(r BlockRecord) bool {
		return r.Timestamp().After(cutoff)
	})
	return attempts, history
}

// Reset drops every attempt, block and history entry.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = make(map[string]*AttemptRecord)
	m.blocked = make(map[string]BlockRecord)
	m.history.Clear()
}

// Offender is a source ranked by attempt count.
type Offender struct {
	Source       string    `json:"source"`
	Attempts     int       `json:"attempts"`
	Blocked      bool      `json:"blocked"`
	FirstAttempt time.Time `json:"first_attempt"`
	LastAttempt  time.Time `json:"last_attempt"`
}

// Stats summarizes blocking activity.
type Stats struct {
	TotalBlocked int           `json:"total_blocked"`
	RecentBlocks []BlockRecord `json:"recent_blocks"`
	TopOffenders []Offender    `json:"top_offenders"`
}

// Stats returns the active block count, the ten most recent history entries
// (oldest first) and the five sources with the most attempts.
func (m *Monitor) Stats() Stats {
	history := m.history.Snapshot()
	if len(history) > 10 {
		history = history[len(history)-10:]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offenders := make([]Offender, 0, len(m.attempts))
	for src, rec := range m.attempts {
		_, blocked := m.blocked[src]
		offenders = append(offenders, Offender{
			Source:       src,
			Attempts:     rec.Count,
			Blocked:      blocked,
			FirstAttempt: rec.FirstAttempt,
			LastAttempt:  rec.LastAttempt,
		})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Attempts == offenders[j].Attempts {
			return offenders[i].Source < offenders[j].Source
		}
		return offenders[i].Attempts > offenders[j].Attempts
	})
	if len(offenders) > 5 {
		offenders = offenders[:5]
	}

	return Stats{
		TotalBlocked: len(m.blocked),
		RecentBlocks: history,
		TopOffenders: offenders,
	}
}

func (r *AttemptRecord) copy() AttemptRecord {
	c := *r
	c.Samples = append([]AttemptSample(nil), r.Samples...)
	return c
}

var suspiciousKeywords = []string{"failed", "blocked", "unauthorized", "injection", "suspicious", "attack"}

// IsSuspicious reports whether an event should count as an attempt: its
// message carries a failure or attack keyword, or it is High or Critical.
func IsSuspicious(event *schema.Event) bool {
	if event == nil {
		return false
	}
	return event.Severity.AtLeastHigh() || schema.ContainsAny(event.Message, suspiciousKeywords...)
}
