// Package notify carries engine output (alerts, timer changes, remediation
// and block-list changes) to transport-layer subscribers.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an output notification.
type Type string

const (
	AlertRaised          Type = "alertRaised"
	AlertAcknowledged    Type = "alertAcknowledged"
	AlertPatched         Type = "alertPatched"
	AlertEscalated       Type = "alertEscalated"
	AlertIgnored         Type = "alertIgnored"
	GracePeriodStarted   Type = "gracePeriodStarted"
	GracePeriodCancelled Type = "gracePeriodCancelled"
	RemediationCompleted Type = "remediationCompleted"
	SourceBlocked        Type = "sourceBlocked"
	SourceUnblocked      Type = "sourceUnblocked"
	DailyReset           Type = "dailyReset"
)

// Notification is one output record.
type Notification struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// AlertRef identifies an alert in acknowledgment, escalation and ignore
// notifications.
type AlertRef struct {
	AlertID string `json:"alert_id"`
}

// Patched is the payload of AlertPatched.
type Patched struct {
	AlertID   string    `json:"alert_id"`
	PatchedBy string    `json:"patched_by"`
	Timestamp time.Time `json:"timestamp"`
}

// GraceStarted is the payload of GracePeriodStarted.
type GraceStarted struct {
	AlertID         string    `json:"alert_id"`
	DurationSeconds int       `json:"duration_seconds"`
	StartTime       time.Time `json:"start_time"`
}

// GraceCancelled is the payload of GracePeriodCancelled.
type GraceCancelled struct {
	AlertID     string    `json:"alert_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// Remediated is the payload of RemediationCompleted. Exactly one of
// AlertID and EventID is set.
type Remediated struct {
	Patch   any    `json:"patch"`
	AlertID string `json:"alert_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Unblocked is the payload of SourceUnblocked.
type Unblocked struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ResetInfo is the payload of DailyReset.
type ResetInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Publisher accepts notifications. Implementations must not block.
type Publisher interface {
	Publish(n Notification)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Notification) {}

// Bus fans notifications out to subscribers. Each subscriber has its own
// buffered channel; a subscriber that falls behind loses notifications
// rather than stalling the engine.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Notification
	nextID  uint64
	closed  bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Notification)}
}

// Publish delivers n to every subscriber without blocking.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Stats reports delivery counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Delivered:   b.sent.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Recorder is a Publisher that keeps everything it receives. It is meant
// for tests.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Publish records n.
func (r *Recorder) Publish(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// OfType returns the recorded notifications of type t.
func (r *Recorder) OfType(t Type) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
