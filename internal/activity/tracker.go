// Package activity keeps a bounded, time-ordered window of recent events for
// every source identifier seen by the engine.
package activity

import (
	"sort"
	"sync"
	"time"

	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

// DefaultRetention is how long an event stays in a source's window.
const DefaultRetention = time.Hour

// Config configures the tracker.
type Config struct {
	Retention         time.Duration
	SuspiciousWindow  time.Duration // Window used by Stats to flag busy sources
	SuspiciousMinimum int           // Events within SuspiciousWindow above which a source is flagged
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		Retention:         DefaultRetention,
		SuspiciousWindow:  10 * time.Minute,
		SuspiciousMinimum: 5,
	}
}

// Tracker owns every source's activity window. Each window has its own lock,
// so updates for different sources never contend with each other.
type Tracker struct {
	config  Config
	clock   clock.Clock
	windows map[string]*window
	mu      sync.RWMutex
}

type window struct {
	mu        sync.Mutex
	events    []*schema.Event
	lastTouch time.Time
	removed   bool
}

// NewTracker creates an empty tracker.
func NewTracker(config Config, clk clock.Clock) *Tracker {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	return &Tracker{
		config:  config,
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// Record appends event to the source's window, prunes entries older than the
// retention horizon, and returns a copy of the pruned window. An empty
// sourceID is a no-op returning nil.
func (t *Tracker) Record(sourceID string, event *schema.Event) []*schema.Event {
	var snapshot []*schema.Event
	t.Update(sourceID, event, func(events []*schema.Event) {
		snapshot = make([]*schema.Event, len(events))
		copy(snapshot, events)
	})
	return snapshot
}

// Update appends event to the source's window and calls fn with the pruned
// window while the window is still locked, so fn observes exactly the state
// produced by this append. fn must not retain the slice or call back into
// the Tracker.
func (t *Tracker) Update(sourceID string, event *schema.Event, fn func(events []*schema.Event)) {
	if sourceID == "" || event == nil {
		return
	}

	for {
		w := t.getOrCreate(sourceID)
		w.mu.Lock()
		if w.removed {
			// Lost a race with Cleanup; the entry was dropped from the map.
			w.mu.Unlock()
			continue
		}

		now := t.clock.Now()
		w.insert(event)
		w.prune(now.Add(-t.config.Retention))
		w.lastTouch = now

		if fn != nil {
			fn(w.events)
		}
		w.mu.Unlock()
		return
	}
}

func (t *Tracker) getOrCreate(sourceID string) *window {
	t.mu.RLock()
	w, ok := t.windows[sourceID]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[sourceID]; ok {
		return w
	}
	w = &window{}
	t.windows[sourceID] = w
	return w
}

// insert keeps the window ordered by event timestamp.
func (w *window) insert(event *schema.Event) {
	n := len(w.events)
	if n == 0 || !event.Timestamp.Before(w.events[n-1].Timestamp) {
		w.events = append(w.events, event)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return w.events[i].Timestamp.After(event.Timestamp)
	})
	w.events = append(w.events, nil)
	copy(w.events[i+1:], w.events[i:])
	w.events[i] = event
}

func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	kept := make([]*schema.Event, len(w.events)-i)
	copy(kept, w.events[i:])
	w.events = kept
}

// Window returns a copy of the source's current window, pruned to the
// retention horizon. Unknown sources return nil.
func (t *Tracker) Window(sourceID string) []*schema.Event {
	t.mu.RLock()
	w, ok := t.windows[sourceID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	cutoff := t.clock.Now().Add(-t.config.Retention)
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*schema.Event, 0, len(w.events))
	for _, e := range w.events {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Cleanup prunes every window and drops sources whose window is empty and
// that have not been touched within the retention horizon. It works from a
// snapshot of the key set, re-checking each entry under its own lock, so it
// may run concurrently with Update. It returns the number of sources removed.
func (t *Tracker) Cleanup() int {
	t.mu.RLock()
	keys := make([]string, 0, len(t.windows))
	for k := range t.windows {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	now := t.clock.Now()
	cutoff := now.Add(-t.config.Retention)
	removed := 0

	for _, k := range keys {
		t.mu.Lock()
		w, ok := t.windows[k]
		if !ok {
			t.mu.Unlock()
			continue
		}
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.events) == 0 && w.lastTouch.Before(cutoff) {
			w.removed = true
			delete(t.windows, k)
			removed++
		}
		w.mu.Unlock()
		t.mu.Unlock()
	}

	return removed
}

// Reset drops every window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.windows {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
	}
	t.windows = make(map[string]*window)
}

// Stats summarizes tracked sources.
type Stats struct {
	TrackedSources    int `json:"tracked_sources"`
	ActiveSources     int `json:"active_sources"`
	SuspiciousSources int `json:"suspicious_sources"`
}

// Stats counts tracked sources, sources with at least one event inside the
// retention horizon, and sources exceeding the suspicious-volume threshold.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	windows := make([]*window, 0, len(t.windows))
	for _, w := range t.windows {
		windows = append(windows, w)
	}
	t.mu.RUnlock()

	now := t.clock.Now()
	retentionCutoff := now.Add(-t.config.Retention)
	suspiciousCutoff := now.Add(-t.config.SuspiciousWindow)

	stats := Stats{TrackedSources: len(windows)}
	for _, w := range windows {
		w.mu.Lock()
		active, recent := 0, 0
		for _, e := range w.events {
			if !e.Timestamp.Before(retentionCutoff) {
				active++
			}
			if !e.Timestamp.Before(suspiciousCutoff) {
				recent++
			}
		}
		w.mu.Unlock()

		if active > 0 {
			stats.ActiveSources++
		}
		if recent > t.config.SuspiciousMinimum {
			stats.SuspiciousSources++
		}
	}
	return stats
}
