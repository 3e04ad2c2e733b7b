package activity

import (
	"sort"
	"sync"
	"time"

	"socwatch/internal/clock"
	"socwatch/internal/schema"
)

// Suspicion summarizes suspicious events observed from one source.
type Suspicion struct {
	Source      string          `json:"source"`
	Occurrences int             `json:"occurrences"`
	Severity    schema.Severity `json:"severity"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// SuspicionLog counts suspicious events per source until the next Reset.
type SuspicionLog struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]*Suspicion
}

// NewSuspicionLog creates an empty log.
func NewSuspicionLog(clk clock.Clock) *SuspicionLog {
	return &SuspicionLog{
		clock:   clk,
		entries: make(map[string]*Suspicion),
	}
}

// Observe records one suspicious event from source. Severity always
// reflects the most recent event.
func (l *SuspicionLog) Observe(source string, severity schema.Severity) Suspicion {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.entries[source]
	if !ok {
		s = &Suspicion{Source: source, FirstSeen: now}
		l.entries[source] = s
	}
	s.Occurrences++
	s.Severity = severity
	s.LastSeen = now
	return *s
}

// Get returns the entry for source.
func (l *SuspicionLog) Get(source string) (Suspicion, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[source]
	if !ok {
		return Suspicion{}, false
	}
	return *s, true
}

// List returns all entries, most occurrences first.
func (l *SuspicionLog) List() []Suspicion {
	l.mu.Lock()
	out := make([]Suspicion, 0, len(l.entries))
	for _, s := range l.entries {
		out = append(out, *s)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Reset forgets every entry.
func (l *SuspicionLog) Reset() {
	l.mu.Lock()
	l.entries = make(map[string]*Suspicion)
	l.mu.Unlock()
}
