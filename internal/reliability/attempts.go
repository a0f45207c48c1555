package reliability

import (
	"sync"
	"time"
)

type attempt struct {
	count     int
	lastError string
	updated   time.Time
}

// AttemptTracker counts processing failures per event id. Redeliveries of
// the same event share one counter; the event itself is never mutated.
type AttemptTracker struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	ttl      time.Duration
	now      func() time.Time
}

// AttemptOption configures the tracker
type AttemptOption func(*AttemptTracker)

// WithAttemptTTL sets how long an untouched counter is kept
func WithAttemptTTL(ttl time.Duration) AttemptOption {
	return func(t *AttemptTracker) {
		t.ttl = ttl
	}
}

// WithAttemptClock overrides the time source
func WithAttemptClock(now func() time.Time) AttemptOption {
	return func(t *AttemptTracker) {
		t.now = now
	}
}

// NewAttemptTracker creates an empty tracker
func NewAttemptTracker(options ...AttemptOption) *AttemptTracker {
	t := &AttemptTracker{
		attempts: make(map[string]*attempt),
		ttl:      time.Hour,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Fail records a failed attempt and returns the new count. base is the
// count the producer already reported on the event; the tracker never goes
// below it.
func (t *AttemptTracker) Fail(eventID string, base int, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[eventID]
	if !ok {
		a = &attempt{}
		t.attempts[eventID] = a
	}
	if a.count < base {
		a.count = base
	}
	a.count++
	if err != nil {
		a.lastError = err.Error()
	}
	a.updated = t.now()
	return a.count
}

// Count returns the attempts recorded for an event
func (t *AttemptTracker) Count(eventID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.attempts[eventID]; ok {
		return a.count
	}
	return 0
}

// LastError returns the most recent failure text for an event
func (t *AttemptTracker) LastError(eventID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.attempts[eventID]; ok {
		return a.lastError
	}
	return ""
}

// Clear forgets an event after success or dead-lettering
func (t *AttemptTracker) Clear(eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, eventID)
}

// Sweep drops counters idle for longer than the ttl and returns how many
// were removed
func (t *AttemptTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	removed := 0
	for id, a := range t.attempts {
		if a.updated.Before(cutoff) {
			delete(t.attempts, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked events
func (t *AttemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}
