package security

import (
	"sync"
	"time"
)

// EventKind classifies a security event.
type EventKind string

const (
	EventRateLimit       EventKind = "rate_limit"
	EventSuspiciousInput EventKind = "suspicious_input"
	EventInvalidInput    EventKind = "invalid_input"
	EventBlocked         EventKind = "blocked"
)

// Event is one append-only diagnostic record. Events are held in a bounded
// in-memory ring; they are not durable and carry no delivery guarantee.
type Event struct {
	Kind       EventKind `json:"kind"`
	Identifier string    `json:"identifier"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"user_agent"`
	Details    string    `json:"details"`
	At         time.Time `json:"at"`
}

// EventLog is a fixed-capacity ring of security events. Once full, the
// oldest entry is overwritten.
type EventLog struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

// NewEventLog creates an EventLog holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Record appends an event, stamping At if unset.
func (l *EventLog) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.mu.Lock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of events currently held.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
