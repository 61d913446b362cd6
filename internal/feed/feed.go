// Package feed keeps the recent history of a monitoring session and fans new
// events out to live subscribers.
package feed

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindState    Kind = "state"
	KindReading  Kind = "reading"
	KindFailure  Kind = "failure"
	KindNotified Kind = "notified"
	KindOutcome  Kind = "outcome"
)

// Event is one observable step of the monitor.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	RunID   string    `json:"run_id,omitempty"`
	State   string    `json:"state,omitempty"`
	Reading string    `json:"reading,omitempty"`
	Raw     string    `json:"raw,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Feed is an in-memory ring of events with non-blocking fan-out. Slow
// subscribers miss events rather than stall the monitor.
type Feed struct {
	mu      sync.RWMutex
	entries []Event
	maxSize int
	buffer  int
	subs    map[chan Event]struct{}
}

// New creates a feed keeping maxEntries events; each subscriber gets a
// channel buffered to eventBuffer.
func New(maxEntries, eventBuffer int) *Feed {
	return &Feed{
		entries: make([]Event, 0, maxEntries),
		maxSize: maxEntries,
		buffer:  eventBuffer,
		subs:    make(map[chan Event]struct{}),
	}
}

// Emit records ev and forwards it to subscribers (non-blocking).
func (f *Feed) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append(f.entries, ev)
	if len(f.entries) > f.maxSize {
		f.entries = f.entries[len(f.entries)-f.maxSize:]
	}
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, f.buffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n most recent events, oldest first.
func (f *Feed) Recent(n int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if n <= 0 || n > len(f.entries) {
		n = len(f.entries)
	}
	out := make([]Event, n)
	copy(out, f.entries[len(f.entries)-n:])
	return out
}

// Since returns events newer than t.
func (f *Feed) Since(t time.Time) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Event
	for _, e := range f.entries {
		if e.Time.After(t) {
			out = append(out, e)
		}
	}
	return out
}
