package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types surfaced on the feed.
const (
	EventSettled         = "settled"
	EventExpired         = "expired"
	EventExternalPayment = "external_payment"
)

// DefaultFeedCapacity bounds the in-memory event feed.
const DefaultFeedCapacity = 256

// Event is one confirmation-engine outcome, as exposed on /v1/events.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	PaymentID string    `json:"paymentId,omitempty"`
	OwnerID   string    `json:"ownerId"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFeed is a bounded ring of recent engine events. Oldest entries are
// overwritten once the capacity is reached.
type EventFeed struct {
	mu    sync.Mutex
	ring  []Event
	next  int
	total int
}

// NewEventFeed creates a feed holding at most capacity events.
func NewEventFeed(capacity int) *EventFeed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &EventFeed{ring: make([]Event, capacity)}
}

// Add stamps and records an event. Safe for concurrent use; called from
// engine callback goroutines.
func (f *EventFeed) Add(ev Event) {
	ev.ID = "evt_" + uuid.NewString()
	ev.Timestamp = time.Now().UTC()

	f.mu.Lock()
	f.ring[f.next] = ev
	f.next = (f.next + 1) % len(f.ring)
	f.total++
	f.mu.Unlock()
}

// Recent returns up to limit events, newest first.
func (f *EventFeed) Recent(limit int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := f.total
	if size > len(f.ring) {
		size = len(f.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.ring)) % len(f.ring)
		out = append(out, f.ring[idx])
	}
	return out
}

// Total returns the number of events ever added.
func (f *EventFeed) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
