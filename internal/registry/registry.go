// Package registry is the authoritative in-memory table of outstanding
// payment requests.
//
// A request enters via Register and leaves exactly once: either through
// Take (settlement) or through the expiry sweep. Take is an atomic
// claim-and-remove, so whichever path takes an id first wins and the
// other observes absence.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/paywatch/paywatch/internal/metrics"
)

// PendingRequest is one outstanding payment request.
type PendingRequest struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Amount    int64     `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry holds pending requests keyed by payment identifier.
type Registry struct {
	mu      sync.Mutex
	pending map[string]PendingRequest

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		pending: make(map[string]PendingRequest),
		now:     time.Now,
	}
}

// Register adds a pending request. Registration is idempotent: if the id
// is already present the call is a no-op and the original CreatedAt is
// kept. Reports whether a new entry was inserted.
func (r *Registry) Register(id, ownerID string, amount int64, memo string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		return false
	}
	r.pending[id] = PendingRequest{
		ID:        id,
		OwnerID:   ownerID,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: r.now(),
	}
	metrics.TrackedInvoices.Set(float64(len(r.pending)))
	return true
}

// Take atomically removes and returns the request for id. The second
// return is false if the id is not pending; callers must only act on a
// true result. This is the single point guaranteeing an id is handed out
// for a terminal outcome at most once.
func (r *Registry) Take(id string) (PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	delete(r.pending, id)
	metrics.TrackedInvoices.Set(float64(len(r.pending)))
	return req, true
}

// Get returns a copy of the pending request without removing it.
func (r *Registry) Get(id string) (PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	return req, ok
}

// TakeExpired atomically removes and returns every request older than ttl.
func (r *Registry) TakeExpired(ttl time.Duration) []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var expired []PendingRequest
	for id, req := range r.pending {
		if req.CreatedAt.Before(cutoff) {
			expired = append(expired, req)
			delete(r.pending, id)
		}
	}
	if len(expired) > 0 {
		metrics.TrackedInvoices.Set(float64(len(r.pending)))
	}
	return expired
}

// List returns a snapshot of all pending requests, oldest first.
func (r *Registry) List() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingRequest, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Owners returns the distinct owner ids with at least one pending request.
func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var owners []string
	for _, req := range r.pending {
		if _, ok := seen[req.OwnerID]; !ok {
			seen[req.OwnerID] = struct{}{}
			owners = append(owners, req.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
