// Package guard provides the at-most-once claim protecting the
// confirmation path.
//
// Settlement signals for the same payment id can arrive concurrently from
// the push session and the balance-diff fallback. Claim is a single atomic
// insert-if-absent: only the winner runs the confirmation handler, and
// Release afterwards makes late duplicates harmless because the registry
// entry is already gone by then.
package guard

import "sync"

// Guard tracks in-flight confirmation claims by payment id.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{inflight: make(map[string]struct{})}
}

// Claim atomically marks id as being confirmed. Reports whether the
// caller won the claim; losers must not touch the confirmation path.
func (g *Guard) Claim(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.inflight[id]; held {
		return false
	}
	g.inflight[id] = struct{}{}
	return true
}

// Release removes the marker for id. Must be called by the claim winner
// when the confirmation sequence finishes, success or not.
func (g *Guard) Release(id string) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
}

// InFlight returns the number of claims currently held.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
