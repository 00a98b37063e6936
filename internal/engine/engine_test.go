package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywatch/paywatch/internal/config"
)

type fakeAccounts struct {
	credentials map[string]string
}

func (f *fakeAccounts) GetActiveCredential(_ context.Context, ownerID string) (string, error) {
	cred, ok := f.credentials[ownerID]
	if !ok {
		return "", errors.New("account not found")
	}
	return cred, nil
}

func (f *fakeAccounts) GetAccountHandle(_ context.Context, ownerID string) (string, error) {
	if _, ok := f.credentials[ownerID]; !ok {
		return "", errors.New("account not found")
	}
	return "wallet-" + ownerID, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	balances map[string]int64
	err      error
}

func (f *fakeBackend) Balance(_ context.Context, apiKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.balances[apiKey], nil
}

func (f *fakeBackend) SubscriptionURL(apiKey string) string {
	return "ws://backend.invalid/api/v1/ws/" + apiKey
}

type recorder struct {
	mu       sync.Mutex
	settled  []string
	expired  []string
	external []int64
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSettled: func(id, ownerID string, amount int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.settled = append(r.settled, id)
		},
		OnExpired: func(id, ownerID string, amount int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.expired = append(r.expired, id)
		},
		OnExternalPayment: func(ownerID string, amount int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.external = append(r.external, amount)
		},
	}
}

func (r *recorder) settledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.settled)
}

func (r *recorder) externalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.external)
}

func newTestEngine(t *testing.T, rec *recorder) *Engine {
	t.Helper()
	store := &fakeAccounts{credentials: map[string]string{
		"alice": "key-alice",
		"bob":   "key-bob",
	}}
	backend := &fakeBackend{balances: map[string]int64{
		"key-alice": 1000,
		"key-bob":   500,
	}}
	cfg := config.DefaultEngineConfig()
	return New(cfg, store, backend, rec.callbacks(), slog.Default())
}

func TestTrackRequestMissingCredential(t *testing.T) {
	e := newTestEngine(t, &recorder{})

	err := e.TrackRequest(context.Background(), "mallory", "pay-1", 100, "test")
	require.Error(t, err)
	assert.Empty(t, e.Pending())
}

func TestTrackRequestEmptyID(t *testing.T) {
	e := newTestEngine(t, &recorder{})

	err := e.TrackRequest(context.Background(), "alice", "", 100, "test")
	require.Error(t, err)
}

func TestTrackAndStopTracking(t *testing.T) {
	e := newTestEngine(t, &recorder{})

	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, "coffee"))
	require.Len(t, e.Pending(), 1)
	assert.Equal(t, "pay-1", e.Pending()[0].ID)
	assert.Equal(t, "alice", e.Pending()[0].OwnerID)

	e.StopTracking("pay-1")
	assert.Empty(t, e.Pending())

	// Stopping an unknown id is a no-op.
	e.StopTracking("pay-1")
}

func TestPushSettledConfirmsExactlyOnce(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.onPushSettled("alice", "pay-1")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return rec.settledCount() == 1 && e.guard.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.Pending())

	// A late duplicate finds nothing to act on.
	e.onPushSettled("alice", "pay-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.settledCount())
}

func TestFallbackConfirmsMatchingPending(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	// A balance increase within tolerance of the pending amount is a
	// settlement signal, not an external payment.
	e.onExternalPayment("alice", 101, 1101)

	require.Eventually(t, func() bool {
		return rec.settledCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, rec.externalCount())
	assert.Empty(t, e.Pending())
}

func TestFallbackUnmatchedDeltaIsExternal(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	e.onExternalPayment("alice", 250, 1250)

	assert.Equal(t, 1, rec.externalCount())
	assert.Zero(t, rec.settledCount())
	assert.Len(t, e.Pending(), 1)
}

func TestFallbackDeltaForOtherOwnerIsExternal(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	e.onExternalPayment("bob", 100, 600)

	assert.Equal(t, 1, rec.externalCount())
	assert.Zero(t, rec.settledCount())
}

func TestPushAndFallbackRace(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.onPushSettled("alice", "pay-1")
	}()
	go func() {
		defer wg.Done()
		e.onExternalPayment("alice", 100, 1100)
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return rec.settledCount() >= 1 && e.guard.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.settledCount())
	assert.Zero(t, rec.externalCount())
}

func TestExpiredCallback(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	req, ok := e.registry.Take("pay-1")
	require.True(t, ok)
	e.onExpired(req)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"pay-1"}, rec.expired)
}

func TestStopTrackingDropsFallbackSnapshot(t *testing.T) {
	e := newTestEngine(t, &recorder{})
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	e.detector.Sweep(context.Background())
	require.Equal(t, 1, e.detector.SnapshotCount())

	e.StopTracking("pay-1")
	assert.Zero(t, e.detector.SnapshotCount(), "inactive owner's snapshot must not linger")
}

func TestSnapshotKeptWhileOwnerStillActive(t *testing.T) {
	e := newTestEngine(t, &recorder{})
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-2", 200, ""))

	e.detector.Sweep(context.Background())
	require.Equal(t, 1, e.detector.SnapshotCount())

	e.StopTracking("pay-1")
	assert.Equal(t, 1, e.detector.SnapshotCount(), "owner still has a pending request")
}

func TestConfirmationDropsFallbackSnapshot(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, rec)
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	e.detector.Sweep(context.Background())
	require.Equal(t, 1, e.detector.SnapshotCount())

	e.onPushSettled("alice", "pay-1")
	require.Eventually(t, func() bool {
		return rec.settledCount() == 1 && e.detector.SnapshotCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActiveOwnersUnion(t *testing.T) {
	e := newTestEngine(t, &recorder{})
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))
	require.NoError(t, e.TrackRequest(context.Background(), "bob", "pay-2", 200, ""))

	owners := e.activeOwners()
	assert.ElementsMatch(t, []string{"alice", "bob"}, owners)
}

func TestProbeBackendWithNoOwners(t *testing.T) {
	e := newTestEngine(t, &recorder{})
	assert.NoError(t, e.probeBackend(context.Background()))
}

func TestProbeBackendReportsFailure(t *testing.T) {
	rec := &recorder{}
	store := &fakeAccounts{credentials: map[string]string{"alice": "key-alice"}}
	backend := &fakeBackend{err: errors.New("connection refused")}
	e := New(config.DefaultEngineConfig(), store, backend, rec.callbacks(), slog.Default())
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	assert.Error(t, e.probeBackend(context.Background()))
}

func TestMatchPendingTolerance(t *testing.T) {
	e := newTestEngine(t, &recorder{})
	require.NoError(t, e.TrackRequest(context.Background(), "alice", "pay-1", 100, ""))

	for delta, want := range map[int64]bool{99: true, 100: true, 101: true, 98: false, 102: false} {
		_, ok := e.matchPending("alice", delta)
		assert.Equal(t, want, ok, fmt.Sprintf("delta %d", delta))
	}
}

func TestConcurrentTrackRequests(t *testing.T) {
	e := newTestEngine(t, &recorder{})

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("pay-%d", n)
			if err := e.TrackRequest(context.Background(), "alice", id, int64(n+1), ""); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Len(t, e.Pending(), 20)
}
