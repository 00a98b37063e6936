package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu    sync.Mutex
	fail  bool
	calls int
	block chan struct{} // when set, probe blocks until closed
}

func (f *fakeProbe) probe(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func (f *fakeProbe) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeProbe) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		ProbeInterval:      time.Second,
		ProbeTimeout:       time.Second,
		DegradedThreshold:  1,
		UnhealthyThreshold: 3,
		TriggerCooldown:    50 * time.Millisecond,
	}
}

func TestStartsUnknownAndHealthy(t *testing.T) {
	m := New(testConfig(), (&fakeProbe{}).probe, nil, slog.Default())
	assert.Equal(t, StateUnknown, m.State())
	assert.True(t, m.Healthy(), "unknown is treated as healthy during startup grace")
}

func TestThresholdTransitions(t *testing.T) {
	f := &fakeProbe{fail: true}
	m := New(testConfig(), f.probe, nil, slog.Default())
	ctx := context.Background()

	m.Probe(ctx)
	assert.Equal(t, StateDegraded, m.State())
	assert.True(t, m.Healthy(), "degraded still counts as usable")

	m.Probe(ctx)
	assert.Equal(t, StateDegraded, m.State())

	m.Probe(ctx)
	assert.Equal(t, StateUnhealthy, m.State())
	assert.False(t, m.Healthy())
	assert.Equal(t, 3, m.ConsecutiveFailures())
}

func TestSuccessResetsFailures(t *testing.T) {
	f := &fakeProbe{fail: true}
	m := New(testConfig(), f.probe, nil, slog.Default())
	ctx := context.Background()

	m.Probe(ctx)
	m.Probe(ctx)

	f.setFail(false)
	m.Probe(ctx)

	assert.Equal(t, StateHealthy, m.State())
	assert.Equal(t, 0, m.ConsecutiveFailures())
	assert.True(t, m.Healthy())
}

func TestRecoveryFiresForceReconnect(t *testing.T) {
	f := &fakeProbe{fail: true}
	var recovered atomic.Int32
	m := New(testConfig(), f.probe, func() { recovered.Add(1) }, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Probe(ctx)
	}
	require.Equal(t, StateUnhealthy, m.State())
	assert.Equal(t, int32(0), recovered.Load())

	f.setFail(false)
	m.Probe(ctx)
	assert.Equal(t, int32(1), recovered.Load(), "recovery fires exactly once per crossing")

	// Staying healthy does not re-fire.
	m.Probe(ctx)
	assert.Equal(t, int32(1), recovered.Load())
}

func TestRecoveryFromDegradedAlsoFires(t *testing.T) {
	f := &fakeProbe{fail: true}
	var recovered atomic.Int32
	m := New(testConfig(), f.probe, func() { recovered.Add(1) }, slog.Default())
	ctx := context.Background()

	m.Probe(ctx)
	require.Equal(t, StateDegraded, m.State())

	f.setFail(false)
	m.Probe(ctx)
	assert.Equal(t, int32(1), recovered.Load())
}

func TestFirstSuccessFromUnknownDoesNotFireRecovery(t *testing.T) {
	var recovered atomic.Int32
	m := New(testConfig(), (&fakeProbe{}).probe, func() { recovered.Add(1) }, slog.Default())

	m.Probe(context.Background())
	assert.Equal(t, StateHealthy, m.State())
	assert.Equal(t, int32(0), recovered.Load())
}

func TestTriggerProbeDebounce(t *testing.T) {
	f := &fakeProbe{}
	cfg := testConfig()
	cfg.TriggerCooldown = time.Hour
	m := New(cfg, f.probe, nil, slog.Default())
	ctx := context.Background()

	m.TriggerProbe(ctx)
	m.TriggerProbe(ctx)
	m.TriggerProbe(ctx)

	// Only the first trigger within the cooldown runs.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && f.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.callCount())
}

func TestProbeNotConcurrentWithItself(t *testing.T) {
	f := &fakeProbe{block: make(chan struct{})}
	m := New(testConfig(), f.probe, nil, slog.Default())
	ctx := context.Background()

	go m.Probe(ctx)

	// Wait for the first probe to be in flight, then try again: skipped.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && f.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	m.Probe(ctx)
	assert.Equal(t, 1, f.callCount())

	close(f.block)
}

func TestNoteBackendOK(t *testing.T) {
	f := &fakeProbe{fail: true}
	var recovered atomic.Int32
	m := New(testConfig(), f.probe, func() { recovered.Add(1) }, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Probe(ctx)
	}
	require.False(t, m.Healthy())

	// A successful session connect is a recovery signal.
	m.NoteBackendOK()
	assert.True(t, m.Healthy())
	assert.Equal(t, int32(1), recovered.Load())
}

func TestConcurrentSignalsAndFailingProbes(t *testing.T) {
	f := &fakeProbe{fail: true}
	m := New(testConfig(), f.probe, nil, slog.Default())
	ctx := context.Background()

	// Session connects report reachability from their own goroutines while
	// the probe loop may be recording failures. Exercised under the race
	// detector.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.NoteBackendOK()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Probe(ctx)
		}()
	}
	wg.Wait()

	// Whichever signal landed last, the state machine must be coherent.
	state := m.State()
	assert.Contains(t, []State{StateHealthy, StateDegraded, StateUnhealthy}, state)
	if state == StateHealthy {
		assert.Zero(t, m.ConsecutiveFailures())
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeTimeout = 20 * time.Millisecond
	m := New(cfg, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil, slog.Default())

	m.Probe(context.Background())
	assert.Equal(t, 1, m.ConsecutiveFailures())
	assert.Equal(t, StateDegraded, m.State())
}
