package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/paywatch/paywatch/internal/metrics"
)

// ExpiredSink receives requests removed by the expiry sweep.
type ExpiredSink func(req PendingRequest)

// Sweeper periodically removes requests that outlived their TTL and
// reports them to the sink.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	sink     ExpiredSink
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an expiry sweeper. interval is the fast check period;
// ttl is how long a request may stay pending.
func NewSweeper(r *Registry, ttl, interval time.Duration, sink ExpiredSink, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: r,
		ttl:      ttl,
		interval: interval,
		sink:     sink,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the periodic expiry loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// Sweep removes expired requests once and reports them. Exposed so tests
// and the engine can force a sweep without waiting for the ticker.
func (s *Sweeper) Sweep() {
	expired := s.registry.TakeExpired(s.ttl)
	for _, req := range expired {
		metrics.ExpirationsTotal.Inc()
		s.logger.Info("payment request expired",
			"id", req.ID,
			"owner", req.OwnerID,
			"amount", req.Amount,
			"age", time.Since(req.CreatedAt).Round(time.Second),
		)
		s.sink(req)
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep()
}
