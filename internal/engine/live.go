package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
	"github.com/driftline/yield-engine/internal/venue"
)

// Session is a running live loop. Stop is the emergency stop: it takes effect
// before the next order dispatch but never interrupts an order already in
// flight.
type Session struct {
	id     string
	engine *Engine
	cancel context.CancelFunc

	halt   atomic.Bool
	paused atomic.Bool

	// iterMu is held for the whole of each iteration; Stop acquires it so
	// an order already sent to a venue reconciles before the context dies.
	iterMu sync.Mutex

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// StartLiveSession wires a fresh engine and starts the wall-clock loop.
func StartLiveSession(ctx context.Context, cfg *config.Root, source marketdata.Source, router *venue.Router, sink audit.Sink) (*Session, error) {
	if cfg.Mode != config.ModeLive {
		return nil, &faults.ConfigError{Field: "mode", Msg: "live session requires mode live"}
	}
	now := time.Now().UTC()
	e, err := New(cfg, source, router, sink, now)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{id: uuid.NewString(), engine: e, cancel: cancel, done: make(chan struct{})}
	e.orch.SetHalt(s.halt.Load)

	go s.run(ctx)
	return s, nil
}

// Stop requests the emergency stop and waits for the loop to wind down.
// The halt flag parks the tight loop before its next dispatch; the iteration
// in flight finishes its reconciliation before the context is cancelled, so
// no dispatched order is abandoned mid-flight.
func (s *Session) Stop() {
	s.halt.Store(true)
	s.iterMu.Lock()
	s.iterMu.Unlock()
	s.cancel()
	<-s.done
}

// ID returns the session handle.
func (s *Session) ID() string { return s.id }

// Paused reports whether the session has parked itself after a critical
// failure and is waiting for operator intervention.
func (s *Session) Paused() bool { return s.paused.Load() }

// Err returns the failure that paused the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Summary snapshots the session counters so far.
func (s *Session) Summary() Summary {
	return s.engine.SummarySnapshot()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.engine.rec.Close()

	interval := time.Duration(s.engine.cfg.Live.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observ.Log("live_session_start", map[string]any{
		"session_id":  s.id,
		"strategy":    s.engine.strat.Name(),
		"interval_ms": s.engine.cfg.Live.IntervalMs,
	})

	// one iteration up front, then on every tick
	s.guardedIterate(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			observ.Log("live_session_stop", map[string]any{
				"iterations": s.engine.SummarySnapshot().Iterations,
			})
			return
		case now := <-ticker.C:
			s.guardedIterate(ctx, now.UTC())
		}
	}
}

// guardedIterate re-checks the halt flag under iterMu so no iteration can
// start once Stop holds the lock.
func (s *Session) guardedIterate(ctx context.Context, ts time.Time) {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	if s.halt.Load() || s.paused.Load() {
		return
	}
	s.iterate(ctx, ts)
}

func (s *Session) iterate(ctx context.Context, ts time.Time) {
	err := s.engine.runFullLoop(ctx, ts)
	if err == nil || ctx.Err() != nil {
		return
	}
	if faults.SeverityOf(err) == faults.SeverityCritical {
		s.pause(err)
		return
	}
	// non-critical failures degrade this iteration only
	observ.LogError("live_loop_error", err, map[string]any{
		"timestamp": ts.Format(time.RFC3339),
	})
}

// pause parks the session: positions stay as they are, no further orders go
// out, and an operator decides what happens next.
func (s *Session) pause(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.paused.Store(true)
	observ.SetGauge("live_session_paused", 1, nil)
	observ.LogError("live_session_paused", err, nil)
}

// Pause parks the session on operator request, same path as a critical
// failure but with no error attached.
func (s *Session) Pause() {
	s.paused.Store(true)
	observ.SetGauge("live_session_paused", 1, nil)
	observ.Log("live_session_paused", nil)
}

// Resume clears a pause after operator intervention.
func (s *Session) Resume() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	s.paused.Store(false)
	observ.SetGauge("live_session_paused", 0, nil)
	observ.Log("live_session_resumed", nil)
}
