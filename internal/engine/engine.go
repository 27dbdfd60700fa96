package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/execution"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
	"github.com/driftline/yield-engine/internal/pnl"
	"github.com/driftline/yield-engine/internal/position"
	"github.com/driftline/yield-engine/internal/risk"
	"github.com/driftline/yield-engine/internal/strategy"
	"github.com/driftline/yield-engine/internal/venue"
)

const hoursPerYear = 24 * 365

// abortNotifier is implemented by strategy variants that keep entry state
// and need to hear about aborted sequences.
type abortNotifier interface {
	OnAbort(orders []venue.Order)
}

// Engine owns the shared clock. Every component observes exactly the
// timestamp the engine is currently processing; no component may request a
// different one. Each request owns a completely fresh Engine.
type Engine struct {
	cfg      *config.Root
	source   marketdata.Source
	book     *position.Book
	agg      *exposure.Aggregator
	assessor *risk.Assessor
	pnl      *pnl.Engine
	strat    strategy.Strategy
	orch     *execution.Orchestrator
	rec      *audit.Recorder

	lastClock   time.Time
	hasLast     bool
	pendingFees decimal.Decimal

	// mu guards clock and summary: the live status surface reads them
	// while the run goroutine is mid-iteration.
	mu      sync.Mutex
	clock   time.Time
	summary Summary
}

// New wires a fresh component chain for one request.
func New(cfg *config.Root, source marketdata.Source, router *venue.Router, sink audit.Sink, start time.Time) (*Engine, error) {
	strat, err := strategy.New(cfg)
	if err != nil {
		return nil, err
	}

	book := position.NewBook(cfg, start)
	if cfg.Mode == config.ModeLive {
		for _, v := range router.All() {
			book.RegisterVenue(v)
		}
	}

	rec := audit.NewRecorder(sink)
	e := &Engine{
		cfg:         cfg,
		source:      source,
		book:        book,
		agg:         exposure.NewAggregator(cfg),
		assessor:    risk.NewAssessor(cfg),
		pnl:         pnl.NewEngine(cfg),
		strat:       strat,
		orch:        execution.NewOrchestrator(cfg, book, router, rec),
		rec:         rec,
		pendingFees: decimal.Zero,
	}
	e.summary.Start = start
	e.summary.Strategy = strat.Name()
	return e, nil
}

// Book exposes the request's position book for inspection.
func (e *Engine) Book() *position.Book { return e.book }

// SummarySnapshot copies the counters so far, stamped with the clock of the
// iteration being processed. Safe to call while the loop runs.
func (e *Engine) SummarySnapshot() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	sum := e.summary
	sum.End = e.clock
	return sum
}

// runFullLoop recomputes the whole monitoring and decision chain for ts and
// runs the tight loop for any orders the strategy emits.
func (e *Engine) runFullLoop(ctx context.Context, ts time.Time) error {
	loopStart := time.Now()
	defer func() {
		observ.RecordDuration("full_loop_latency", time.Since(loopStart), nil)
	}()
	e.mu.Lock()
	e.clock = ts
	e.summary.Iterations++
	e.mu.Unlock()

	snap, err := e.source.GetSnapshot(ctx, ts)
	if err != nil {
		// no snapshot means no consistent view; this is mandatory data
		return &faults.ExecutionError{
			Severity: faults.SeverityCritical,
			Code:     "snapshot_unavailable",
			Err:      err,
		}
	}

	if err := e.book.RefreshObserved(ctx, ts); err != nil {
		// stale observed view is degraded state, not a halt
		observ.LogError("observed_stale", err, map[string]any{"timestamp": ts.UTC().Format(time.RFC3339)})
	}

	if e.cfg.Mode == config.ModeBacktest {
		e.applyAccruals(ts, snap)
	}

	positions := e.book.Snapshot()
	exp := e.agg.Compute(ts, positions, snap)
	ra := e.assessor.Assess(exp, snap)

	rec := e.pnl.Compute(ts, exp, snap, positions, e.pendingFees)
	e.pendingFees = decimal.Zero
	e.mu.Lock()
	if rec.ResidualFlagged {
		e.summary.ResidualWarnings++
	}
	e.summary.FinalValue = exp.TotalValue
	e.summary.CumulativePnL = rec.Cumulative
	e.mu.Unlock()

	orders, err := e.strat.Decide(ts, exp, ra)
	if err != nil {
		var du *faults.DataUnavailableError
		if errors.As(err, &du) {
			// strategy waits for data instead of acting blind
			observ.LogError("decision_deferred", err, map[string]any{"strategy": e.strat.Name()})
			e.emitLoopEvent(ts, exp, ra, rec, 0)
			return nil
		}
		return err
	}

	if len(orders) > 0 {
		report, execErr := e.orch.ExecuteSequence(ctx, ts, snap, orders)
		if report != nil {
			e.pendingFees = report.Fees
			e.mu.Lock()
			for _, or := range report.Orders {
				if or.State == execution.StateSuccess {
					e.summary.OrdersExecuted++
				} else {
					e.summary.OrdersFailed++
				}
				if or.Outcome != nil {
					e.summary.Reconciliations++
					if !or.Outcome.Success {
						e.summary.Mismatches++
					}
				}
			}
			e.summary.GroupRollbacks += len(report.GroupRollbacks)
			e.mu.Unlock()
		}
		// reprice after fills so the reported value includes this
		// iteration's orders and their fees
		post := e.agg.Compute(ts, e.book.Snapshot(), snap)
		e.mu.Lock()
		e.summary.FinalValue = post.TotalValue
		e.mu.Unlock()
		if execErr != nil {
			if n, ok := e.strat.(abortNotifier); ok {
				n.OnAbort(orders)
			}
			e.recordHalt(ts, report, execErr)
			e.emitLoopEvent(ts, exp, ra, rec, len(orders))
			return execErr
		}
	}

	e.emitLoopEvent(ts, exp, ra, rec, len(orders))
	return nil
}

// applyAccruals simulates externally-occurring value changes that live mode
// would pick up through its observed refresh: supply interest, borrow
// interest, staking rewards.
func (e *Engine) applyAccruals(ts time.Time, snap *marketdata.Snapshot) {
	if !e.hasLast {
		e.hasLast = true
		e.lastClock = ts
		return
	}
	dt := decimal.NewFromFloat(ts.Sub(e.lastClock).Hours() / hoursPerYear)
	e.lastClock = ts
	if !dt.IsPositive() {
		return
	}

	for k, r := range e.book.Snapshot() {
		kind, ok := e.cfg.VenueKindOf(k.Venue)
		if !ok || r.Expected.IsZero() {
			continue
		}
		switch kind {
		case config.VenueLending:
			if r.Expected.IsPositive() {
				if rate, has := snap.SupplyRate(k.Asset); has {
					delta := r.Expected.Mul(rate).Mul(dt)
					_ = e.book.ApplyEvent(position.Event{
						Type: position.EventSeasonalReward, Asset: k.Asset, Venue: k.Venue, Delta: delta,
					}, ts)
				}
			} else {
				if rate, has := snap.BorrowRate(k.Asset); has {
					delta := r.Expected.Mul(rate).Mul(dt) // negative grows the debt
					_ = e.book.ApplyEvent(position.Event{
						Type: position.EventMarkToMarket, Asset: k.Asset, Venue: k.Venue, Delta: delta,
					}, ts)
				}
			}
		case config.VenueStaking:
			if rate, has := snap.Staking.RewardAPRs[k.Asset]; has && r.Expected.IsPositive() {
				delta := r.Expected.Mul(rate).Mul(dt)
				_ = e.book.ApplyEvent(position.Event{
					Type: position.EventSeasonalReward, Asset: k.Asset, Venue: k.Venue, Delta: delta,
				}, ts)
			}
		}
	}
}

func (e *Engine) emitLoopEvent(ts time.Time, exp *exposure.Snapshot, ra risk.Assessment, rec pnl.Record, orders int) {
	e.rec.Emit(ts, "full_loop", "engine", map[string]any{
		"total_value":   exp.TotalValue.String(),
		"net_delta":     exp.NetDelta.String(),
		"risk":          ra.Metrics,
		"pnl_delta":     rec.BalanceDelta.String(),
		"pnl_residual":  rec.Residual.String(),
		"orders_issued": orders,
	})
}

func (e *Engine) recordHalt(ts time.Time, report *execution.Report, err error) {
	h := &HaltDiagnostic{Timestamp: ts, Reason: err.Error()}
	if report != nil && report.AbortIndex >= 0 && report.AbortIndex < len(report.Orders) {
		or := report.Orders[report.AbortIndex]
		h.OrderID = or.Order.ID
		if or.Outcome != nil && len(or.Outcome.Mismatches) > 0 {
			h.Asset = or.Outcome.Mismatches[0].Asset
		}
	} else if report != nil && len(report.Orders) > 0 {
		h.OrderID = report.Orders[len(report.Orders)-1].Order.ID
	}
	e.mu.Lock()
	e.summary.Halt = h
	e.mu.Unlock()
	e.rec.Emit(ts, "halt", "engine", map[string]any{
		"order_id": h.OrderID,
		"asset":    h.Asset,
		"reason":   h.Reason,
	})
}

// HaltDiagnostic identifies where a run stopped: the failing timestamp,
// order, and asset when known.
type HaltDiagnostic struct {
	Timestamp time.Time `json:"timestamp"`
	OrderID   string    `json:"order_id,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Reason    string    `json:"reason"`
}

// Summary is the per-request outcome returned to the service layer.
type Summary struct {
	Strategy         string          `json:"strategy"`
	Start            time.Time       `json:"start"`
	End              time.Time       `json:"end"`
	Iterations       int             `json:"iterations"`
	OrdersExecuted   int             `json:"orders_executed"`
	OrdersFailed     int             `json:"orders_failed"`
	Reconciliations  int             `json:"reconciliations"`
	Mismatches       int             `json:"mismatches"`
	GroupRollbacks   int             `json:"group_rollbacks"`
	ResidualWarnings int             `json:"residual_warnings"`
	FinalValue       decimal.Decimal `json:"final_value"`
	CumulativePnL    decimal.Decimal `json:"cumulative_pnl"`
	Halt             *HaltDiagnostic `json:"halt,omitempty"`
}

func (s Summary) String() string {
	return fmt.Sprintf("strategy=%s iterations=%d orders=%d final_value=%s pnl=%s",
		s.Strategy, s.Iterations, s.OrdersExecuted, s.FinalValue.String(), s.CumulativePnL.String())
}
