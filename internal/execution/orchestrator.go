package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
	"github.com/driftline/yield-engine/internal/position"
	"github.com/driftline/yield-engine/internal/venue"
)

// State of one order inside the tight loop.
type State string

const (
	StateAwaitingOrder  State = "AWAITING_ORDER"
	StateRouting        State = "ROUTING"
	StateExecuting      State = "EXECUTING"
	StateApplyingResult State = "APPLYING_RESULT"
	StateReconciling    State = "RECONCILING"
	StateSuccess        State = "SUCCESS"
	StateFailed         State = "FAILED"
)

// OrderReport is the full trail for one order through the tight loop.
type OrderReport struct {
	Order    venue.Order   `json:"order"`
	Result   *venue.Result `json:"result,omitempty"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
	Attempts int           `json:"attempts"`
	State    State         `json:"state"`
}

// GroupRollback marks an atomic group left partially committed. The
// remaining steps never ran; the committed ones need a compensating action
// before the position can be trusted again.
type GroupRollback struct {
	GroupID       string `json:"group_id"`
	CommittedSeqs []int  `json:"committed_seqs"`
	FailedSeq     int    `json:"failed_seq"`
}

// Report summarizes one tight-loop run.
type Report struct {
	Orders         []OrderReport   `json:"orders"`
	Aborted        bool            `json:"aborted"`
	AbortIndex     int             `json:"abort_index"`
	GroupRollbacks []GroupRollback `json:"group_rollbacks,omitempty"`
	Fees           decimal.Decimal `json:"fees"`
}

// Orchestrator runs the tight loop: one order at a time, routed, executed,
// applied, reconciled. Order N+1 is never dispatched before order N's
// reconciliation outcome is known.
type Orchestrator struct {
	cfg    *config.Root
	book   *position.Book
	router *venue.Router
	rec    *audit.Recorder
	halt   func() bool

	sleep func(time.Duration) // test seam for backoff
}

func NewOrchestrator(cfg *config.Root, book *position.Book, router *venue.Router, rec *audit.Recorder) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		book:   book,
		router: router,
		rec:    rec,
		halt:   func() bool { return false },
		sleep:  time.Sleep,
	}
}

// SetHalt installs the emergency-stop check consulted between orders. An
// order already sent to a venue is always reconciled before the halt takes
// effect.
func (o *Orchestrator) SetHalt(f func() bool) { o.halt = f }

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := time.Duration(o.cfg.Execution.BackoffBaseMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	max := time.Duration(o.cfg.Execution.BackoffMaxMs) * time.Millisecond
	if d > max {
		d = max
	}
	return d
}

// ExecuteSequence runs the tight loop over orders at the engine's current
// timestamp. snap is the iteration's data snapshot, used to value fees.
func (o *Orchestrator) ExecuteSequence(ctx context.Context, ts time.Time, snap *marketdata.Snapshot, orders []venue.Order) (*Report, error) {
	report := &Report{AbortIndex: -1, Fees: decimal.Zero}
	start := time.Now()
	defer func() {
		observ.RecordDuration("tight_loop_latency", time.Since(start), nil)
	}()

	o.rec.Emit(ts, "tight_loop_start", "execution", map[string]any{"orders": len(orders)})

	for i, ord := range orders {
		if o.halt() {
			o.rec.Emit(ts, "tight_loop_halted", "execution", map[string]any{"pending": len(orders) - i})
			report.Aborted = true
			report.AbortIndex = i
			o.markGroupRollback(report, orders, i)
			return report, &faults.ExecutionError{
				Severity: faults.SeverityHigh,
				OrderID:  ord.ID,
				Code:     "emergency_stop",
				Err:      fmt.Errorf("stop requested before dispatch"),
			}
		}

		or, err := o.runOrder(ctx, ts, snap, ord)
		report.Orders = append(report.Orders, or)
		if or.Result != nil {
			report.Fees = report.Fees.Add(o.feeValue(snap, or.Result))
		}

		if err != nil {
			sev := faults.SeverityOf(err)
			if sev == faults.SeverityMedium || sev == faults.SeverityLow {
				// degraded but not loop-fatal
				observ.LogError("order_degraded", err, map[string]any{"order_id": ord.ID})
				continue
			}
			observ.IncCounter("orders_failed_total", map[string]string{"op": string(ord.Op)})
			report.Aborted = true
			report.AbortIndex = i
			o.markGroupRollback(report, orders, i)
			o.rec.Emit(ts, "tight_loop_abort", "execution", map[string]any{
				"order_id": ord.ID,
				"index":    i,
				"error":    err.Error(),
			})
			return report, err
		}
		observ.IncCounter("orders_executed_total", map[string]string{"op": string(ord.Op)})
	}

	o.rec.Emit(ts, "tight_loop_complete", "execution", map[string]any{"orders": len(orders)})
	return report, nil
}

// runOrder drives a single order through the state machine.
func (o *Orchestrator) runOrder(ctx context.Context, ts time.Time, snap *marketdata.Snapshot, ord venue.Order) (OrderReport, error) {
	or := OrderReport{Order: ord, State: StateRouting}

	v, err := o.router.Route(ord)
	if err != nil {
		or.State = StateFailed
		return or, err
	}

	o.rec.Emit(ts, "order_dispatch", "execution", map[string]any{
		"order_id": ord.ID,
		"op":       string(ord.Op),
		"venue":    v.Name(),
		"group_id": ord.GroupID,
		"seq":      ord.GroupSeq,
	})

	or.State = StateExecuting
	res, execErr := o.executeWithRetry(ctx, v, ord, &or)
	if execErr != nil {
		or.State = StateFailed
		o.rec.Emit(ts, "order_failed", "execution", map[string]any{"order_id": ord.ID, "error": execErr.Error()})
		return or, execErr
	}
	or.Result = res
	o.rec.Emit(ts, "order_result", "execution", map[string]any{
		"order_id": ord.ID,
		"status":   string(res.Status),
		"fee":      res.FeeAmount.String(),
	})

	or.State = StateApplyingResult
	for _, d := range res.Deltas {
		o.book.ApplyDelta(d.Asset, d.Venue, d.Amount, ts, "order:"+ord.ID)
	}

	or.State = StateReconciling
	outcome, recErr := o.reconcileWithRetry(ctx, ts, ord, res)
	or.Outcome = outcome
	o.rec.Emit(ts, "reconcile_outcome", "execution", map[string]any{
		"order_id":       ord.ID,
		"success":        outcome != nil && outcome.Success,
		"classification": string(classificationOf(outcome)),
	})
	if recErr != nil {
		or.State = StateFailed
		observ.IncCounter("reconcile_mismatches_total", nil)
		return or, recErr
	}

	or.State = StateSuccess
	return or, nil
}

func classificationOf(out *Outcome) Classification {
	if out == nil {
		return ClassMismatch
	}
	return out.Classification
}

// executeWithRetry applies the bounded-retry policy: HIGH severity failures
// back off exponentially up to the configured attempt count, then escalate
// to CRITICAL. CRITICAL aborts immediately.
func (o *Orchestrator) executeWithRetry(ctx context.Context, v venue.Venue, ord venue.Order, or *OrderReport) (*venue.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.Execution.MaxAttempts; attempt++ {
		or.Attempts = attempt
		res, err := v.Execute(ctx, ord)
		if err == nil && res != nil {
			switch res.Status {
			case venue.StatusConfirmed, venue.StatusPartial:
				return res, nil
			case venue.StatusFailed:
				err = &faults.ExecutionError{
					Severity: faults.SeverityHigh,
					OrderID:  ord.ID,
					Venue:    v.Name(),
					Code:     res.ErrorCode,
					Err:      fmt.Errorf("venue reported failure"),
				}
			}
		}
		lastErr = err
		sev := faults.SeverityOf(err)
		if sev != faults.SeverityHigh {
			return nil, err
		}
		observ.IncCounter("order_retries_total", map[string]string{"venue": v.Name()})
		if attempt < o.cfg.Execution.MaxAttempts {
			o.sleep(o.backoff(attempt))
		}
	}
	return nil, faults.Escalate(lastErr)
}

// reconcileWithRetry refreshes the observed view and compares it to the
// expected view. A mismatch is HIGH severity: the refresh+compare is
// retried with backoff before the failure propagates.
func (o *Orchestrator) reconcileWithRetry(ctx context.Context, ts time.Time, ord venue.Order, res *venue.Result) (*Outcome, error) {
	var outcome *Outcome
	for attempt := 1; attempt <= o.cfg.Execution.MaxAttempts; attempt++ {
		if err := o.book.RefreshObserved(ctx, ts); err != nil {
			observ.LogError("observed_refresh_stale", err, map[string]any{"order_id": ord.ID})
		}
		outcome = reconcile(o.cfg, o.book, ord, res, ts)
		if outcome.Success {
			return outcome, nil
		}
		if attempt < o.cfg.Execution.MaxAttempts {
			o.sleep(o.backoff(attempt))
		}
	}
	return outcome, &faults.ReconciliationError{OrderID: ord.ID, Mismatches: len(outcome.Mismatches)}
}

// markGroupRollback records any atomic group left half-applied by an abort
// at index i. Committed members are named explicitly so the group is never
// silently half-applied.
func (o *Orchestrator) markGroupRollback(report *Report, orders []venue.Order, i int) {
	groupID := orders[i].GroupID
	if groupID == "" {
		return
	}
	var committed []int
	for j := 0; j < i; j++ {
		if orders[j].GroupID == groupID {
			committed = append(committed, orders[j].GroupSeq)
		}
	}
	if len(committed) == 0 {
		return
	}
	rb := GroupRollback{
		GroupID:       groupID,
		CommittedSeqs: committed,
		FailedSeq:     orders[i].GroupSeq,
	}
	report.GroupRollbacks = append(report.GroupRollbacks, rb)
	observ.IncCounter("group_rollbacks_total", nil)
	o.rec.Emit(orders[i].CreatedAt, "group_rollback_required", "execution", map[string]any{
		"group_id":  rb.GroupID,
		"committed": rb.CommittedSeqs,
		"failed":    rb.FailedSeq,
	})
}

// feeValue converts a result's fee into reporting currency.
func (o *Orchestrator) feeValue(snap *marketdata.Snapshot, res *venue.Result) decimal.Decimal {
	if res.FeeAmount.IsZero() {
		return decimal.Zero
	}
	price, ok := snap.Price(res.FeeCurrency)
	if !ok {
		// fee in an unpriced token degrades to zero contribution, flagged
		observ.IncCounter("fee_price_missing_total", map[string]string{"currency": res.FeeCurrency})
		return decimal.Zero
	}
	return res.FeeAmount.Mul(price)
}
