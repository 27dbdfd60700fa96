package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
	"github.com/driftline/yield-engine/internal/position"
)

const hoursPerYear = 24 * 365

// Record carries both P&L computations for one timestamp: the balance-delta
// total (ground truth) and the component-attributed total, plus their signed
// difference. A residual beyond tolerance is flagged, never fatal.
type Record struct {
	Timestamp        time.Time                  `json:"timestamp"`
	BalanceDelta     decimal.Decimal            `json:"balance_delta"`
	AttributionTotal decimal.Decimal            `json:"attribution_total"`
	Components       map[string]decimal.Decimal `json:"components"`
	Residual         decimal.Decimal            `json:"residual"`
	ResidualFlagged  bool                       `json:"residual_flagged"`
	Cumulative       decimal.Decimal            `json:"cumulative"`
	First            bool                       `json:"first"`
}

// Engine computes per-iteration P&L. It keeps the previous iteration's
// valuation internally; each request owns a fresh instance.
type Engine struct {
	cfg *config.Root

	hasPrev     bool
	prevTs      time.Time
	prevValue   decimal.Decimal
	prevPrices  map[string]decimal.Decimal
	prevAmounts map[string]decimal.Decimal
	cumulative  decimal.Decimal
}

func NewEngine(cfg *config.Root) *Engine {
	return &Engine{cfg: cfg, cumulative: decimal.Zero}
}

// Compute derives the P&L record for ts. fees is the transaction cost
// accrued by the tight loop since the previous computation. Components not
// enabled by config contribute exactly zero.
func (e *Engine) Compute(ts time.Time, exp *exposure.Snapshot, snap *marketdata.Snapshot, positions map[position.Key]position.Record, fees decimal.Decimal) Record {
	rec := Record{
		Timestamp:  ts,
		Components: map[string]decimal.Decimal{},
	}

	if !e.hasPrev {
		rec.First = true
		e.capture(ts, exp, snap)
		return rec
	}

	rec.BalanceDelta = exp.TotalValue.Sub(e.prevValue)
	dtYears := decimal.NewFromFloat(ts.Sub(e.prevTs).Hours() / hoursPerYear)

	for _, comp := range e.cfg.PnL.EnabledComponents {
		var v decimal.Decimal
		switch comp {
		case "yield":
			v = e.yield(snap, positions, dtYears)
		case "borrow_cost":
			v = e.borrowCost(snap, positions, dtYears)
		case "funding":
			v = e.funding(snap, positions)
		case "price_change":
			v = e.priceChange(snap)
		case "transaction_cost":
			v = fees.Neg()
		}
		rec.Components[comp] = v
		rec.AttributionTotal = rec.AttributionTotal.Add(v)
	}

	tol := decimal.NewFromFloat(e.cfg.PnL.ReconcileTolerance)
	rec.Residual, rec.ResidualFlagged = Reconcile(rec.BalanceDelta, rec.AttributionTotal, tol)
	if rec.ResidualFlagged {
		observ.IncCounter("pnl_residual_warnings_total", nil)
		observ.Log("pnl_residual", map[string]any{
			"timestamp":   ts.UTC().Format(time.RFC3339),
			"residual":    rec.Residual.String(),
			"tolerance":   tol.String(),
			"balance":     rec.BalanceDelta.String(),
			"attribution": rec.AttributionTotal.String(),
		})
	}

	e.cumulative = e.cumulative.Add(rec.BalanceDelta)
	rec.Cumulative = e.cumulative
	e.capture(ts, exp, snap)
	return rec
}

// Reconcile returns the signed difference between the balance-delta total
// and the attribution sum, and whether it exceeds tolerance.
func Reconcile(balanceDelta, attributionTotal, tolerance decimal.Decimal) (decimal.Decimal, bool) {
	residual := balanceDelta.Sub(attributionTotal)
	return residual, residual.Abs().GreaterThan(tolerance)
}

// Cumulative returns the running balance-delta total for the request.
func (e *Engine) Cumulative() decimal.Decimal { return e.cumulative }

func (e *Engine) capture(ts time.Time, exp *exposure.Snapshot, snap *marketdata.Snapshot) {
	e.hasPrev = true
	e.prevTs = ts
	e.prevValue = exp.TotalValue
	e.prevPrices = map[string]decimal.Decimal{}
	e.prevAmounts = map[string]decimal.Decimal{}
	for asset, ae := range exp.Assets {
		e.prevAmounts[asset] = ae.Amount
		if price, ok := snap.Price(asset); ok {
			e.prevPrices[asset] = price
		}
	}
}

func (e *Engine) yield(snap *marketdata.Snapshot, positions map[position.Key]position.Record, dtYears decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for k, r := range positions {
		kind, ok := e.cfg.VenueKindOf(k.Venue)
		if !ok || !r.Expected.IsPositive() {
			continue
		}
		var rate decimal.Decimal
		var has bool
		switch kind {
		case config.VenueLending:
			rate, has = snap.SupplyRate(k.Asset)
		case config.VenueStaking:
			rate, has = snap.Staking.RewardAPRs[k.Asset]
		default:
			continue
		}
		if !has {
			continue
		}
		price, ok := snap.Price(k.Asset)
		if !ok {
			continue
		}
		total = total.Add(r.Expected.Mul(price).Mul(rate).Mul(dtYears))
	}
	return total
}

func (e *Engine) borrowCost(snap *marketdata.Snapshot, positions map[position.Key]position.Record, dtYears decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for k, r := range positions {
		kind, ok := e.cfg.VenueKindOf(k.Venue)
		if !ok || kind != config.VenueLending || !r.Expected.IsNegative() {
			continue
		}
		rate, has := snap.BorrowRate(k.Asset)
		if !has {
			continue
		}
		price, ok := snap.Price(k.Asset)
		if !ok {
			continue
		}
		total = total.Sub(r.Expected.Abs().Mul(price).Mul(rate).Mul(dtYears))
	}
	return total
}

// funding applies the snapshot's per-interval funding rate to perp notional
// held at exchange venues. A short position earns positive funding.
func (e *Engine) funding(snap *marketdata.Snapshot, positions map[position.Key]position.Record) decimal.Decimal {
	total := decimal.Zero
	for k, r := range positions {
		kind, ok := e.cfg.VenueKindOf(k.Venue)
		if !ok || kind != config.VenueExchange || r.Expected.IsZero() {
			continue
		}
		rate, has := snap.FundingRate(k.Asset)
		if !has {
			continue
		}
		price, ok := snap.Price(k.Asset)
		if !ok {
			continue
		}
		total = total.Sub(r.Expected.Mul(price).Mul(rate))
	}
	return total
}

func (e *Engine) priceChange(snap *marketdata.Snapshot) decimal.Decimal {
	total := decimal.Zero
	for asset, amount := range e.prevAmounts {
		if amount.IsZero() {
			continue
		}
		cur, ok := snap.Price(asset)
		if !ok {
			continue
		}
		prev, ok := e.prevPrices[asset]
		if !ok || prev.IsZero() {
			continue
		}
		total = total.Add(amount.Mul(cur.Sub(prev)))
	}
	return total
}
