package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/risk"
	"github.com/driftline/yield-engine/internal/venue"
)

// basisHedged buys the stake asset spot and shorts the matching perp so the
// position earns the basis while staying delta-flat. The hedge is adjusted
// whenever net delta drifts outside the configured band, and reduced when
// the margin ratio turns critical.
type basisHedged struct {
	cfg   *config.Root
	phase phase
}

func newBasisHedged(cfg *config.Root) *basisHedged {
	return &basisHedged{cfg: cfg}
}

func (s *basisHedged) Name() string { return "basis_hedged" }

func (s *basisHedged) Decide(ts time.Time, exp *exposure.Snapshot, ra risk.Assessment) ([]venue.Order, error) {
	st := s.cfg.Strategy

	// de-risking takes priority over everything else
	if ra.Critical("margin_ratio") {
		return s.derisk(ts, exp)
	}

	if s.phase == phaseIdle {
		return s.enter(ts, exp)
	}
	return s.rebalance(ts, exp, st)
}

func (s *basisHedged) enter(ts time.Time, exp *exposure.Snapshot) ([]venue.Order, error) {
	st := s.cfg.Strategy
	cash := cashHolding(s.cfg, exp)
	if cash.LessThan(minOrder(s.cfg)) {
		return nil, nil
	}
	price, ok := exp.Price(st.StakeAsset)
	if !ok || price.IsZero() {
		// entry needs the spot price; wait for data rather than guess
		return nil, &faults.DataUnavailableError{Section: "market", Key: st.StakeAsset, Timestamp: ts}
	}
	units := cash.Div(price)

	buy := venue.NewOrder(ts, venue.OpTrade, st.WalletVenue, st.ExchangeVenue, st.CashAsset, cash, []venue.Delta{
		{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: cash.Neg()},
		{Asset: st.StakeAsset, Venue: st.ExchangeVenue, Amount: units},
	}, "initial_entry_spot")

	short := venue.NewOrder(ts, venue.OpPerpOpen, st.ExchangeVenue, st.ExchangeVenue, st.PerpSymbol, units, []venue.Delta{
		{Asset: st.PerpSymbol, Venue: st.ExchangeVenue, Amount: units.Neg()},
	}, "initial_entry_hedge")

	s.phase = phaseEntered
	return []venue.Order{buy, short}, nil
}

func (s *basisHedged) rebalance(ts time.Time, exp *exposure.Snapshot, st config.Strategy) ([]venue.Order, error) {
	band := decimal.NewFromFloat(st.RebalanceBand)
	if exp.NetDelta.Abs().LessThanOrEqual(band) {
		return nil, nil
	}
	price, ok := exp.Price(st.StakeAsset)
	if !ok || price.IsZero() {
		return nil, nil // skip this loop, flagged upstream by the aggregator
	}
	units := exp.NetDelta.Div(price)
	if units.Abs().LessThan(minOrder(s.cfg)) {
		return nil, nil
	}

	if units.IsPositive() {
		// net long: grow the short
		ord := venue.NewOrder(ts, venue.OpPerpOpen, st.ExchangeVenue, st.ExchangeVenue, st.PerpSymbol, units, []venue.Delta{
			{Asset: st.PerpSymbol, Venue: st.ExchangeVenue, Amount: units.Neg()},
		}, "rebalance_hedge")
		return []venue.Order{ord}, nil
	}
	// net short: trim the short
	trim := units.Abs()
	ord := venue.NewOrder(ts, venue.OpPerpClose, st.ExchangeVenue, st.ExchangeVenue, st.PerpSymbol, trim, []venue.Delta{
		{Asset: st.PerpSymbol, Venue: st.ExchangeVenue, Amount: trim},
	}, "rebalance_hedge")
	return []venue.Order{ord}, nil
}

func (s *basisHedged) derisk(ts time.Time, exp *exposure.Snapshot) ([]venue.Order, error) {
	st := s.cfg.Strategy
	short := decimal.Zero
	if ae, ok := exp.Assets[st.PerpSymbol]; ok && ae.Amount.IsNegative() {
		short = ae.Amount.Abs()
	}
	if short.IsZero() {
		return nil, nil
	}
	units := short.Mul(decimal.NewFromFloat(s.cfg.Strategy.DeriskFraction))
	ord := venue.NewOrder(ts, venue.OpPerpClose, st.ExchangeVenue, st.ExchangeVenue, st.PerpSymbol, units, []venue.Delta{
		{Asset: st.PerpSymbol, Venue: st.ExchangeVenue, Amount: units},
	}, "derisk_margin_critical")
	return []venue.Order{ord}, nil
}

func (s *basisHedged) OnAbort(orders []venue.Order) {
	for _, o := range orders {
		if o.Reason == "initial_entry_spot" || o.Reason == "initial_entry_hedge" {
			s.phase = phaseIdle
			return
		}
	}
}
