package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/risk"
	"github.com/driftline/yield-engine/internal/venue"
)

// marketNeutral runs a levered carry: capital supplied to the lending venue
// plus a funded perp short on the exchange. The margin-ratio guard is the
// binding constraint; a critical reading always emits a de-risking close on
// the next decision, before any other action is considered.
type marketNeutral struct {
	cfg   *config.Root
	phase phase
}

func newMarketNeutral(cfg *config.Root) *marketNeutral {
	return &marketNeutral{cfg: cfg}
}

func (s *marketNeutral) Name() string { return "market_neutral_leveraged" }

func (s *marketNeutral) Decide(ts time.Time, exp *exposure.Snapshot, ra risk.Assessment) ([]venue.Order, error) {
	st := s.cfg.Strategy

	if ra.Critical("margin_ratio") || ra.Critical("leverage") {
		return s.derisk(ts, exp, st)
	}
	if s.phase != phaseIdle {
		return nil, nil
	}
	return s.enter(ts, exp, st)
}

func (s *marketNeutral) enter(ts time.Time, exp *exposure.Snapshot, st config.Strategy) ([]venue.Order, error) {
	cash := cashHolding(s.cfg, exp)
	if cash.LessThan(minOrder(s.cfg)) {
		return nil, nil
	}
	price, ok := exp.Price(st.PerpSymbol)
	if !ok || price.IsZero() {
		return nil, nil
	}

	lev := decimal.NewFromFloat(st.TargetLeverage)
	if lev.LessThanOrEqual(decimal.Zero) {
		lev = decimal.NewFromInt(1)
	}
	shortUnits := cash.Mul(lev).Div(price)

	supply := venue.NewOrder(ts, venue.OpSupply, st.WalletVenue, st.LendingVenue, st.CashAsset, cash, []venue.Delta{
		{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: cash.Neg()},
		{Asset: st.CashAsset, Venue: st.LendingVenue, Amount: cash},
	}, "initial_entry_supply")

	short := venue.NewOrder(ts, venue.OpPerpOpen, st.ExchangeVenue, st.ExchangeVenue, st.PerpSymbol, shortUnits, []venue.Delta{
		{Asset: st.PerpSymbol, Venue: st.ExchangeVenue, Amount: shortUnits.Neg()},
	}, "initial_entry_carry")

	s.phase = phaseEntered
	return []venue.Order{supply, short}, nil
}

func (s *marketNeutral) derisk(ts time.Time, exp *exposure.Snapshot, st config.Strategy) ([]venue.Order, error) {
	short := decimal.Zero
	if ae, ok := exp.Assets[st.PerpSymbol]; ok && ae.Amount.IsNegative() {
		short = ae.Amount.Abs()
	}
	if short.IsZero() {
		return nil, nil
	}
	units := short.Mul(decimal.NewFromFloat(st.DeriskFraction))
	ord := venue.NewOrder(ts, venue.OpPerpClose, st.ExchangeVenue, st.ExchangeVenue, st.PerpSymbol, units, []venue.Delta{
		{Asset: st.PerpSymbol, Venue: st.ExchangeVenue, Amount: units},
	}, "derisk_critical")
	return []venue.Order{ord}, nil
}

func (s *marketNeutral) OnAbort(orders []venue.Order) {
	for _, o := range orders {
		if o.Reason == "initial_entry_supply" || o.Reason == "initial_entry_carry" {
			s.phase = phaseIdle
			return
		}
	}
}
