package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/risk"
	"github.com/driftline/yield-engine/internal/venue"
)

// pureLending supplies the full capital to the lending venue once, then
// tops up whenever idle cash accumulates above the configured maximum
// (interest sweeps, external deposits).
type pureLending struct {
	cfg      *config.Root
	phase    phase
	supplied decimal.Decimal
}

func newPureLending(cfg *config.Root) *pureLending {
	return &pureLending{cfg: cfg, supplied: decimal.Zero}
}

func (s *pureLending) Name() string { return "pure_lending" }

func (s *pureLending) Decide(ts time.Time, exp *exposure.Snapshot, _ risk.Assessment) ([]venue.Order, error) {
	st := s.cfg.Strategy
	cash := cashHolding(s.cfg, exp)
	idle := cash.Sub(s.supplied)

	var amount decimal.Decimal
	var reason string
	switch s.phase {
	case phaseIdle:
		amount = idle
		reason = "initial_entry"
	case phaseEntered:
		if idle.LessThanOrEqual(decimal.NewFromFloat(st.IdleCashMax)) {
			return nil, nil
		}
		amount = idle
		reason = "idle_cash_sweep"
	default:
		return nil, nil
	}

	if amount.LessThan(minOrder(s.cfg)) {
		return nil, nil
	}

	ord := venue.NewOrder(ts, venue.OpSupply, st.WalletVenue, st.LendingVenue, st.CashAsset, amount, []venue.Delta{
		{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: amount.Neg()},
		{Asset: st.CashAsset, Venue: st.LendingVenue, Amount: amount},
	}, reason)

	s.phase = phaseEntered
	s.supplied = s.supplied.Add(amount)
	return []venue.Order{ord}, nil
}

// OnAbort rolls back the supplied bookkeeping for orders that never
// completed, so the next loop re-evaluates from actual state.
func (s *pureLending) OnAbort(orders []venue.Order) {
	for _, o := range orders {
		if o.Op == venue.OpSupply {
			s.supplied = s.supplied.Sub(o.Amount)
		}
	}
	if s.supplied.LessThanOrEqual(decimal.Zero) {
		s.supplied = decimal.Zero
		s.phase = phaseIdle
	}
}
