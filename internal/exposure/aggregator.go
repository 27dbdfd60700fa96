package exposure

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/position"
)

// AssetExposure is one tracked asset's aggregate across venues, valued in
// the reporting currency.
type AssetExposure struct {
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Value        decimal.Decimal `json:"value"`
	DeltaValue   decimal.Decimal `json:"delta_value"` // value weighted by direction
	PriceMissing bool            `json:"price_missing"`
}

// Snapshot is the derived exposure view for one timestamp. Only the latest
// value is retained by callers; it is never mutated after Compute returns.
type Snapshot struct {
	Timestamp     time.Time                  `json:"timestamp"`
	Currency      string                     `json:"currency"`
	Assets        map[string]AssetExposure   `json:"assets"`
	Prices        map[string]decimal.Decimal `json:"prices"` // tracked assets only
	NetDelta      decimal.Decimal            `json:"net_delta"`
	TotalValue    decimal.Decimal            `json:"total_value"`
	MissingPrices []string                   `json:"missing_prices,omitempty"`
}

// Price returns the reporting-currency price captured for a tracked asset.
func (s *Snapshot) Price(asset string) (decimal.Decimal, bool) {
	p, ok := s.Prices[asset]
	return p, ok
}

// Aggregator converts a position snapshot into a single-currency exposure
// view. It is mode-agnostic: behavior differs only via config content.
type Aggregator struct {
	cfg *config.Root
}

func NewAggregator(cfg *config.Root) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Compute values each tracked asset in the reporting currency. Assets absent
// from the tracked list produce no entry. A missing price makes that asset
// contribute zero and flags it; it is never an error. The function is pure:
// identical inputs yield identical output.
func (a *Aggregator) Compute(ts time.Time, positions map[position.Key]position.Record, snap *marketdata.Snapshot) *Snapshot {
	out := &Snapshot{
		Timestamp: ts,
		Currency:  a.cfg.ReportingCurrency,
		Assets:    make(map[string]AssetExposure, len(a.cfg.TrackedAssets)),
		Prices:    make(map[string]decimal.Decimal, len(a.cfg.TrackedAssets)),
		NetDelta:  decimal.Zero,
	}

	// total book value counts every priced position, tracked or not
	out.TotalValue = position.TotalValue(positions, snap)

	for _, tracked := range a.cfg.TrackedAssets {
		amount := decimal.Zero
		for k, r := range positions {
			if k.Asset == tracked.Symbol {
				amount = amount.Add(r.Expected)
			}
		}
		ae := AssetExposure{Asset: tracked.Symbol, Amount: amount}
		price, ok := snap.Price(tracked.Symbol)
		if !ok {
			ae.PriceMissing = true
			ae.Value = decimal.Zero
			ae.DeltaValue = decimal.Zero
			out.MissingPrices = append(out.MissingPrices, tracked.Symbol)
		} else {
			ae.Value = amount.Mul(price)
			ae.DeltaValue = ae.Value.Mul(decimal.NewFromFloat(tracked.DirectionWeight))
			out.Prices[tracked.Symbol] = price
		}
		out.Assets[tracked.Symbol] = ae
		out.NetDelta = out.NetDelta.Add(ae.DeltaValue)
	}
	sort.Strings(out.MissingPrices)
	return out
}

// Gross sums the absolute per-asset values.
func (s *Snapshot) Gross() decimal.Decimal {
	g := decimal.Zero
	for _, ae := range s.Assets {
		g = g.Add(ae.Value.Abs())
	}
	return g
}

// ShortValue sums the absolute value of negative per-asset values.
func (s *Snapshot) ShortValue() decimal.Decimal {
	v := decimal.Zero
	for _, ae := range s.Assets {
		if ae.Value.IsNegative() {
			v = v.Add(ae.Value.Abs())
		}
	}
	return v
}

// LongValue sums the positive per-asset values.
func (s *Snapshot) LongValue() decimal.Decimal {
	v := decimal.Zero
	for _, ae := range s.Assets {
		if ae.Value.IsPositive() {
			v = v.Add(ae.Value)
		}
	}
	return v
}

// NetWorth is long minus short value across tracked assets.
func (s *Snapshot) NetWorth() decimal.Decimal {
	return s.LongValue().Sub(s.ShortValue())
}
