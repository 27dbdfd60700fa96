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

// Strategy produces venue-agnostic orders from the current exposure and
// risk view. One concrete variant per strategy mode; components upstream of
// the decision stay mode-agnostic.
type Strategy interface {
	Name() string
	Decide(ts time.Time, exp *exposure.Snapshot, ra risk.Assessment) ([]venue.Order, error)
}

// New selects the variant for the configured strategy mode. Unknown modes
// fail at request construction.
func New(cfg *config.Root) (Strategy, error) {
	switch cfg.Strategy.Mode {
	case "pure_lending":
		return newPureLending(cfg), nil
	case "basis_hedged":
		return newBasisHedged(cfg), nil
	case "leveraged_staking":
		return newLeveragedStaking(cfg), nil
	case "market_neutral_leveraged":
		return newMarketNeutral(cfg), nil
	default:
		return nil, faults.NewConfigError("strategy.mode", "unknown mode %q", cfg.Strategy.Mode)
	}
}

// phase is the variant-internal decision state.
type phase int

const (
	phaseIdle phase = iota
	phaseEntered
	phaseUnwound
)

func minOrder(cfg *config.Root) decimal.Decimal {
	return decimal.NewFromFloat(cfg.Strategy.MinOrder)
}

// cashHolding reads the tracked cash amount from the exposure view.
func cashHolding(cfg *config.Root, exp *exposure.Snapshot) decimal.Decimal {
	if ae, ok := exp.Assets[cfg.Strategy.CashAsset]; ok {
		return ae.Amount
	}
	return decimal.Zero
}
