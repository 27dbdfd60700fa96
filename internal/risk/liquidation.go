package risk

import (
	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/marketdata"
)

// LiquidationOutcome is the counterfactual result of a simulated liquidation
// event. These simulations are pure functions of the current exposure view;
// nothing is mutated.
type LiquidationOutcome struct {
	Kind                string          `json:"kind"` // "lending" | "margin"
	DebtRepaid          decimal.Decimal `json:"debt_repaid"`
	CollateralSeized    decimal.Decimal `json:"collateral_seized"`
	RemainingDebt       decimal.Decimal `json:"remaining_debt"`
	RemainingCollateral decimal.Decimal `json:"remaining_collateral"`
	Loss                decimal.Decimal `json:"loss"`
}

// SimulateLendingLiquidation models a lending-protocol liquidation: a
// liquidator repays debt up to the close factor and seizes collateral worth
// the repayment plus the liquidation bonus. The position's loss is the
// bonus paid away.
func SimulateLendingLiquidation(exp *exposure.Snapshot, snap *marketdata.Snapshot) LiquidationOutcome {
	debt := exp.ShortValue()
	collateral := exp.LongValue()

	closeFactor := snap.Protocol.CloseFactor
	if closeFactor <= 0 {
		closeFactor = 0.5
	}
	bonus := snap.Protocol.LiquidationBonus

	repaid := debt.Mul(decimal.NewFromFloat(closeFactor))
	seized := repaid.Mul(decimal.NewFromFloat(1 + bonus))
	if seized.GreaterThan(collateral) {
		seized = collateral
	}

	return LiquidationOutcome{
		Kind:                "lending",
		DebtRepaid:          repaid,
		CollateralSeized:    seized,
		RemainingDebt:       debt.Sub(repaid),
		RemainingCollateral: collateral.Sub(seized),
		Loss:                seized.Sub(repaid),
	}
}

// SimulateMarginLiquidation models a margin-venue liquidation: the full
// margin backing the short notional is lost.
func SimulateMarginLiquidation(exp *exposure.Snapshot) LiquidationOutcome {
	equity := exp.NetWorth()
	short := exp.ShortValue()
	return LiquidationOutcome{
		Kind:                "margin",
		DebtRepaid:          short,
		CollateralSeized:    equity,
		RemainingDebt:       decimal.Zero,
		RemainingCollateral: decimal.Zero,
		Loss:                equity,
	}
}
