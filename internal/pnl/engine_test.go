package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/position"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestReconcile(t *testing.T) {
	cases := []struct {
		name         string
		balance      float64
		attribution  float64
		tolerance    float64
		wantResidual float64
		wantFlagged  bool
	}{
		{"beyond tolerance", 120.00, 118.50, 1.00, 1.50, true},
		{"within tolerance", 120.00, 119.50, 1.00, 0.50, false},
		{"exactly at tolerance", 120.00, 119.00, 1.00, 1.00, false},
		{"negative residual flagged", 118.50, 120.00, 1.00, -1.50, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			residual, flagged := Reconcile(dec(tc.balance), dec(tc.attribution), dec(tc.tolerance))
			assert.True(t, residual.Equal(dec(tc.wantResidual)), "residual = %s", residual)
			assert.Equal(t, tc.wantFlagged, flagged)
		})
	}
}

func pnlCfg(components ...string) *config.Root {
	return &config.Root{
		ReportingCurrency: "USD",
		Venues: []config.VenueRef{
			{Name: "wallet", Kind: config.VenueWallet},
			{Name: "lenderone", Kind: config.VenueLending},
			{Name: "perpex", Kind: config.VenueExchange},
		},
		TrackedAssets: []config.TrackedAsset{
			{Symbol: "USDC", DirectionWeight: 0},
			{Symbol: "ETH-PERP", DirectionWeight: -1},
		},
		PnL: config.PnL{EnabledComponents: components, ReconcileTolerance: 1.0},
	}
}

func lendingWorld(supplied int64, rate float64) (map[position.Key]position.Record, *marketdata.Snapshot) {
	pos := map[position.Key]position.Record{
		{Asset: "USDC", Venue: "lenderone"}: {Asset: "USDC", Venue: "lenderone", Expected: decimal.NewFromInt(supplied)},
	}
	snap := &marketdata.Snapshot{Market: marketdata.Market{
		Prices:      map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1)},
		SupplyRates: map[string]decimal.Decimal{"USDC": dec(rate)},
	}}
	return pos, snap
}

func TestCompute_FirstIterationOnlyCaptures(t *testing.T) {
	cfg := pnlCfg("yield")
	e := NewEngine(cfg)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pos, snap := lendingWorld(100000, 0.05)
	exp := exposure.NewAggregator(cfg).Compute(ts, pos, snap)

	rec := e.Compute(ts, exp, snap, pos, decimal.Zero)
	assert.True(t, rec.First)
	assert.True(t, rec.BalanceDelta.IsZero())
	assert.Empty(t, rec.Components)
}

func TestCompute_YieldAccrual(t *testing.T) {
	cfg := pnlCfg("yield")
	e := NewEngine(cfg)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(365 * 24 * time.Hour) // one year, so the APR applies whole

	pos, snap := lendingWorld(100000, 0.05)
	exp := exposure.NewAggregator(cfg).Compute(t0, pos, snap)
	e.Compute(t0, exp, snap, pos, decimal.Zero)

	// interest credited the position: 100000 -> 105000
	pos2, snap2 := lendingWorld(105000, 0.05)
	exp2 := exposure.NewAggregator(cfg).Compute(t1, pos2, snap2)
	rec := e.Compute(t1, exp2, snap2, pos2, decimal.Zero)

	assert.True(t, rec.BalanceDelta.Equal(decimal.NewFromInt(5000)), "balance delta = %s", rec.BalanceDelta)
	// yield attribution uses the end-of-interval balance, close enough to
	// land inside the reconcile tolerance is not expected here; the residual
	// is simply reported
	y := rec.Components["yield"]
	assert.True(t, y.Equal(dec(5250)), "yield = %s", y)
	assert.True(t, rec.Residual.Equal(dec(-250)))
	assert.True(t, rec.ResidualFlagged)
	assert.True(t, rec.Cumulative.Equal(decimal.NewFromInt(5000)))
}

func TestCompute_DisabledComponentsContributeNothing(t *testing.T) {
	cfg := pnlCfg() // nothing enabled
	e := NewEngine(cfg)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pos, snap := lendingWorld(100000, 0.05)
	exp := exposure.NewAggregator(cfg).Compute(t0, pos, snap)
	e.Compute(t0, exp, snap, pos, decimal.Zero)

	rec := e.Compute(t0.Add(time.Hour), exp, snap, pos, decimal.NewFromInt(10))
	assert.Empty(t, rec.Components)
	assert.True(t, rec.AttributionTotal.IsZero())
}

func TestCompute_TransactionCostIsNegatedFees(t *testing.T) {
	cfg := pnlCfg("transaction_cost")
	e := NewEngine(cfg)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pos, snap := lendingWorld(100000, 0.05)
	exp := exposure.NewAggregator(cfg).Compute(t0, pos, snap)
	e.Compute(t0, exp, snap, pos, decimal.Zero)

	rec := e.Compute(t0.Add(time.Hour), exp, snap, pos, decimal.NewFromInt(25))
	assert.True(t, rec.Components["transaction_cost"].Equal(decimal.NewFromInt(-25)))
}

func TestCompute_FundingShortEarns(t *testing.T) {
	cfg := pnlCfg("funding")
	e := NewEngine(cfg)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pos := map[position.Key]position.Record{
		{Asset: "ETH-PERP", Venue: "perpex"}: {Asset: "ETH-PERP", Venue: "perpex", Expected: decimal.NewFromInt(-10)},
	}
	snap := &marketdata.Snapshot{Market: marketdata.Market{
		Prices:       map[string]decimal.Decimal{"ETH-PERP": decimal.NewFromInt(2000)},
		FundingRates: map[string]decimal.Decimal{"ETH-PERP": dec(0.0001)},
	}}
	exp := exposure.NewAggregator(cfg).Compute(t0, pos, snap)
	e.Compute(t0, exp, snap, pos, decimal.Zero)

	rec := e.Compute(t0.Add(8*time.Hour), exp, snap, pos, decimal.Zero)
	// -(-10 * 2000 * 0.0001) = +2
	f := rec.Components["funding"]
	assert.True(t, f.Equal(decimal.NewFromInt(2)), "funding = %s", f)
}

func TestCompute_PriceChangeUsesPreviousAmounts(t *testing.T) {
	cfg := pnlCfg("price_change")
	cfg.TrackedAssets = []config.TrackedAsset{{Symbol: "stETH", DirectionWeight: 1}}
	e := NewEngine(cfg)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pos := map[position.Key]position.Record{
		{Asset: "stETH", Venue: "wallet"}: {Asset: "stETH", Venue: "wallet", Expected: decimal.NewFromInt(10)},
	}
	mkSnap := func(price int64) *marketdata.Snapshot {
		return &marketdata.Snapshot{Market: marketdata.Market{
			Prices: map[string]decimal.Decimal{"stETH": decimal.NewFromInt(price)},
		}}
	}
	snap0 := mkSnap(2000)
	exp0 := exposure.NewAggregator(cfg).Compute(t0, pos, snap0)
	e.Compute(t0, exp0, snap0, pos, decimal.Zero)

	snap1 := mkSnap(2100)
	exp1 := exposure.NewAggregator(cfg).Compute(t0.Add(time.Hour), pos, snap1)
	rec := e.Compute(t0.Add(time.Hour), exp1, snap1, pos, decimal.Zero)

	pc := rec.Components["price_change"]
	require.True(t, pc.Equal(decimal.NewFromInt(1000)), "price_change = %s", pc)
	assert.False(t, rec.ResidualFlagged, "balance delta matches attribution exactly")
}
