package venue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/marketdata"
)

func testSource(t *testing.T, feeBps float64) marketdata.Source {
	t.Helper()
	src, err := marketdata.NewHistorySource([]*marketdata.Snapshot{{
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Market: marketdata.Market{Prices: map[string]decimal.Decimal{
			"USDC": decimal.NewFromInt(1),
		}},
		Execution: marketdata.Execution{FeeBps: map[string]float64{"lenderone": feeBps}},
	}})
	require.NoError(t, err)
	return src
}

func supplyOrder(amount int64) Order {
	ts := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)
	amt := decimal.NewFromInt(amount)
	return NewOrder(ts, OpSupply, "wallet", "lenderone", "USDC", amt, []Delta{
		{Asset: "USDC", Venue: "wallet", Amount: amt.Neg()},
		{Asset: "USDC", Venue: "lenderone", Amount: amt},
	}, "test")
}

func TestSim_ExecuteFillsAndCharges(t *testing.T) {
	sim := NewSim("lenderone", testSource(t, 10), OpSupply) // 10 bps
	res, err := sim.Execute(context.Background(), supplyOrder(50000))
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, res.Status)
	assert.True(t, res.FeeAmount.Equal(decimal.NewFromInt(50)), "fee = %s", res.FeeAmount)
	assert.Equal(t, "USDC", res.FeeCurrency)

	// expected deltas plus the fee deducted at the executing venue
	require.Len(t, res.Deltas, 3)
	assert.True(t, res.Deltas[2].Amount.Equal(decimal.NewFromInt(-50)))

	balances, err := sim.Balances(context.Background())
	require.NoError(t, err)
	assert.True(t, balances["USDC"].Equal(decimal.NewFromInt(49950)))
}

func TestSim_UnsupportedOpIsCritical(t *testing.T) {
	sim := NewSim("lenderone", testSource(t, 0), OpSupply)
	ord := supplyOrder(100)
	ord.Op = OpPerpOpen

	_, err := sim.Execute(context.Background(), ord)
	require.Error(t, err)
	assert.Equal(t, faults.SeverityCritical, faults.SeverityOf(err))
}

func TestSim_FailNextInjectsFailures(t *testing.T) {
	sim := NewSim("lenderone", testSource(t, 0), OpSupply)
	sim.FailNext("venue_busy", 2)

	for i := 0; i < 2; i++ {
		res, err := sim.Execute(context.Background(), supplyOrder(100))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, "venue_busy", res.ErrorCode)
	}
	res, err := sim.Execute(context.Background(), supplyOrder(100))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
}

func TestRouter_RoutesByResponsibleVenue(t *testing.T) {
	src := testSource(t, 0)
	r := NewRouter()
	require.NoError(t, r.Register(NewSim("wallet", src, OpTrade, OpTransfer)))
	require.NoError(t, r.Register(NewSim("lenderone", src, OpSupply, OpWithdraw)))

	supply := supplyOrder(100)
	v, err := r.Route(supply)
	require.NoError(t, err)
	assert.Equal(t, "lenderone", v.Name())

	// withdrawals route through the venue holding the funds
	wd := supply
	wd.Op = OpWithdraw
	wd.SourceVenue, wd.TargetVenue = "lenderone", "wallet"
	v, err = r.Route(wd)
	require.NoError(t, err)
	assert.Equal(t, "lenderone", v.Name())
}

func TestRouter_UnknownVenueIsCritical(t *testing.T) {
	r := NewRouter()
	_, err := r.Route(supplyOrder(100))
	require.Error(t, err)
	var ee *faults.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "unknown_venue", ee.Code)
	assert.Equal(t, faults.SeverityCritical, ee.Severity)
}

func TestRouter_RejectsDuplicateRegistration(t *testing.T) {
	src := testSource(t, 0)
	r := NewRouter()
	require.NoError(t, r.Register(NewSim("wallet", src)))
	require.Error(t, r.Register(NewSim("wallet", src)))
}

func TestBuildSimRouter_CreditsWalletCapital(t *testing.T) {
	cfg := &config.Root{
		Mode:           config.ModeBacktest,
		InitialCapital: 100000,
		Venues: []config.VenueRef{
			{Name: "wallet", Kind: config.VenueWallet},
			{Name: "lenderone", Kind: config.VenueLending},
		},
		Strategy: config.Strategy{WalletVenue: "wallet", CashAsset: "USDC"},
	}
	r, err := BuildSimRouter(cfg, testSource(t, 0))
	require.NoError(t, err)
	require.Len(t, r.All(), 2)

	w, ok := r.Lookup("wallet")
	require.True(t, ok)
	balances, err := w.Balances(context.Background())
	require.NoError(t, err)
	assert.True(t, balances["USDC"].Equal(decimal.NewFromInt(100000)))
}

func TestLimited_TimeoutIsHighSeverity(t *testing.T) {
	slow := &slowVenue{name: "lenderone", delay: 50 * time.Millisecond}
	lim := NewLimited(slow, 100, 10, 10*time.Millisecond)

	_, err := lim.Execute(context.Background(), supplyOrder(100))
	require.Error(t, err)
	var ee *faults.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, faults.SeverityHigh, ee.Severity)
	assert.Equal(t, "timeout", ee.Code)
}

type slowVenue struct {
	name  string
	delay time.Duration
}

func (s *slowVenue) Name() string { return s.name }

func (s *slowVenue) Execute(ctx context.Context, ord Order) (*Result, error) {
	select {
	case <-time.After(s.delay):
		return &Result{OrderID: ord.ID, Status: StatusConfirmed}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowVenue) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	select {
	case <-time.After(s.delay):
		return map[string]decimal.Decimal{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestOrderJSONRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := NewOrder(ts, OpSupply, "wallet", "lenderone", "USDC",
		decimal.RequireFromString("12345.678901"),
		[]Delta{
			{Asset: "USDC", Venue: "wallet", Amount: decimal.RequireFromString("-12345.678901")},
			{Asset: "USDC", Venue: "lenderone", Amount: decimal.RequireFromString("12345.678901")},
		}, "initial_entry").Grouped("g-1", 3)

	b, err := json.Marshal(in)
	require.NoError(t, err)
	var out Order
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Op, out.Op)
	assert.Equal(t, in.SourceVenue, out.SourceVenue)
	assert.Equal(t, in.TargetVenue, out.TargetVenue)
	assert.Equal(t, "g-1", out.GroupID)
	assert.Equal(t, 3, out.GroupSeq)
	assert.Equal(t, in.Reason, out.Reason)
	assert.True(t, in.Amount.Equal(out.Amount), "amount %s != %s", in.Amount, out.Amount)
	require.Len(t, out.ExpectedDeltas, 2)
	for i, d := range out.ExpectedDeltas {
		assert.Equal(t, in.ExpectedDeltas[i].Asset, d.Asset)
		assert.Equal(t, in.ExpectedDeltas[i].Venue, d.Venue)
		assert.True(t, in.ExpectedDeltas[i].Amount.Equal(d.Amount))
	}
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestResultJSONRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := Result{
		OrderID:     "o-1",
		Status:      StatusConfirmed,
		Deltas:      []Delta{{Asset: "USDC", Venue: "lenderone", Amount: decimal.RequireFromString("99.95")}},
		FeeAmount:   decimal.RequireFromString("0.05"),
		FeeCurrency: "USDC",
		ExecutedAt:  ts,
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	var out Result
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, in.OrderID, out.OrderID)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.FeeCurrency, out.FeeCurrency)
	assert.True(t, in.FeeAmount.Equal(out.FeeAmount))
	require.Len(t, out.Deltas, 1)
	assert.True(t, in.Deltas[0].Amount.Equal(out.Deltas[0].Amount))
	assert.True(t, in.ExecutedAt.Equal(out.ExecutedAt))
}
