package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/venue"
)

func backtestCfg() *config.Root {
	return &config.Root{
		Mode:              config.ModeBacktest,
		ReportingCurrency: "USD",
		InitialCapital:    100000,
		Venues: []config.VenueRef{
			{Name: "wallet", Kind: config.VenueWallet},
			{Name: "lenderone", Kind: config.VenueLending},
		},
		TrackedAssets: []config.TrackedAsset{{Symbol: "USDC", DirectionWeight: 0}},
		Risk:          config.Risk{EnabledTypes: []string{"net_delta"}},
		PnL:           config.PnL{EnabledComponents: []string{"yield", "transaction_cost"}, ReconcileTolerance: 5},
		Reconciliation: config.Reconciliation{
			DefaultTolerance: 0.0001,
		},
		Execution: config.Execution{MaxAttempts: 3, BackoffBaseMs: 1, BackoffMaxMs: 10},
		Strategy: config.Strategy{
			Mode:         "pure_lending",
			WalletVenue:  "wallet",
			LendingVenue: "lenderone",
			CashAsset:    "USDC",
			MinOrder:     1,
			IdleCashMax:  1000,
		},
	}
}

func hourlySource(t *testing.T, start time.Time, hours int) marketdata.SeriesSource {
	t.Helper()
	var snaps []*marketdata.Snapshot
	for i := 0; i < hours; i++ {
		snaps = append(snaps, &marketdata.Snapshot{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Market: marketdata.Market{
				Prices:      map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1)},
				SupplyRates: map[string]decimal.Decimal{"USDC": decimal.NewFromFloat(0.05)},
			},
		})
	}
	src, err := marketdata.NewHistorySource(snaps)
	require.NoError(t, err)
	return src
}

func TestRunBacktest_PureLendingEndToEnd(t *testing.T) {
	cfg := backtestCfg()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 24)

	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)
	sink := audit.NewMemorySink()

	summary, err := RunBacktest(context.Background(), cfg, src, router, sink, start, start.Add(48*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 24, summary.Iterations)
	assert.Equal(t, 1, summary.OrdersExecuted, "initial entry supplies once")
	assert.Zero(t, summary.OrdersFailed)
	assert.Zero(t, summary.Mismatches, "backtest reconciliation always succeeds")
	assert.Nil(t, summary.Halt)
	assert.Equal(t, "pure_lending", summary.Strategy)

	// 100000 at 5% APR over 23 hourly accrual steps stays just above par
	assert.True(t, summary.FinalValue.GreaterThan(decimal.NewFromInt(100000)),
		"final value = %s", summary.FinalValue)
	assert.True(t, summary.CumulativePnL.IsPositive())

	// the audit stream brackets the run and keeps emission order
	events := sink.Events()
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	types := map[string]int{}
	for _, ev := range events {
		types[ev.Type]++
	}
	assert.Equal(t, 24, types["full_loop"])
	assert.Equal(t, 1, types["tight_loop_start"])
	assert.Equal(t, 1, types["order_dispatch"])
}

func TestRunBacktest_ExpectedEqualsObservedThroughout(t *testing.T) {
	cfg := backtestCfg()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 6)

	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)

	e, err := New(cfg, src, router, audit.NewMemorySink(), start)
	require.NoError(t, err)
	for _, ts := range src.Range(start, start.Add(12*time.Hour)) {
		require.NoError(t, e.runFullLoop(context.Background(), ts))
	}

	for k, r := range e.Book().Snapshot() {
		assert.True(t, r.Expected.Equal(r.Observed), "%s diverged: expected %s observed %s", k, r.Expected, r.Observed)
	}
}

func TestRunBacktest_HaltNamesFailingOrder(t *testing.T) {
	cfg := backtestCfg()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 3)

	router := venue.NewRouter()
	wallet := venue.NewSim("wallet", src, venue.OpTrade, venue.OpTransfer)
	wallet.Credit("USDC", decimal.NewFromInt(100000))
	require.NoError(t, router.Register(wallet))
	lender := venue.NewSim("lenderone", src, venue.OpSupply)
	lender.FailNext("venue_busy", 99)
	require.NoError(t, router.Register(lender))

	summary, err := RunBacktest(context.Background(), cfg, src, router, audit.NewMemorySink(), start, start.Add(12*time.Hour))
	require.Error(t, err)
	require.NotNil(t, summary)
	require.NotNil(t, summary.Halt)
	assert.True(t, summary.Halt.Timestamp.Equal(start))
	assert.NotEmpty(t, summary.Halt.OrderID)
	assert.Equal(t, 1, summary.OrdersFailed)
}

func TestRunBacktest_RejectsLiveMode(t *testing.T) {
	cfg := backtestCfg()
	cfg.Mode = config.ModeLive
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 2)
	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)

	_, err = RunBacktest(context.Background(), cfg, src, router, audit.NewMemorySink(), start, start.Add(time.Hour))
	require.Error(t, err)
}

func TestRunBacktest_EmptyWindowFails(t *testing.T) {
	cfg := backtestCfg()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 2)
	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)

	_, err = RunBacktest(context.Background(), cfg, src, router, audit.NewMemorySink(),
		start.Add(100*time.Hour), start.Add(200*time.Hour))
	require.Error(t, err)
}

func TestLiveSession_StopIsClean(t *testing.T) {
	cfg := backtestCfg()
	cfg.Mode = config.ModeLive
	cfg.Live = config.Live{IntervalMs: 10, RateLimitPerSec: 100, RateBurst: 10}
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// the sandbox source serves the last snapshot for any wall-clock ts
	src := hourlySource(t, start, 2)

	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)

	s, err := StartLiveSession(context.Background(), cfg, src, router, audit.NewMemorySink())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	sum := s.Summary()
	assert.GreaterOrEqual(t, sum.Iterations, 1)
	assert.False(t, s.Paused())
	assert.NoError(t, s.Err())
}

func TestLiveSession_RequiresLiveMode(t *testing.T) {
	cfg := backtestCfg()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 2)
	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)

	_, err = StartLiveSession(context.Background(), cfg, src, router, audit.NewMemorySink())
	require.Error(t, err)
}

func TestRunBacktest_FinalValueIncludesSameLoopFills(t *testing.T) {
	cfg := backtestCfg()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src, err := marketdata.NewHistorySource([]*marketdata.Snapshot{{
		Timestamp: start,
		Market:    marketdata.Market{Prices: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1)}},
		Execution: marketdata.Execution{FeeBps: map[string]float64{"lenderone": 10}},
	}})
	require.NoError(t, err)
	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)

	summary, err := RunBacktest(context.Background(), cfg, src, router, audit.NewMemorySink(),
		start, start.Add(time.Hour))
	require.NoError(t, err)

	// 100000 supplied with a 10 bps fee leaves 99900 after the fill
	assert.Equal(t, 1, summary.OrdersExecuted)
	assert.True(t, summary.FinalValue.Equal(decimal.NewFromInt(99900)),
		"final value = %s", summary.FinalValue)
}

func TestLiveSession_SummaryDuringRun(t *testing.T) {
	cfg := backtestCfg()
	cfg.Mode = config.ModeLive
	cfg.Strategy.MinOrder = 1000000 // observation only, no orders
	cfg.Live = config.Live{IntervalMs: 1, RateLimitPerSec: 1000, RateBurst: 100}
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 2)

	router, err := venue.BuildSimRouter(cfg, src)
	require.NoError(t, err)
	s, err := StartLiveSession(context.Background(), cfg, src, router, audit.NewMemorySink())
	require.NoError(t, err)

	// hammer the status surface while the loop runs
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = s.Summary()
	}
	s.Stop()

	assert.GreaterOrEqual(t, s.Summary().Iterations, 1)
}

// slowConfirmVenue delays the fill long enough for a stop request to arrive
// while the order is in flight.
type slowConfirmVenue struct {
	*venue.Sim
	delay time.Duration
}

func (v *slowConfirmVenue) Execute(ctx context.Context, ord venue.Order) (*venue.Result, error) {
	select {
	case <-time.After(v.delay):
	case <-ctx.Done():
		return nil, &faults.ExecutionError{
			Severity: faults.SeverityCritical,
			OrderID:  ord.ID,
			Venue:    v.Name(),
			Code:     "canceled",
			Err:      ctx.Err(),
		}
	}
	return v.Sim.Execute(ctx, ord)
}

func TestLiveSession_StopLetsInFlightOrderReconcile(t *testing.T) {
	cfg := backtestCfg()
	cfg.Mode = config.ModeLive
	cfg.Live = config.Live{IntervalMs: 60000, RateLimitPerSec: 100, RateBurst: 10}
	// sim venues only see their own leg of a transfer, so the live observed
	// view diverges by the full amount; a wide tolerance keeps the
	// reconciliation green
	cfg.Reconciliation.DefaultTolerance = 1e6
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := hourlySource(t, start, 2)

	router := venue.NewRouter()
	wallet := venue.NewSim("wallet", src, venue.OpTrade, venue.OpTransfer)
	wallet.Credit("USDC", decimal.NewFromInt(100000))
	require.NoError(t, router.Register(wallet))
	lender := venue.NewSim("lenderone", src, venue.OpSupply)
	require.NoError(t, router.Register(&slowConfirmVenue{Sim: lender, delay: 80 * time.Millisecond}))

	sink := audit.NewMemorySink()
	s, err := StartLiveSession(context.Background(), cfg, src, router, sink)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // the supply order is now in flight
	s.Stop()

	types := map[string]int{}
	for _, ev := range sink.Events() {
		types[ev.Type]++
	}
	require.Equal(t, 1, types["order_dispatch"])
	assert.Equal(t, types["order_dispatch"], types["reconcile_outcome"],
		"a dispatched order must reach a reconciliation outcome before stop completes")
	assert.Zero(t, types["order_failed"])
	assert.Equal(t, 1, s.Summary().OrdersExecuted)
	assert.Zero(t, s.Summary().OrdersFailed)
}
