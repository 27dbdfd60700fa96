package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
	"github.com/driftline/yield-engine/internal/venue"
)

// RunBacktest replays every timestamp the source holds in [start, end] and
// returns the run summary. A critical failure stops the replay at the failing
// timestamp; the summary's halt diagnostic names the order and asset.
func RunBacktest(ctx context.Context, cfg *config.Root, source marketdata.SeriesSource, router *venue.Router, sink audit.Sink, start, end time.Time) (*Summary, error) {
	if cfg.Mode != config.ModeBacktest {
		return nil, fmt.Errorf("engine: RunBacktest requires mode %q, got %q", config.ModeBacktest, cfg.Mode)
	}
	series := source.Range(start, end)
	if len(series) == 0 {
		return nil, fmt.Errorf("engine: no historical timestamps in [%s, %s]",
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}

	e, err := New(cfg, source, router, sink, series[0])
	if err != nil {
		return nil, err
	}
	defer e.rec.Close()

	observ.Log("backtest_start", map[string]any{
		"strategy":   e.strat.Name(),
		"timestamps": len(series),
		"start":      series[0].UTC().Format(time.RFC3339),
		"end":        series[len(series)-1].UTC().Format(time.RFC3339),
	})

	for _, ts := range series {
		if err := ctx.Err(); err != nil {
			e.summary.End = ts
			return &e.summary, err
		}
		if err := e.runFullLoop(ctx, ts); err != nil {
			e.summary.End = ts
			if e.summary.Halt == nil {
				e.summary.Halt = &HaltDiagnostic{Timestamp: ts, Reason: err.Error()}
			}
			observ.LogError("backtest_halt", err, map[string]any{
				"timestamp": ts.UTC().Format(time.RFC3339),
			})
			return &e.summary, err
		}
	}

	e.summary.End = series[len(series)-1]
	observ.Log("backtest_complete", map[string]any{
		"iterations":  e.summary.Iterations,
		"final_value": e.summary.FinalValue.String(),
		"pnl":         e.summary.CumulativePnL.String(),
	})
	return &e.summary, nil
}
