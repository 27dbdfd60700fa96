package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/engine"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/venue"
)

func main() {
	log.SetFlags(0)

	var (
		cfgPath     = flag.String("config", "config/backtest.yaml", "path to config yaml")
		historyPath = flag.String("history", "fixtures/history.json", "path to historical snapshot series")
		startFlag   = flag.String("start", "", "replay window start (RFC3339, default: series start)")
		endFlag     = flag.String("end", "", "replay window end (RFC3339, default: series end)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Mode != config.ModeBacktest {
		log.Fatalf("config: mode must be %q for this binary, got %q", config.ModeBacktest, cfg.Mode)
	}

	source, err := marketdata.LoadHistory(*historyPath)
	if err != nil {
		log.Fatalf("history: %v", err)
	}

	start, end, err := replayWindow(source, *startFlag, *endFlag)
	if err != nil {
		log.Fatalf("window: %v", err)
	}

	router, err := venue.BuildSimRouter(&cfg, source)
	if err != nil {
		log.Fatalf("venues: %v", err)
	}

	sink, err := audit.NewFileSink(cfg.Audit.Path)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	summary, runErr := engine.RunBacktest(context.Background(), &cfg, source, router, sink, start, end)
	if summary != nil {
		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		log.Printf("backtest halted: %v", runErr)
		os.Exit(1)
	}
}

func replayWindow(source marketdata.SeriesSource, startFlag, endFlag string) (time.Time, time.Time, error) {
	all := source.Range(time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(all) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("empty history")
	}
	start, end := all[0], all[len(all)-1]
	if startFlag != "" {
		ts, err := time.Parse(time.RFC3339, startFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
		}
		start = ts
	}
	if endFlag != "" {
		ts, err := time.Parse(time.RFC3339, endFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
		}
		end = ts
	}
	return start, end, nil
}
