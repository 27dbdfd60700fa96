package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftline/yield-engine/internal/audit"
	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/engine"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
	"github.com/driftline/yield-engine/internal/transport"
	"github.com/driftline/yield-engine/internal/venue"
)

func main() {
	log.SetFlags(0)

	var (
		cfgPath     = flag.String("config", "config/live.yaml", "path to config yaml")
		historyPath = flag.String("history", "fixtures/history.json", "sandbox snapshot series")
		httpAddr    = flag.String("http", ":8090", "metrics/health listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Mode != config.ModeLive {
		log.Fatalf("config: mode must be %q for this binary, got %q", config.ModeLive, cfg.Mode)
	}

	// Sandbox adapters read from a recorded snapshot series; a production
	// deployment swaps in real venue adapters behind the same interfaces.
	source, err := marketdata.LoadHistory(*historyPath)
	if err != nil {
		log.Fatalf("history: %v", err)
	}

	router, err := venue.BuildSimRouter(&cfg, source)
	if err != nil {
		log.Fatalf("venues: %v", err)
	}

	sink, err := audit.NewFileSink(cfg.Audit.Path)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	session, err := engine.StartLiveSession(context.Background(), &cfg, source, router, sink)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(*httpAddr, transport.NewServer(session)); err != nil {
			log.Printf("http: %v", err)
		}
	}()
	observ.Log("live_started", map[string]any{"http": *httpAddr})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	// emergency stop: finishes any in-flight order, then winds down
	session.Stop()
	summary := session.Summary()
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if err := session.Err(); err != nil {
		log.Printf("session ended paused: %v", err)
		os.Exit(1)
	}
}
