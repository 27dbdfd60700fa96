package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
)

// Key identifies a position: one asset held at one venue.
type Key struct {
	Asset string `json:"asset"`
	Venue string `json:"venue"`
}

func (k Key) String() string { return k.Asset + "@" + k.Venue }

// Record is the dual view of one position. Expected is the simulated or
// anticipated amount; Observed is the amount last seen at the venue. In
// backtest mode the two are identical by construction.
type Record struct {
	Asset             string          `json:"asset"`
	Venue             string          `json:"venue"`
	Expected          decimal.Decimal `json:"expected"`
	Observed          decimal.Decimal `json:"observed"`
	ExpectedUpdatedAt time.Time       `json:"expected_updated_at"`
	ObservedUpdatedAt time.Time       `json:"observed_updated_at"`
	ExpectedSource    string          `json:"expected_source"`
	ObservedSource    string          `json:"observed_source"`
	Stale             bool            `json:"stale"`
}

// EventType names the backtest-only triggers that mutate expected amounts to
// simulate externally-occurring value changes. Live mode has no analogue;
// those changes are captured naturally by the periodic observed refresh.
type EventType string

const (
	EventSeasonalReward EventType = "seasonal_reward"
	EventMarkToMarket   EventType = "mark_to_market"
)

// Event is a backtest-only expected-amount mutation.
type Event struct {
	Type  EventType
	Asset string
	Venue string
	Delta decimal.Decimal
}

// BalanceQuerier is the venue capability the live observed-refresh needs.
type BalanceQuerier interface {
	Name() string
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Book tracks per asset-per-venue balances for one request. It is the single
// mutable resource of the request and is mutated only through its own
// methods, which are invoked by the execution orchestrator and the engine's
// periodic refresh trigger.
type Book struct {
	mu      sync.RWMutex
	mode    config.Mode
	records map[Key]*Record
	venues  []BalanceQuerier
}

// NewBook seeds a fresh book from initial capital held as cash at the wallet
// venue. Records are created at request start and never destroyed
// mid-request.
func NewBook(cfg *config.Root, now time.Time) *Book {
	b := &Book{
		mode:    cfg.Mode,
		records: map[Key]*Record{},
	}
	k := Key{Asset: cfg.Strategy.CashAsset, Venue: cfg.Strategy.WalletVenue}
	cap := decimal.NewFromFloat(cfg.InitialCapital)
	b.records[k] = &Record{
		Asset:             k.Asset,
		Venue:             k.Venue,
		Expected:          cap,
		Observed:          cap,
		ExpectedUpdatedAt: now,
		ObservedUpdatedAt: now,
		ExpectedSource:    "initial_capital",
		ObservedSource:    "initial_capital",
	}
	return b
}

// RegisterVenue adds a venue the live observed-refresh will query.
func (b *Book) RegisterVenue(v BalanceQuerier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.venues = append(b.venues, v)
}

func (b *Book) record(k Key) *Record {
	r, ok := b.records[k]
	if !ok {
		r = &Record{Asset: k.Asset, Venue: k.Venue}
		b.records[k] = r
	}
	return r
}

// ApplyDelta mutates the expected view of one position. Source tags which
// trigger produced the change (order id, refresh, event type).
func (b *Book) ApplyDelta(asset, venue string, delta decimal.Decimal, ts time.Time, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.record(Key{Asset: asset, Venue: venue})
	r.Expected = r.Expected.Add(delta)
	r.ExpectedUpdatedAt = ts
	r.ExpectedSource = source
	if b.mode == config.ModeBacktest {
		// backtest invariant: expected and observed never diverge
		r.Observed = r.Expected
		r.ObservedUpdatedAt = ts
		r.ObservedSource = source
	}
}

// ApplyEvent applies a backtest-only trigger (reward accrual, mark to
// market). Rejected outside backtest mode.
func (b *Book) ApplyEvent(ev Event, ts time.Time) error {
	if b.mode != config.ModeBacktest {
		return fmt.Errorf("position: %s event is backtest-only", ev.Type)
	}
	b.ApplyDelta(ev.Asset, ev.Venue, ev.Delta, ts, string(ev.Type))
	observ.IncCounter("position_events_total", map[string]string{"type": string(ev.Type)})
	return nil
}

// RefreshObserved brings the observed view up to date. Backtest mode copies
// expected over observed (there is nothing external to query). Live mode
// queries every registered venue; a query failure retains the last observed
// value with an explicit staleness flag and is reported, never swallowed.
func (b *Book) RefreshObserved(ctx context.Context, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mode == config.ModeBacktest {
		for _, r := range b.records {
			r.Observed = r.Expected
			r.ObservedUpdatedAt = ts
			r.ObservedSource = "refresh"
			r.Stale = false
		}
		return nil
	}

	var errs []error
	for _, v := range b.venues {
		balances, err := v.Balances(ctx)
		if err != nil {
			for _, r := range b.records {
				if r.Venue == v.Name() {
					r.Stale = true
				}
			}
			observ.IncCounter("observed_refresh_failures_total", map[string]string{"venue": v.Name()})
			errs = append(errs, fmt.Errorf("refresh %s: %w", v.Name(), err))
			continue
		}
		seen := map[string]bool{}
		for asset, amt := range balances {
			r := b.record(Key{Asset: asset, Venue: v.Name()})
			r.Observed = amt
			r.ObservedUpdatedAt = ts
			r.ObservedSource = "refresh"
			r.Stale = false
			seen[asset] = true
		}
		for _, r := range b.records {
			if r.Venue == v.Name() && !seen[r.Asset] {
				r.Observed = decimal.Zero
				r.ObservedUpdatedAt = ts
				r.ObservedSource = "refresh"
				r.Stale = false
			}
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns a copy of every record.
func (b *Book) Snapshot() map[Key]Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Key]Record, len(b.records))
	for k, r := range b.records {
		out[k] = *r
	}
	return out
}

// Get returns a copy of one record.
func (b *Book) Get(asset, venue string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[Key{Asset: asset, Venue: venue}]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Expected returns the expected amount for one position (zero if absent).
func (b *Book) Expected(asset, venue string) decimal.Decimal {
	r, ok := b.Get(asset, venue)
	if !ok {
		return decimal.Zero
	}
	return r.Expected
}

// Mode returns the book's request mode.
func (b *Book) Mode() config.Mode { return b.mode }

// TotalValue values the expected view of the book in reporting currency
// using snapshot prices. Positions with no price contribute zero.
func TotalValue(positions map[Key]Record, snap *marketdata.Snapshot) decimal.Decimal {
	total := decimal.Zero
	for _, r := range positions {
		price, ok := snap.Price(r.Asset)
		if !ok {
			continue
		}
		total = total.Add(r.Expected.Mul(price))
	}
	return total
}
