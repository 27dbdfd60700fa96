package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/position"
	"github.com/driftline/yield-engine/internal/venue"
)

// Classification of a reconciliation comparison.
type Classification string

const (
	ClassExactMatch      Classification = "exact_match"
	ClassWithinTolerance Classification = "within_tolerance"
	ClassMismatch        Classification = "mismatch"
)

// Mismatch describes one asset whose expected and observed amounts diverge.
type Mismatch struct {
	Asset     string          `json:"asset"`
	Venue     string          `json:"venue"`
	Expected  decimal.Decimal `json:"expected"`
	Observed  decimal.Decimal `json:"observed"`
	Diff      decimal.Decimal `json:"diff"`
	Tolerance decimal.Decimal `json:"tolerance"`
}

// Outcome is the result of comparing expected vs observed position state
// for the assets an order touched.
type Outcome struct {
	OrderID        string         `json:"order_id"`
	Success        bool           `json:"success"`
	Classification Classification `json:"classification"`
	Mismatches     []Mismatch     `json:"mismatches,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// touchedKeys collects the position keys an order and its result affected.
func touchedKeys(ord venue.Order, res *venue.Result) []position.Key {
	seen := map[position.Key]bool{}
	var keys []position.Key
	add := func(d venue.Delta) {
		k := position.Key{Asset: d.Asset, Venue: d.Venue}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, d := range ord.ExpectedDeltas {
		add(d)
	}
	if res != nil {
		for _, d := range res.Deltas {
			add(d)
		}
	}
	return keys
}

// reconcile compares expected vs observed for each touched key against the
// configured per-asset tolerance. In backtest mode expected and observed are
// identical by construction, so the outcome is always a success.
func reconcile(cfg *config.Root, book *position.Book, ord venue.Order, res *venue.Result, ts time.Time) *Outcome {
	out := &Outcome{
		OrderID:        ord.ID,
		Success:        true,
		Classification: ClassExactMatch,
		CheckedAt:      ts,
	}

	for _, k := range touchedKeys(ord, res) {
		rec, ok := book.Get(k.Asset, k.Venue)
		if !ok {
			continue
		}
		diff := rec.Expected.Sub(rec.Observed).Abs()
		if diff.IsZero() {
			continue
		}
		tol := decimal.NewFromFloat(cfg.ToleranceFor(k.Asset))
		if diff.LessThanOrEqual(tol) {
			if out.Classification == ClassExactMatch {
				out.Classification = ClassWithinTolerance
			}
			continue
		}
		out.Success = false
		out.Classification = ClassMismatch
		out.Mismatches = append(out.Mismatches, Mismatch{
			Asset:     k.Asset,
			Venue:     k.Venue,
			Expected:  rec.Expected,
			Observed:  rec.Observed,
			Diff:      diff,
			Tolerance: tol,
		})
	}
	return out
}
