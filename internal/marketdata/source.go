package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/driftline/yield-engine/internal/faults"
)

// Source supplies the data snapshot for a given timestamp. Implementations
// must guarantee the returned snapshot reflects only information valid at or
// before ts (no lookahead). The engine is the only caller and always passes
// its current clock value.
type Source interface {
	GetSnapshot(ctx context.Context, ts time.Time) (*Snapshot, error)
}

// SeriesSource is a Source backed by a finite ordered series, able to
// enumerate the timestamps a backtest should visit.
type SeriesSource interface {
	Source
	Range(start, end time.Time) []time.Time
}

// HistorySource serves pre-loaded historical snapshots. GetSnapshot returns
// the latest record at or before the requested timestamp, which preserves
// the no-lookahead invariant even when the engine's clock falls between
// records.
type HistorySource struct {
	snaps []*Snapshot // ascending by timestamp
}

// NewHistorySource sorts and validates a snapshot series.
func NewHistorySource(snaps []*Snapshot) (*HistorySource, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("history source: empty series")
	}
	sorted := make([]*Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Equal(sorted[i-1].Timestamp) {
			return nil, fmt.Errorf("history source: duplicate timestamp %s", sorted[i].Timestamp.UTC().Format(time.RFC3339))
		}
	}
	return &HistorySource{snaps: sorted}, nil
}

// LoadHistory reads a JSON array of snapshots from disk.
func LoadHistory(path string) (*HistorySource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	var snaps []*Snapshot
	if err := json.Unmarshal(b, &snaps); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	return NewHistorySource(snaps)
}

// GetSnapshot returns the latest snapshot at or before ts. Requesting a
// timestamp before the start of the series is a data-unavailable condition.
func (h *HistorySource) GetSnapshot(_ context.Context, ts time.Time) (*Snapshot, error) {
	// first index with timestamp strictly after ts
	i := sort.Search(len(h.snaps), func(i int) bool { return h.snaps[i].Timestamp.After(ts) })
	if i == 0 {
		return nil, &faults.DataUnavailableError{Section: "history", Key: "snapshot", Timestamp: ts}
	}
	return h.snaps[i-1], nil
}

// Range enumerates the series timestamps within [start, end].
func (h *HistorySource) Range(start, end time.Time) []time.Time {
	var out []time.Time
	for _, s := range h.snaps {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		out = append(out, s.Timestamp)
	}
	return out
}
