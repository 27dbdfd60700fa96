package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/marketdata"
)

// Sim simulates a venue against snapshot data. Fills are priced off the
// execution-cost section of the snapshot valid at the order's timestamp.
// One Sim instance backs one named venue (exchange, lending pool, staking
// pool, or wallet); the operation families it accepts are configured at
// construction.
type Sim struct {
	mu       sync.Mutex
	name     string
	ops      map[OpType]bool
	source   marketdata.Source
	balances map[string]decimal.Decimal

	failCode string
	failLeft int
}

// NewSim builds a sim venue accepting the given operation families.
func NewSim(name string, source marketdata.Source, ops ...OpType) *Sim {
	m := make(map[OpType]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return &Sim{name: name, ops: m, source: source, balances: map[string]decimal.Decimal{}}
}

func (s *Sim) Name() string { return s.name }

// FailNext makes the next n executions fail with the given code, used to
// exercise retry and rollback paths.
func (s *Sim) FailNext(code string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCode = code
	s.failLeft = n
}

// Execute fills the order at its expected deltas and charges the venue fee
// from the snapshot. The fee is reported on the result and deducted from
// the venue holding the order's token.
func (s *Sim) Execute(ctx context.Context, ord Order) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ops[ord.Op] {
		return nil, &faults.ExecutionError{
			Severity: faults.SeverityCritical,
			OrderID:  ord.ID,
			Venue:    s.name,
			Code:     "unsupported_op",
			Err:      fmt.Errorf("venue %s does not accept %s", s.name, ord.Op),
		}
	}

	if s.failLeft > 0 {
		s.failLeft--
		return &Result{
			OrderID:    ord.ID,
			Status:     StatusFailed,
			ErrorCode:  s.failCode,
			ExecutedAt: ord.CreatedAt,
		}, nil
	}

	snap, err := s.source.GetSnapshot(ctx, ord.CreatedAt)
	if err != nil {
		return nil, &faults.ExecutionError{
			Severity: faults.SeverityHigh,
			OrderID:  ord.ID,
			Venue:    s.name,
			Code:     "snapshot_unavailable",
			Err:      err,
		}
	}

	feeBps := snap.FeeBps(s.name)
	fee := ord.Amount.Abs().Mul(decimal.NewFromFloat(feeBps)).Div(decimal.NewFromInt(10000))

	deltas := make([]Delta, len(ord.ExpectedDeltas), len(ord.ExpectedDeltas)+1)
	copy(deltas, ord.ExpectedDeltas)
	if fee.IsPositive() {
		deltas = append(deltas, Delta{Asset: ord.SourceToken, Venue: s.name, Amount: fee.Neg()})
	}

	for _, d := range deltas {
		if d.Venue == s.name {
			s.balances[d.Asset] = s.balanceOf(d.Asset).Add(d.Amount)
		}
	}

	return &Result{
		OrderID:     ord.ID,
		Status:      StatusConfirmed,
		Deltas:      deltas,
		FeeAmount:   fee,
		FeeCurrency: ord.SourceToken,
		ExecutedAt:  ord.CreatedAt,
	}, nil
}

func (s *Sim) balanceOf(asset string) decimal.Decimal {
	if b, ok := s.balances[asset]; ok {
		return b
	}
	return decimal.Zero
}

// Balances reports the venue's current holdings.
func (s *Sim) Balances(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out, nil
}

// Credit seeds a starting balance, used when a sim venue represents the
// wallet holding initial capital.
func (s *Sim) Credit(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = s.balanceOf(asset).Add(amount)
}
