package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/faults"
)

// Venue executes a single order and reports balances. Backtest
// implementations simulate against snapshot data; live implementations make
// real network calls. Both expose the identical signature to the
// orchestrator.
type Venue interface {
	Name() string
	Execute(ctx context.Context, ord Order) (*Result, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Router maps orders to registered venues by target venue name. Transfers
// and withdrawals route through the source venue, which owns the funds
// being moved.
type Router struct {
	venues map[string]Venue
}

func NewRouter() *Router {
	return &Router{venues: map[string]Venue{}}
}

func (r *Router) Register(v Venue) error {
	if _, dup := r.venues[v.Name()]; dup {
		return fmt.Errorf("router: venue %q already registered", v.Name())
	}
	r.venues[v.Name()] = v
	return nil
}

// Lookup returns a registered venue by name.
func (r *Router) Lookup(name string) (Venue, bool) {
	v, ok := r.venues[name]
	return v, ok
}

// All returns every registered venue.
func (r *Router) All() []Venue {
	out := make([]Venue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v)
	}
	return out
}

// Route picks the venue responsible for executing ord.
func (r *Router) Route(ord Order) (Venue, error) {
	name := ord.TargetVenue
	switch ord.Op {
	case OpWithdraw, OpUnstake, OpTransfer:
		name = ord.SourceVenue
	}
	v, ok := r.venues[name]
	if !ok {
		return nil, &faults.ExecutionError{
			Severity: faults.SeverityCritical,
			OrderID:  ord.ID,
			Venue:    name,
			Code:     "unknown_venue",
			Err:      fmt.Errorf("no venue registered under %q", name),
		}
	}
	return v, nil
}
