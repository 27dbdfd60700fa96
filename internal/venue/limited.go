package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/observ"
)

// Limited wraps a live venue with rate limiting and a boundary timeout.
// Timeouts surface as HIGH-severity execution errors subject to the retry
// policy; they never hang the core loop.
type Limited struct {
	inner   Venue
	limiter *rate.Limiter
	timeout time.Duration
}

func NewLimited(inner Venue, perSec float64, burst int, timeout time.Duration) *Limited {
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		timeout: timeout,
	}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Execute(ctx context.Context, ord Order) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, &faults.ExecutionError{
			Severity: faults.SeverityHigh,
			OrderID:  ord.ID,
			Venue:    l.Name(),
			Code:     "rate_limit_wait",
			Err:      err,
		}
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := l.inner.Execute(cctx, ord)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		observ.IncCounter("venue_timeouts_total", map[string]string{"venue": l.Name()})
		return nil, &faults.ExecutionError{
			Severity: faults.SeverityHigh,
			OrderID:  ord.ID,
			Venue:    l.Name(),
			Code:     "timeout",
			Err:      err,
		}
	}
	return res, err
}

func (l *Limited) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.inner.Balances(cctx)
}
