package venue

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/marketdata"
)

// opsForKind maps venue kinds to the operation families they accept.
func opsForKind(kind config.VenueKind) []OpType {
	switch kind {
	case config.VenueWallet:
		return []OpType{OpTrade, OpTransfer}
	case config.VenueLending:
		return []OpType{OpSupply, OpWithdraw, OpBorrow, OpRepay, OpFlash, OpTransfer}
	case config.VenueStaking:
		return []OpType{OpStake, OpUnstake, OpTransfer}
	case config.VenueExchange:
		return []OpType{OpTrade, OpPerpOpen, OpPerpClose, OpTransfer}
	default:
		return nil
	}
}

// BuildSimRouter registers one simulated venue per configured venue. Used by
// backtests and by live runs against the sandbox adapters; live runs wrap
// every venue in a rate limiter.
func BuildSimRouter(cfg *config.Root, source marketdata.Source) (*Router, error) {
	r := NewRouter()
	for _, ref := range cfg.Venues {
		sim := NewSim(ref.Name, source, opsForKind(ref.Kind)...)
		if ref.Name == cfg.Strategy.WalletVenue {
			sim.Credit(cfg.Strategy.CashAsset, decimal.NewFromFloat(cfg.InitialCapital))
		}
		var v Venue = sim
		if cfg.Mode == config.ModeLive {
			v = NewLimited(v, cfg.Live.RateLimitPerSec, cfg.Live.RateBurst,
				time.Duration(cfg.Execution.TimeoutMs)*time.Millisecond)
		}
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}
