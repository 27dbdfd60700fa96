package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftline/yield-engine/internal/faults"
)

// Mode selects how the engine is driven: historical replay or wall-clock.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// VenueKind classifies a venue for attribution and balance-refresh purposes.
type VenueKind string

const (
	VenueWallet   VenueKind = "wallet"
	VenueLending  VenueKind = "lending"
	VenueStaking  VenueKind = "staking"
	VenueExchange VenueKind = "exchange"
)

type VenueRef struct {
	Name string    `yaml:"name"`
	Kind VenueKind `yaml:"kind"`
}

// TrackedAsset names an asset the exposure aggregator values, with its
// directional weight: 0 for non-directional (stables, supplied cash), +1 for
// long spot, -1 for short legs.
type TrackedAsset struct {
	Symbol          string  `yaml:"symbol"`
	DirectionWeight float64 `yaml:"direction_weight"`
}

// Band maps a risk metric to warning/critical thresholds. Direction "below"
// means smaller values are worse (margin ratio), "above" means larger values
// are worse (leverage).
type Band struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Direction string  `yaml:"direction"` // "above" | "below"
}

type Risk struct {
	EnabledTypes []string        `yaml:"enabled_types"`
	Thresholds   map[string]Band `yaml:"thresholds"`
}

type PnL struct {
	EnabledComponents  []string `yaml:"enabled_components"`
	ReconcileTolerance float64  `yaml:"reconcile_tolerance"`
}

type Reconciliation struct {
	DefaultTolerance float64            `yaml:"default_tolerance"`
	PerAsset         map[string]float64 `yaml:"per_asset"`
}

type Execution struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
	TimeoutMs     int `yaml:"timeout_ms"`
}

type Strategy struct {
	Mode          string  `yaml:"mode"`
	WalletVenue   string  `yaml:"wallet_venue"`
	LendingVenue  string  `yaml:"lending_venue"`
	StakingVenue  string  `yaml:"staking_venue"`
	ExchangeVenue string  `yaml:"exchange_venue"`
	CashAsset     string  `yaml:"cash_asset"`
	StakeAsset    string  `yaml:"stake_asset"`
	PerpSymbol    string  `yaml:"perp_symbol"`
	MinOrder      float64 `yaml:"min_order"`
	IdleCashMax   float64 `yaml:"idle_cash_max"`
	TargetLeverage float64 `yaml:"target_leverage"`
	RebalanceBand  float64 `yaml:"rebalance_band"` // absolute net-delta units that trigger a hedge adjust
	DeriskFraction float64 `yaml:"derisk_fraction"`
}

type Live struct {
	IntervalMs      int     `yaml:"interval_ms"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateBurst       int     `yaml:"rate_burst"`
}

type Audit struct {
	Path string `yaml:"path"`
}

// Root is the immutable per-request config slice. It is loaded and validated
// once at request construction; every component holds a read-only reference.
type Root struct {
	Mode              Mode           `yaml:"mode"`
	ReportingCurrency string         `yaml:"reporting_currency"`
	InitialCapital    float64        `yaml:"initial_capital"`
	Venues            []VenueRef     `yaml:"venues"`
	TrackedAssets     []TrackedAsset `yaml:"tracked_assets"`
	Risk              Risk           `yaml:"risk"`
	PnL               PnL            `yaml:"pnl"`
	Reconciliation    Reconciliation `yaml:"reconciliation"`
	Execution         Execution      `yaml:"execution"`
	Strategy          Strategy       `yaml:"strategy"`
	Live              Live           `yaml:"live"`
	Audit             Audit          `yaml:"audit"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.ReportingCurrency == "" {
		c.ReportingCurrency = "USD"
	}
	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = 3
	}
	if c.Execution.BackoffBaseMs == 0 {
		c.Execution.BackoffBaseMs = 100
	}
	if c.Execution.BackoffMaxMs == 0 {
		c.Execution.BackoffMaxMs = 5000
	}
	if c.Execution.TimeoutMs == 0 {
		c.Execution.TimeoutMs = 10000
	}
	if c.Reconciliation.DefaultTolerance == 0 {
		c.Reconciliation.DefaultTolerance = 0.0001
	}
	if c.PnL.ReconcileTolerance == 0 {
		c.PnL.ReconcileTolerance = 1.0
	}
	if c.Strategy.MinOrder == 0 {
		c.Strategy.MinOrder = 1.0
	}
	if c.Strategy.DeriskFraction == 0 {
		c.Strategy.DeriskFraction = 0.5
	}
	if c.Live.IntervalMs == 0 {
		c.Live.IntervalMs = 15000
	}
	if c.Live.RateLimitPerSec == 0 {
		c.Live.RateLimitPerSec = 5
	}
	if c.Live.RateBurst == 0 {
		c.Live.RateBurst = 2
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.jsonl"
	}
}

// Validate fails fast with a ConfigError before any component is constructed.
func (c *Root) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModeLive:
	default:
		return faults.NewConfigError("mode", "must be %q or %q, got %q", ModeBacktest, ModeLive, c.Mode)
	}
	if c.InitialCapital <= 0 {
		return faults.NewConfigError("initial_capital", "must be positive, got %v", c.InitialCapital)
	}
	if len(c.Venues) == 0 {
		return faults.NewConfigError("venues", "at least one venue is required")
	}
	names := map[string]bool{}
	for i, v := range c.Venues {
		if v.Name == "" {
			return faults.NewConfigError("venues", "venue %d has no name", i)
		}
		if names[v.Name] {
			return faults.NewConfigError("venues", "duplicate venue %q", v.Name)
		}
		names[v.Name] = true
		switch v.Kind {
		case VenueWallet, VenueLending, VenueStaking, VenueExchange:
		default:
			return faults.NewConfigError("venues", "venue %q has unknown kind %q", v.Name, v.Kind)
		}
	}
	if c.Strategy.Mode == "" {
		return faults.NewConfigError("strategy.mode", "required")
	}
	if c.Strategy.CashAsset == "" {
		return faults.NewConfigError("strategy.cash_asset", "required")
	}
	if c.Strategy.WalletVenue == "" {
		return faults.NewConfigError("strategy.wallet_venue", "required")
	}
	if !names[c.Strategy.WalletVenue] {
		return faults.NewConfigError("strategy.wallet_venue", "venue %q not declared", c.Strategy.WalletVenue)
	}
	for field, name := range map[string]string{
		"strategy.lending_venue":  c.Strategy.LendingVenue,
		"strategy.staking_venue":  c.Strategy.StakingVenue,
		"strategy.exchange_venue": c.Strategy.ExchangeVenue,
	} {
		if name != "" && !names[name] {
			return faults.NewConfigError(field, "venue %q not declared", name)
		}
	}
	for _, rt := range c.Risk.EnabledTypes {
		switch rt {
		case "leverage", "margin_ratio", "health_factor", "net_delta":
		default:
			return faults.NewConfigError("risk.enabled_types", "unknown risk type %q", rt)
		}
	}
	for _, comp := range c.PnL.EnabledComponents {
		switch comp {
		case "yield", "funding", "price_change", "borrow_cost", "transaction_cost":
		default:
			return faults.NewConfigError("pnl.enabled_components", "unknown component %q", comp)
		}
	}
	if c.Reconciliation.DefaultTolerance < 0 {
		return faults.NewConfigError("reconciliation.default_tolerance", "must not be negative")
	}
	return nil
}

// VenueKindOf returns the configured kind for a venue name.
func (c *Root) VenueKindOf(name string) (VenueKind, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v.Kind, true
		}
	}
	return "", false
}

// ToleranceFor returns the reconciliation tolerance for an asset.
func (c *Root) ToleranceFor(asset string) float64 {
	if t, ok := c.Reconciliation.PerAsset[asset]; ok {
		return t
	}
	return c.Reconciliation.DefaultTolerance
}

// RiskEnabled reports whether a risk type is in the enabled list.
func (c *Root) RiskEnabled(rt string) bool {
	for _, t := range c.Risk.EnabledTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// ComponentEnabled reports whether a P&L attribution component is enabled.
func (c *Root) ComponentEnabled(name string) bool {
	for _, comp := range c.PnL.EnabledComponents {
		if comp == name {
			return true
		}
	}
	return false
}
