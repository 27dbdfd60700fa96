package risk

import (
	"time"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/marketdata"
	"github.com/driftline/yield-engine/internal/observ"
)

// Level bands a metric against its configured thresholds.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Metric is one computed risk figure. Available is false when the inputs
// needed for the calculation are missing; the value is then meaningless and
// must not be acted on.
type Metric struct {
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
	Level     Level   `json:"level"`
	Detail    string  `json:"detail,omitempty"`
}

// Assessment maps enabled risk type to its computed metric. Exactly the
// configured types are present, nothing else.
type Assessment struct {
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]Metric `json:"metrics"`
}

// Metric returns the named metric if it was computed.
func (a Assessment) Metric(rt string) (Metric, bool) {
	m, ok := a.Metrics[rt]
	return m, ok
}

// Critical reports whether the named metric is available and critical.
func (a Assessment) Critical(rt string) bool {
	m, ok := a.Metrics[rt]
	return ok && m.Available && m.Level == LevelCritical
}

// Assessor computes configured risk metrics from exposure output. Pure
// reads; it never mutates positions or issues operations.
type Assessor struct {
	cfg *config.Root
}

func NewAssessor(cfg *config.Root) *Assessor {
	return &Assessor{cfg: cfg}
}

type calculator func(exp *exposure.Snapshot, snap *marketdata.Snapshot) Metric

// Assess iterates exactly the enabled-risk-type list. Each type has an
// independent calculation; missing inputs resolve to an explicit
// unavailable marker rather than a fabricated number.
func (a *Assessor) Assess(exp *exposure.Snapshot, snap *marketdata.Snapshot) Assessment {
	calcs := map[string]calculator{
		"leverage":      a.leverage,
		"margin_ratio":  a.marginRatio,
		"health_factor": a.healthFactor,
		"net_delta":     a.netDelta,
	}

	out := Assessment{Timestamp: exp.Timestamp, Metrics: map[string]Metric{}}
	for _, rt := range a.cfg.Risk.EnabledTypes {
		calc, ok := calcs[rt]
		if !ok {
			continue // validated away at config load
		}
		m := calc(exp, snap)
		m.Type = rt
		if m.Available {
			m.Level = a.band(rt, m.Value)
		}
		out.Metrics[rt] = m
		if m.Level == LevelCritical {
			observ.IncCounter("risk_critical_total", map[string]string{"type": rt})
		}
	}
	return out
}

func (a *Assessor) band(rt string, value float64) Level {
	b, ok := a.cfg.Risk.Thresholds[rt]
	if !ok {
		return LevelNormal
	}
	if b.Direction == "below" {
		switch {
		case value <= b.Critical:
			return LevelCritical
		case value <= b.Warning:
			return LevelWarning
		}
		return LevelNormal
	}
	switch {
	case value >= b.Critical:
		return LevelCritical
	case value >= b.Warning:
		return LevelWarning
	}
	return LevelNormal
}

// leverage = gross exposure / net worth.
func (a *Assessor) leverage(exp *exposure.Snapshot, _ *marketdata.Snapshot) Metric {
	net := exp.NetWorth()
	if net.IsZero() {
		return Metric{Available: false, Detail: "zero net worth"}
	}
	gross := exp.Gross()
	v, _ := gross.Div(net).Float64()
	return Metric{Value: v, Available: true}
}

// marginRatio = net worth / short notional. Unavailable without a short leg.
func (a *Assessor) marginRatio(exp *exposure.Snapshot, _ *marketdata.Snapshot) Metric {
	short := exp.ShortValue()
	if short.IsZero() {
		return Metric{Available: false, Detail: "no short exposure"}
	}
	v, _ := exp.NetWorth().Div(short).Float64()
	return Metric{Value: v, Available: true}
}

// healthFactor = liquidation-weighted collateral / debt. Collateral weights
// come from the protocol section of the data snapshot; a missing weight
// makes the metric unavailable instead of assuming one.
func (a *Assessor) healthFactor(exp *exposure.Snapshot, snap *marketdata.Snapshot) Metric {
	debt := exp.ShortValue()
	if debt.IsZero() {
		return Metric{Available: false, Detail: "no debt"}
	}
	weighted := 0.0
	for _, ae := range exp.Assets {
		if !ae.Value.IsPositive() {
			continue
		}
		lt, ok := snap.Protocol.LiquidationThresholds[ae.Asset]
		if !ok {
			return Metric{Available: false, Detail: "no liquidation threshold for " + ae.Asset}
		}
		v, _ := ae.Value.Float64()
		weighted += v * lt
	}
	d, _ := debt.Float64()
	return Metric{Value: weighted / d, Available: true}
}

func (a *Assessor) netDelta(exp *exposure.Snapshot, _ *marketdata.Snapshot) Metric {
	v, _ := exp.NetDelta.Float64()
	return Metric{Value: v, Available: true}
}
