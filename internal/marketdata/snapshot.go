package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market holds price and rate data valid at the snapshot timestamp. Prices
// are quoted in the request's reporting currency. Rates are annualized
// decimals (0.05 = 5% APR).
type Market struct {
	Prices       map[string]decimal.Decimal `json:"prices"`
	SupplyRates  map[string]decimal.Decimal `json:"supply_rates"`
	BorrowRates  map[string]decimal.Decimal `json:"borrow_rates"`
	FundingRates map[string]decimal.Decimal `json:"funding_rates"` // per-interval perp funding, keyed by perp symbol
}

// Protocol holds lending-protocol oracle values keyed by asset.
type Protocol struct {
	Indexes               map[string]decimal.Decimal `json:"indexes"`
	CollateralFactors     map[string]float64         `json:"collateral_factors"`
	LiquidationThresholds map[string]float64         `json:"liquidation_thresholds"`
	LiquidationBonus      float64                    `json:"liquidation_bonus"`
	CloseFactor           float64                    `json:"close_factor"`
}

// Staking holds staking-protocol data keyed by stake asset.
type Staking struct {
	ExchangeRates map[string]decimal.Decimal `json:"exchange_rates"`
	RewardAPRs    map[string]decimal.Decimal `json:"reward_aprs"`
}

// Execution holds execution-cost data.
type Execution struct {
	FeeBps   map[string]float64 `json:"fee_bps"` // keyed by venue name
	GasCost  decimal.Decimal    `json:"gas_cost"`
	GasToken string             `json:"gas_token"`
}

// Snapshot is the sectioned bundle of data valid as of Timestamp. It is
// read-only to every component after construction and must never contain
// information that would only be knowable after Timestamp.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Market    Market    `json:"market"`
	Protocol  Protocol  `json:"protocol"`
	Staking   Staking   `json:"staking"`
	Execution Execution `json:"execution"`
}

// Price looks up an asset price in reporting currency.
func (s *Snapshot) Price(asset string) (decimal.Decimal, bool) {
	p, ok := s.Market.Prices[asset]
	return p, ok
}

// SupplyRate looks up the annualized supply rate for an asset.
func (s *Snapshot) SupplyRate(asset string) (decimal.Decimal, bool) {
	r, ok := s.Market.SupplyRates[asset]
	return r, ok
}

// BorrowRate looks up the annualized borrow rate for an asset.
func (s *Snapshot) BorrowRate(asset string) (decimal.Decimal, bool) {
	r, ok := s.Market.BorrowRates[asset]
	return r, ok
}

// FundingRate looks up the current funding rate for a perp symbol.
func (s *Snapshot) FundingRate(symbol string) (decimal.Decimal, bool) {
	r, ok := s.Market.FundingRates[symbol]
	return r, ok
}

// FeeBps returns the execution fee for a venue in basis points.
func (s *Snapshot) FeeBps(venueName string) float64 {
	return s.Execution.FeeBps[venueName]
}
