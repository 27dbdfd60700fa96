package strategy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/driftline/yield-engine/internal/config"
	"github.com/driftline/yield-engine/internal/exposure"
	"github.com/driftline/yield-engine/internal/faults"
	"github.com/driftline/yield-engine/internal/risk"
	"github.com/driftline/yield-engine/internal/venue"
)

// leveragedStaking enters a levered staking position in one atomic flash
// group: flash-borrow cash, stake everything, post the staked asset as
// collateral, borrow against it and repay the flash loan. The group either
// executes whole or is reported for rollback. A critical health factor
// triggers a partial unwind.
type leveragedStaking struct {
	cfg   *config.Root
	phase phase
}

func newLeveragedStaking(cfg *config.Root) *leveragedStaking {
	return &leveragedStaking{cfg: cfg}
}

func (s *leveragedStaking) Name() string { return "leveraged_staking" }

func (s *leveragedStaking) Decide(ts time.Time, exp *exposure.Snapshot, ra risk.Assessment) ([]venue.Order, error) {
	if ra.Critical("health_factor") {
		return s.unwind(ts, exp)
	}
	if s.phase != phaseIdle {
		return nil, nil
	}
	return s.enter(ts, exp)
}

func (s *leveragedStaking) enter(ts time.Time, exp *exposure.Snapshot) ([]venue.Order, error) {
	st := s.cfg.Strategy
	cash := cashHolding(s.cfg, exp)
	if cash.LessThan(minOrder(s.cfg)) {
		return nil, nil
	}
	price, ok := exp.Price(st.StakeAsset)
	if !ok || price.IsZero() {
		return nil, &faults.DataUnavailableError{Section: "market", Key: st.StakeAsset, Timestamp: ts}
	}

	lev := decimal.NewFromFloat(st.TargetLeverage)
	if lev.LessThanOrEqual(decimal.NewFromInt(1)) {
		lev = decimal.NewFromInt(2)
	}
	loan := cash.Mul(lev.Sub(decimal.NewFromInt(1)))
	total := cash.Add(loan)
	units := total.Div(price)

	groupID := uuid.NewString()
	orders := []venue.Order{
		venue.NewOrder(ts, venue.OpFlash, st.LendingVenue, st.WalletVenue, st.CashAsset, loan, []venue.Delta{
			{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: loan},
		}, "flash_borrow").Grouped(groupID, 1),

		venue.NewOrder(ts, venue.OpStake, st.WalletVenue, st.StakingVenue, st.CashAsset, total, []venue.Delta{
			{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: total.Neg()},
			{Asset: st.StakeAsset, Venue: st.StakingVenue, Amount: units},
		}, "stake").Grouped(groupID, 2),

		venue.NewOrder(ts, venue.OpSupply, st.StakingVenue, st.LendingVenue, st.StakeAsset, units, []venue.Delta{
			{Asset: st.StakeAsset, Venue: st.StakingVenue, Amount: units.Neg()},
			{Asset: st.StakeAsset, Venue: st.LendingVenue, Amount: units},
		}, "post_collateral").Grouped(groupID, 3),

		venue.NewOrder(ts, venue.OpBorrow, st.LendingVenue, st.WalletVenue, st.CashAsset, loan, []venue.Delta{
			{Asset: st.CashAsset, Venue: st.LendingVenue, Amount: loan.Neg()},
			{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: loan},
		}, "borrow_against_collateral").Grouped(groupID, 4),

		venue.NewOrder(ts, venue.OpRepay, st.WalletVenue, st.LendingVenue, st.CashAsset, loan, []venue.Delta{
			{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: loan.Neg()},
		}, "repay_flash").Grouped(groupID, 5),
	}

	s.phase = phaseEntered
	return orders, nil
}

// unwind reduces leverage by withdrawing a fraction of collateral,
// unstaking it, and repaying debt with the proceeds.
func (s *leveragedStaking) unwind(ts time.Time, exp *exposure.Snapshot) ([]venue.Order, error) {
	st := s.cfg.Strategy
	staked := decimal.Zero
	if ae, ok := exp.Assets[st.StakeAsset]; ok {
		staked = ae.Amount
	}
	if !staked.IsPositive() {
		return nil, nil
	}
	price, ok := exp.Price(st.StakeAsset)
	if !ok || price.IsZero() {
		return nil, nil
	}

	units := staked.Mul(decimal.NewFromFloat(st.DeriskFraction))
	proceeds := units.Mul(price)

	groupID := uuid.NewString()
	orders := []venue.Order{
		venue.NewOrder(ts, venue.OpWithdraw, st.LendingVenue, st.StakingVenue, st.StakeAsset, units, []venue.Delta{
			{Asset: st.StakeAsset, Venue: st.LendingVenue, Amount: units.Neg()},
			{Asset: st.StakeAsset, Venue: st.StakingVenue, Amount: units},
		}, "unwind_withdraw").Grouped(groupID, 1),

		venue.NewOrder(ts, venue.OpUnstake, st.StakingVenue, st.WalletVenue, st.StakeAsset, units, []venue.Delta{
			{Asset: st.StakeAsset, Venue: st.StakingVenue, Amount: units.Neg()},
			{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: proceeds},
		}, "unwind_unstake").Grouped(groupID, 2),

		venue.NewOrder(ts, venue.OpRepay, st.WalletVenue, st.LendingVenue, st.CashAsset, proceeds, []venue.Delta{
			{Asset: st.CashAsset, Venue: st.WalletVenue, Amount: proceeds.Neg()},
			{Asset: st.CashAsset, Venue: st.LendingVenue, Amount: proceeds},
		}, "unwind_repay").Grouped(groupID, 3),
	}
	return orders, nil
}

func (s *leveragedStaking) OnAbort(orders []venue.Order) {
	for _, o := range orders {
		if o.Reason == "flash_borrow" {
			s.phase = phaseIdle
			return
		}
	}
}
