package venue

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpType is the operation family an order belongs to.
type OpType string

const (
	OpTrade     OpType = "trade"
	OpSupply    OpType = "supply"
	OpWithdraw  OpType = "withdraw"
	OpBorrow    OpType = "borrow"
	OpRepay     OpType = "repay"
	OpStake     OpType = "stake"
	OpUnstake   OpType = "unstake"
	OpTransfer  OpType = "transfer"
	OpPerpOpen  OpType = "perp_open"
	OpPerpClose OpType = "perp_close"
	OpFlash     OpType = "flash_op"
)

// Delta is one position change: a signed amount of an asset at a venue.
type Delta struct {
	Asset  string          `json:"asset"`
	Venue  string          `json:"venue"`
	Amount decimal.Decimal `json:"amount"`
}

// Order is an execution intent produced by the strategy decision engine.
// Immutable once created. Orders sharing a GroupID form an atomic group and
// carry an in-group sequence; the orchestrator treats the group as one
// reconciliation unit.
type Order struct {
	ID             string          `json:"id"`
	Op             OpType          `json:"op"`
	SourceVenue    string          `json:"source_venue"`
	TargetVenue    string          `json:"target_venue"`
	SourceToken    string          `json:"source_token"`
	TargetToken    string          `json:"target_token"`
	Amount         decimal.Decimal `json:"amount"`
	GroupID        string          `json:"group_id,omitempty"`
	GroupSeq       int             `json:"group_seq,omitempty"`
	ExpectedDeltas []Delta         `json:"expected_deltas"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewOrder builds an order with a fresh id at the engine's current
// timestamp.
func NewOrder(ts time.Time, op OpType, sourceVenue, targetVenue, token string, amount decimal.Decimal, deltas []Delta, reason string) Order {
	return Order{
		ID:             uuid.NewString(),
		Op:             op,
		SourceVenue:    sourceVenue,
		TargetVenue:    targetVenue,
		SourceToken:    token,
		TargetToken:    token,
		Amount:         amount,
		ExpectedDeltas: deltas,
		Reason:         reason,
		CreatedAt:      ts,
	}
}

// Grouped returns a copy bound into an atomic group.
func (o Order) Grouped(groupID string, seq int) Order {
	o.GroupID = groupID
	o.GroupSeq = seq
	return o
}

// Status of an execution result.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Result is the handshake a venue produces for one order. Immutable once
// produced.
type Result struct {
	OrderID     string          `json:"order_id"`
	Status      Status          `json:"status"`
	Deltas      []Delta         `json:"deltas"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeCurrency string          `json:"fee_currency,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
