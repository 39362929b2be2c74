package schema

import (
	"time"

	"github.com/quanterra/optiondesk/internal/ledger"
)

// Side captures the direction of an order or fill.
type Side string

const (
	// SideBuy indicates buy orders and fills.
	SideBuy Side = "Buy"
	// SideSell indicates sell orders and fills.
	SideSell Side = "Sell"
)

// Signed applies the side's sign to a quantity.
func (s Side) Signed(quantity int64) int64 {
	if s == SideSell {
		return -quantity
	}
	return quantity
}

// OrderState enumerates order lifecycle states.
type OrderState string

const (
	// StatePending marks orders awaiting the venue acknowledgement.
	StatePending OrderState = "Pending"
	// StateAccepted marks orders acknowledged by the venue.
	StateAccepted OrderState = "Accepted"
	// StatePartiallyFilled marks orders with remaining quantity after one or more fills.
	StatePartiallyFilled OrderState = "PartiallyFilled"
	// StateFilled marks fully executed orders.
	StateFilled OrderState = "Filled"
	// StateCancelled marks orders cancelled before completion.
	StateCancelled OrderState = "Cancelled"
	// StateRejected marks orders rejected by the venue.
	StateRejected OrderState = "Rejected"
	// StateExpired marks orders expired at or after contract expiry.
	StateExpired OrderState = "Expired"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Order is the mutable order record owned by the order state machine.
// External readers only ever see copies produced by Snapshot.
type Order struct {
	ID            string
	ClientOrderID string
	Contract      Contract
	Side          Side
	Quantity      int64
	LimitPrice    *ledger.Amount
	State         OrderState
	FilledQty     int64
	AvgFillPrice  ledger.Amount
	LastSeq       uint64
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQty
}

// Snapshot returns a value copy safe to hand to concurrent readers.
func (o *Order) Snapshot() Order {
	out := *o
	if o.LimitPrice != nil {
		price := *o.LimitPrice
		out.LimitPrice = &price
	}
	return out
}

// Fill is the immutable record of a partial or full execution.
type Fill struct {
	OrderID     string
	ExecutionID string
	ContractKey string
	Side        Side
	Quantity    int64
	Price       ledger.Amount
	Seq         uint64
	TradedAt    time.Time
}

// Position is the per-contract aggregate derived solely from accepted fills.
type Position struct {
	Contract    Contract
	NetQuantity int64
	AvgCost     ledger.Amount
	RealizedPnL ledger.Amount
	UpdatedAt   time.Time
}
