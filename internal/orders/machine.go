// Package orders implements the per-order lifecycle state machine.
//
// The machine is not safe for concurrent use: all mutation is funnelled through
// the reconciliation coordinator's serialized apply path, which also guards
// reads taken for snapshots.
package orders

import (
	"fmt"
	"sort"
	"time"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/schema"
)

const component = "orders"

// Book holds every known order keyed by venue order id. Terminal orders stay in
// the book as immutable archives.
type Book struct {
	byID map[string]*schema.Order
}

// NewBook constructs an empty order book.
func NewBook() *Book {
	return &Book{byID: make(map[string]*schema.Order)}
}

// Restore seeds the book from persisted state during startup recovery.
func (b *Book) Restore(orders []schema.Order) {
	for i := range orders {
		o := orders[i]
		b.byID[o.ID] = &o
	}
}

// Submit registers local submission intent: the order enters Pending before any
// venue acknowledgement arrives.
func (b *Book) Submit(order schema.Order) (schema.Order, error) {
	if order.ID == "" && order.ClientOrderID == "" {
		return schema.Order{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("order requires an id"))
	}
	key := order.ID
	if key == "" {
		key = order.ClientOrderID
	}
	if _, exists := b.byID[key]; exists {
		return schema.Order{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("order already submitted"), errs.WithEntity(key))
	}
	order.State = schema.StatePending
	order.FilledQty = 0
	now := order.PlacedAt
	if now.IsZero() {
		now = time.Now().UTC()
		order.PlacedAt = now
	}
	order.UpdatedAt = now
	stored := order
	b.byID[key] = &stored
	return stored.Snapshot(), nil
}

// ApplyAck handles venue acceptance. An ack for an unknown order creates it
// first: during recovery and backfill the venue is the source of truth and the
// local submission record may not exist.
func (b *Book) ApplyAck(ack *schema.AckPayload, seq uint64) (schema.Order, error) {
	order, ok := b.byID[ack.OrderID]
	if !ok {
		if prior, aliased := b.byID[ack.ClientOrderID]; aliased && ack.ClientOrderID != "" {
			// The venue id arrived for an order submitted under its client id.
			delete(b.byID, ack.ClientOrderID)
			prior.ID = ack.OrderID
			b.byID[ack.OrderID] = prior
			order = prior
			ok = true
		}
	}
	if !ok {
		created := &schema.Order{
			ID:            ack.OrderID,
			ClientOrderID: ack.ClientOrderID,
			Contract:      ack.Contract,
			Side:          ack.Side,
			Quantity:      ack.Quantity,
			LimitPrice:    ack.LimitPrice,
			State:         schema.StatePending,
			PlacedAt:      ack.Timestamp,
		}
		b.byID[ack.OrderID] = created
		order = created
	}
	if order.State != schema.StatePending {
		return schema.Order{}, b.invalidTransition(order, "ack", seq)
	}
	order.State = schema.StateAccepted
	order.LastSeq = seq
	order.UpdatedAt = ack.Timestamp
	return order.Snapshot(), nil
}

// ApplyFill validates and applies an execution. It returns the updated order
// snapshot and the immutable fill record for downstream aggregation.
func (b *Book) ApplyFill(payload *schema.FillPayload, seq uint64) (schema.Order, schema.Fill, error) {
	order, ok := b.byID[payload.OrderID]
	if !ok {
		return schema.Order{}, schema.Fill{}, errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage("fill for unknown order"), errs.WithEntity(payload.OrderID), errs.WithSeq(seq))
	}
	if order.State != schema.StateAccepted && order.State != schema.StatePartiallyFilled {
		return schema.Order{}, schema.Fill{}, b.invalidTransition(order, "fill", seq)
	}
	if payload.Quantity <= 0 || order.FilledQty+payload.Quantity > order.Quantity {
		return schema.Order{}, schema.Fill{}, errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage(fmt.Sprintf("fill quantity %d exceeds remaining %d", payload.Quantity, order.Remaining())),
			errs.WithEntity(order.ID), errs.WithSeq(seq))
	}

	// Volume-weighted average across all fills applied to this order.
	prior, err := order.AvgFillPrice.MulInt(order.FilledQty)
	if err != nil {
		return schema.Order{}, schema.Fill{}, err
	}
	added, err := payload.Price.MulInt(payload.Quantity)
	if err != nil {
		return schema.Order{}, schema.Fill{}, err
	}
	total, err := prior.Add(added)
	if err != nil {
		return schema.Order{}, schema.Fill{}, err
	}
	newFilled := order.FilledQty + payload.Quantity
	avg, err := total.Div(ledger.FromInt(newFilled))
	if err != nil {
		return schema.Order{}, schema.Fill{}, err
	}

	order.FilledQty = newFilled
	order.AvgFillPrice = avg
	if order.Remaining() > 0 {
		order.State = schema.StatePartiallyFilled
	} else {
		order.State = schema.StateFilled
	}
	order.LastSeq = seq
	order.UpdatedAt = payload.Timestamp

	fill := schema.Fill{
		OrderID:     order.ID,
		ExecutionID: payload.ExecutionID,
		ContractKey: order.Contract.Key(),
		Side:        order.Side,
		Quantity:    payload.Quantity,
		Price:       payload.Price,
		Seq:         seq,
		TradedAt:    payload.Timestamp,
	}
	return order.Snapshot(), fill, nil
}

// ApplyStatus handles cancel and expiry confirmations.
func (b *Book) ApplyStatus(payload *schema.StatusPayload, seq uint64) (schema.Order, error) {
	order, ok := b.byID[payload.OrderID]
	if !ok {
		return schema.Order{}, errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage("status for unknown order"), errs.WithEntity(payload.OrderID), errs.WithSeq(seq))
	}
	switch payload.State {
	case schema.StateCancelled:
		if order.State.Terminal() {
			return schema.Order{}, b.invalidTransition(order, "cancel", seq)
		}
	case schema.StateExpired:
		if order.State != schema.StateAccepted && order.State != schema.StatePartiallyFilled {
			return schema.Order{}, b.invalidTransition(order, "expire", seq)
		}
	default:
		return schema.Order{}, errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage(fmt.Sprintf("status event cannot set state %q", payload.State)),
			errs.WithEntity(order.ID), errs.WithSeq(seq))
	}
	order.State = payload.State
	order.LastSeq = seq
	order.UpdatedAt = payload.Timestamp
	return order.Snapshot(), nil
}

// ApplyReject handles venue rejections.
func (b *Book) ApplyReject(payload *schema.RejectPayload, seq uint64) (schema.Order, error) {
	order, ok := b.byID[payload.OrderID]
	if !ok {
		return schema.Order{}, errs.New(component, errs.CodeInvalidTransition,
			errs.WithMessage("reject for unknown order"), errs.WithEntity(payload.OrderID), errs.WithSeq(seq))
	}
	if order.State != schema.StatePending && order.State != schema.StateAccepted {
		return schema.Order{}, b.invalidTransition(order, "reject", seq)
	}
	order.State = schema.StateRejected
	order.LastSeq = seq
	order.UpdatedAt = payload.Timestamp
	return order.Snapshot(), nil
}

// Get returns a snapshot of the order with the given venue id.
func (b *Book) Get(id string) (schema.Order, bool) {
	order, ok := b.byID[id]
	if !ok {
		return schema.Order{}, false
	}
	return order.Snapshot(), true
}

// Open returns snapshots of all non-terminal orders, sorted by id for
// deterministic output.
func (b *Book) Open() []schema.Order {
	out := make([]schema.Order, 0, len(b.byID))
	for _, order := range b.byID {
		if order.State.Terminal() {
			continue
		}
		out = append(out, order.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns snapshots of every order, including archived terminal ones.
func (b *Book) All() []schema.Order {
	out := make([]schema.Order, 0, len(b.byID))
	for _, order := range b.byID {
		out = append(out, order.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Book) invalidTransition(order *schema.Order, action string, seq uint64) error {
	return errs.New(component, errs.CodeInvalidTransition,
		errs.WithMessage(fmt.Sprintf("cannot %s order in state %s", action, order.State)),
		errs.WithEntity(order.ID), errs.WithSeq(seq))
}
