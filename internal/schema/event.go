package schema

import (
	"fmt"
	"time"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
)

// Source identifies the channel an event arrived on.
type Source string

const (
	// SourcePush marks events delivered over the streaming connection.
	SourcePush Source = "push"
	// SourcePull marks events fetched from the authoritative poll/backfill API.
	SourcePull Source = "pull"
)

// EventKind enumerates canonical event categories. The set is closed: the
// coordinator switches over it exhaustively.
type EventKind string

const (
	// KindPriceUpdate carries a best bid/ask/last quote for a contract.
	KindPriceUpdate EventKind = "PriceUpdate"
	// KindOrderAck confirms venue acceptance of a submitted order.
	KindOrderAck EventKind = "OrderAck"
	// KindOrderStatusChanged carries a lifecycle status transition.
	KindOrderStatusChanged EventKind = "OrderStatusChanged"
	// KindFillReported carries a partial or full execution.
	KindFillReported EventKind = "FillReported"
	// KindOrderRejected carries a venue rejection.
	KindOrderRejected EventKind = "OrderRejected"
)

// Event is the canonical internal event produced by the normalizer. Exactly one
// payload field matching Kind is populated.
type Event struct {
	EventID string
	Kind    EventKind
	// Entity is the sequencing key: the venue order id for order events, the
	// contract key for price updates.
	Entity   string
	Seq      uint64
	Source   Source
	IngestTS time.Time

	Price  *PricePayload
	Ack    *AckPayload
	Status *StatusPayload
	Fill   *FillPayload
	Reject *RejectPayload
}

// PricePayload conveys the latest best bid/ask/last for a contract.
type PricePayload struct {
	Contract  Contract
	Bid       *ledger.Amount
	Ask       *ledger.Amount
	Last      *ledger.Amount
	Timestamp time.Time
}

// AckPayload confirms order acceptance and echoes the order's static fields.
type AckPayload struct {
	OrderID       string
	ClientOrderID string
	Contract      Contract
	Side          Side
	Quantity      int64
	LimitPrice    *ledger.Amount
	Timestamp     time.Time
}

// StatusPayload carries a lifecycle transition reported by the venue.
type StatusPayload struct {
	OrderID   string
	State     OrderState
	Timestamp time.Time
}

// FillPayload carries an execution report.
type FillPayload struct {
	OrderID     string
	ExecutionID string
	Quantity    int64
	Price       ledger.Amount
	Timestamp   time.Time
}

// RejectPayload carries a venue rejection and its reason.
type RejectPayload struct {
	OrderID   string
	Reason    string
	Timestamp time.Time
}

// Validate checks the kind/payload pairing and the sequencing fields.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if e.Entity == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("entity key required"))
	}
	if e.Source != SourcePush && e.Source != SourcePull {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown source %q", e.Source)))
	}
	var payloads int
	if e.Price != nil {
		payloads++
	}
	if e.Ack != nil {
		payloads++
	}
	if e.Status != nil {
		payloads++
	}
	if e.Fill != nil {
		payloads++
	}
	if e.Reject != nil {
		payloads++
	}
	if payloads != 1 {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("event must carry exactly one payload, has %d", payloads)))
	}
	ok := false
	switch e.Kind {
	case KindPriceUpdate:
		ok = e.Price != nil
	case KindOrderAck:
		ok = e.Ack != nil
	case KindOrderStatusChanged:
		ok = e.Status != nil
	case KindFillReported:
		ok = e.Fill != nil
	case KindOrderRejected:
		ok = e.Reject != nil
	default:
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown event kind %q", e.Kind)))
	}
	if !ok {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("payload does not match kind %q", e.Kind)))
	}
	return nil
}

// OrderScoped reports whether the event mutates an order.
func (e *Event) OrderScoped() bool {
	switch e.Kind {
	case KindOrderAck, KindOrderStatusChanged, KindFillReported, KindOrderRejected:
		return true
	default:
		return false
	}
}
