// Package normalize converts raw venue messages into canonical events.
//
// Normalization is pure and stateless: the same raw frame always yields the
// same canonical event. Frames that do not match a known shape fail with a
// malformed_message error and are dropped by the caller; they never abort the
// pipeline.
package normalize

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/schema"
)

// rawMessage mirrors the venue's kebab-case JSON envelope. A single shape
// covers all message types; the type discriminator selects which fields apply.
type rawMessage struct {
	Type          string `json:"type"`
	Seq           uint64 `json:"seq"`
	Symbol        string `json:"symbol"`
	OrderID       string `json:"order-id"`
	ClientOrderID string `json:"client-order-id"`
	ExecutionID   string `json:"execution-id"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price"`
	Bid           string `json:"bid"`
	Ask           string `json:"ask"`
	Last          string `json:"last"`
	Reason        string `json:"reason"`
	Timestamp     string `json:"timestamp"`
}

const component = "normalize"

// Normalize converts one raw venue frame from the given source channel into a
// canonical event. It returns (nil, error) for unrecognized or malformed
// frames; the error always carries errs.CodeMalformedMessage.
func Normalize(frame []byte, source schema.Source, ingest time.Time) (*schema.Event, error) {
	var raw rawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, malformed("undecodable frame", frame, err)
	}

	ts, err := parseTimestamp(raw.Timestamp, ingest)
	if err != nil {
		return nil, malformed("bad timestamp", frame, err)
	}

	// Type and side discriminators match case-insensitively; venue channels
	// disagree on casing.
	var evt *schema.Event
	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case "quote":
		evt, err = normalizeQuote(&raw, ts)
	case "order":
		evt, err = normalizeOrder(&raw, ts)
	case "fill":
		evt, err = normalizeFill(&raw, ts)
	default:
		return nil, malformed(fmt.Sprintf("unknown message type %q", raw.Type), frame, nil)
	}
	if err != nil {
		return nil, err
	}

	evt.EventID = uuid.NewString()
	evt.Source = source
	evt.IngestTS = ingest
	if verr := evt.Validate(); verr != nil {
		return nil, malformed("normalized event failed validation", frame, verr)
	}
	return evt, nil
}

func normalizeQuote(raw *rawMessage, ts time.Time) (*schema.Event, error) {
	contract, err := schema.ParseOptionSymbol(raw.Symbol)
	if err != nil {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("bad quote symbol"), errs.WithCause(err))
	}
	payload := &schema.PricePayload{Contract: contract, Timestamp: ts}
	if payload.Bid, err = optionalAmount(raw.Bid); err != nil {
		return nil, malformedField("bid", raw.Bid, err)
	}
	if payload.Ask, err = optionalAmount(raw.Ask); err != nil {
		return nil, malformedField("ask", raw.Ask, err)
	}
	if payload.Last, err = optionalAmount(raw.Last); err != nil {
		return nil, malformedField("last", raw.Last, err)
	}
	if payload.Bid == nil && payload.Ask == nil && payload.Last == nil {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("quote carries no prices"), errs.WithEntity(contract.Key()))
	}
	return &schema.Event{
		Kind:   schema.KindPriceUpdate,
		Entity: contract.Key(),
		Seq:    raw.Seq,
		Price:  payload,
	}, nil
}

func normalizeOrder(raw *rawMessage, ts time.Time) (*schema.Event, error) {
	orderID := strings.TrimSpace(raw.OrderID)
	if orderID == "" {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("order message without order-id"))
	}

	switch strings.TrimSpace(raw.Status) {
	case "Received", "Routed":
		contract, err := schema.ParseOptionSymbol(raw.Symbol)
		if err != nil {
			return nil, errs.New(component, errs.CodeMalformedMessage,
				errs.WithMessage("bad order symbol"), errs.WithEntity(orderID), errs.WithCause(err))
		}
		side, err := parseSide(raw.Side)
		if err != nil {
			return nil, err
		}
		if raw.Quantity <= 0 {
			return nil, errs.New(component, errs.CodeMalformedMessage,
				errs.WithMessage("order ack without positive quantity"), errs.WithEntity(orderID))
		}
		limit, err := optionalAmount(raw.Price)
		if err != nil {
			return nil, malformedField("price", raw.Price, err)
		}
		return &schema.Event{
			Kind:   schema.KindOrderAck,
			Entity: orderID,
			Seq:    raw.Seq,
			Ack: &schema.AckPayload{
				OrderID:       orderID,
				ClientOrderID: strings.TrimSpace(raw.ClientOrderID),
				Contract:      contract,
				Side:          side,
				Quantity:      raw.Quantity,
				LimitPrice:    limit,
				Timestamp:     ts,
			},
		}, nil
	case "Cancelled":
		return statusEvent(orderID, raw.Seq, schema.StateCancelled, ts), nil
	case "Expired":
		return statusEvent(orderID, raw.Seq, schema.StateExpired, ts), nil
	case "Rejected":
		return &schema.Event{
			Kind:   schema.KindOrderRejected,
			Entity: orderID,
			Seq:    raw.Seq,
			Reject: &schema.RejectPayload{OrderID: orderID, Reason: strings.TrimSpace(raw.Reason), Timestamp: ts},
		}, nil
	default:
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage(fmt.Sprintf("unknown order status %q", raw.Status)), errs.WithEntity(orderID))
	}
}

func normalizeFill(raw *rawMessage, ts time.Time) (*schema.Event, error) {
	orderID := strings.TrimSpace(raw.OrderID)
	if orderID == "" {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("fill without order-id"))
	}
	if strings.TrimSpace(raw.ExecutionID) == "" {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("fill without execution-id"), errs.WithEntity(orderID))
	}
	if raw.Quantity <= 0 {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("fill without positive quantity"), errs.WithEntity(orderID))
	}
	price, err := ledger.Parse(raw.Price)
	if err != nil {
		return nil, malformedField("price", raw.Price, err)
	}
	return &schema.Event{
		Kind:   schema.KindFillReported,
		Entity: orderID,
		Seq:    raw.Seq,
		Fill: &schema.FillPayload{
			OrderID:     orderID,
			ExecutionID: strings.TrimSpace(raw.ExecutionID),
			Quantity:    raw.Quantity,
			Price:       price,
			Timestamp:   ts,
		},
	}, nil
}

func statusEvent(orderID string, seq uint64, state schema.OrderState, ts time.Time) *schema.Event {
	return &schema.Event{
		Kind:   schema.KindOrderStatusChanged,
		Entity: orderID,
		Seq:    seq,
		Status: &schema.StatusPayload{OrderID: orderID, State: state, Timestamp: ts},
	}
}

func parseSide(side string) (schema.Side, error) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy":
		return schema.SideBuy, nil
	case "sell":
		return schema.SideSell, nil
	default:
		return "", errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage(fmt.Sprintf("unknown side %q", side)))
	}
}

func optionalAmount(text string) (*ledger.Amount, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	amount, err := ledger.Parse(text)
	if err != nil {
		return nil, err
	}
	return &amount, nil
}

func parseTimestamp(text string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(text) == "" {
		return fallback, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func malformed(msg string, frame []byte, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg), errs.WithRawMessage(truncate(frame))}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeMalformedMessage, opts...)
}

func malformedField(field, value string, cause error) error {
	return errs.New(component, errs.CodeMalformedMessage,
		errs.WithMessage(fmt.Sprintf("bad %s %q", field, value)), errs.WithCause(cause))
}

const rawPreviewLimit = 256

func truncate(frame []byte) string {
	if len(frame) <= rawPreviewLimit {
		return string(frame)
	}
	return string(frame[:rawPreviewLimit]) + "..."
}
