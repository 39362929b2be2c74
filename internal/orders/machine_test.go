package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/schema"
)

var testContract = mustContract("SPXW  240621P05300000")

func mustContract(symbol string) schema.Contract {
	c, err := schema.ParseOptionSymbol(symbol)
	if err != nil {
		panic(err)
	}
	return c
}

func ack(orderID string, qty int64) *schema.AckPayload {
	return &schema.AckPayload{
		OrderID:   orderID,
		Contract:  testContract,
		Side:      schema.SideBuy,
		Quantity:  qty,
		Timestamp: time.Date(2024, 6, 21, 14, 0, 0, 0, time.UTC),
	}
}

func fill(orderID, execID string, qty int64, price string) *schema.FillPayload {
	return &schema.FillPayload{
		OrderID:     orderID,
		ExecutionID: execID,
		Quantity:    qty,
		Price:       ledger.MustParse(price),
		Timestamp:   time.Date(2024, 6, 21, 14, 1, 0, 0, time.UTC),
	}
}

func TestLifecycleAckFillFill(t *testing.T) {
	book := NewBook()

	order, err := book.ApplyAck(ack("o-1", 10), 1)
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if order.State != schema.StateAccepted {
		t.Fatalf("expected Accepted, got %s", order.State)
	}

	order, _, err = book.ApplyFill(fill("o-1", "x-1", 4, "1.50"), 2)
	if err != nil {
		t.Fatalf("first fill failed: %v", err)
	}
	if order.State != schema.StatePartiallyFilled || order.FilledQty != 4 {
		t.Fatalf("expected PartiallyFilled/4, got %s/%d", order.State, order.FilledQty)
	}

	order, _, err = book.ApplyFill(fill("o-1", "x-2", 6, "1.55"), 3)
	if err != nil {
		t.Fatalf("second fill failed: %v", err)
	}
	if order.State != schema.StateFilled || order.FilledQty != 10 {
		t.Fatalf("expected Filled/10, got %s/%d", order.State, order.FilledQty)
	}
	// (4×1.50 + 6×1.55)/10 = 1.53
	if !order.AvgFillPrice.Equal(ledger.MustParse("1.53")) {
		t.Fatalf("expected avg fill price 1.53, got %s", order.AvgFillPrice.String())
	}
}

func TestOverFillRejected(t *testing.T) {
	book := NewBook()
	if _, err := book.ApplyAck(ack("o-1", 10), 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, _, err := book.ApplyFill(fill("o-1", "x-1", 8, "1.50"), 2); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	_, _, err := book.ApplyFill(fill("o-1", "x-2", 3, "1.50"), 3)
	if !errors.Is(err, errs.New("", errs.CodeInvalidTransition)) {
		t.Fatalf("expected invalid_transition for over-fill, got %v", err)
	}
	// The failed fill must not have mutated the order.
	order, _ := book.Get("o-1")
	if order.FilledQty != 8 || order.State != schema.StatePartiallyFilled {
		t.Fatalf("over-fill mutated order: %+v", order)
	}
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	book := NewBook()
	if _, err := book.ApplyAck(ack("o-1", 4), 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, _, err := book.ApplyFill(fill("o-1", "x-1", 4, "2.00"), 2); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	cases := []func() error{
		func() error {
			_, _, err := book.ApplyFill(fill("o-1", "x-2", 1, "2.00"), 3)
			return err
		},
		func() error {
			_, err := book.ApplyStatus(&schema.StatusPayload{OrderID: "o-1", State: schema.StateCancelled}, 4)
			return err
		},
		func() error {
			_, err := book.ApplyReject(&schema.RejectPayload{OrderID: "o-1"}, 5)
			return err
		},
	}
	for i, attempt := range cases {
		if err := attempt(); !errors.Is(err, errs.New("", errs.CodeInvalidTransition)) {
			t.Fatalf("case %d: expected invalid_transition on terminal order, got %v", i, err)
		}
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	book := NewBook()
	if _, err := book.Submit(schema.Order{ID: "o-1", Contract: testContract, Side: schema.SideBuy, Quantity: 5}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	order, err := book.ApplyStatus(&schema.StatusPayload{OrderID: "o-1", State: schema.StateCancelled}, 1)
	if err != nil {
		t.Fatalf("cancel of pending order failed: %v", err)
	}
	if order.State != schema.StateCancelled {
		t.Fatalf("expected Cancelled, got %s", order.State)
	}
}

func TestExpireRequiresWorkingOrder(t *testing.T) {
	book := NewBook()
	if _, err := book.Submit(schema.Order{ID: "o-1", Contract: testContract, Side: schema.SideBuy, Quantity: 5}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	// Pending orders cannot expire; only Accepted/PartiallyFilled can.
	if _, err := book.ApplyStatus(&schema.StatusPayload{OrderID: "o-1", State: schema.StateExpired}, 1); err == nil {
		t.Fatal("expected expiry of pending order to fail")
	}
	if _, err := book.ApplyAck(ack("o-1", 5), 2); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	order, err := book.ApplyStatus(&schema.StatusPayload{OrderID: "o-1", State: schema.StateExpired}, 3)
	if err != nil {
		t.Fatalf("expiry failed: %v", err)
	}
	if order.State != schema.StateExpired {
		t.Fatalf("expected Expired, got %s", order.State)
	}
}

func TestRejectOnlyBeforeFills(t *testing.T) {
	book := NewBook()
	if _, err := book.ApplyAck(ack("o-1", 10), 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, _, err := book.ApplyFill(fill("o-1", "x-1", 2, "1.00"), 2); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if _, err := book.ApplyReject(&schema.RejectPayload{OrderID: "o-1"}, 3); err == nil {
		t.Fatal("expected reject of partially filled order to fail")
	}
}

func TestAckAdoptsClientSubmittedOrder(t *testing.T) {
	book := NewBook()
	if _, err := book.Submit(schema.Order{ClientOrderID: "c-1", Contract: testContract, Side: schema.SideSell, Quantity: 3}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	payload := ack("v-9", 3)
	payload.ClientOrderID = "c-1"
	payload.Side = schema.SideSell
	order, err := book.ApplyAck(payload, 1)
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if order.ID != "v-9" || order.ClientOrderID != "c-1" {
		t.Fatalf("expected venue id adoption, got %+v", order)
	}
	if _, found := book.Get("v-9"); !found {
		t.Fatal("order must be reachable by venue id after ack")
	}
}

func TestOpenExcludesTerminal(t *testing.T) {
	book := NewBook()
	if _, err := book.ApplyAck(ack("o-1", 2), 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, err := book.ApplyAck(ack("o-2", 2), 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, _, err := book.ApplyFill(fill("o-2", "x-1", 2, "1.00"), 2); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	open := book.Open()
	if len(open) != 1 || open[0].ID != "o-1" {
		t.Fatalf("expected only o-1 open, got %+v", open)
	}
	if len(book.All()) != 2 {
		t.Fatalf("expected both orders retained, got %d", len(book.All()))
	}
}
