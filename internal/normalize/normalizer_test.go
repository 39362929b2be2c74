package normalize

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/schema"
)

var ingest = time.Date(2024, 6, 21, 14, 30, 0, 0, time.UTC)

func TestNormalizeQuote(t *testing.T) {
	frame := []byte(`{"type":"Quote","symbol":"SPXW  240621P05300000","seq":7,"bid":"1.50","ask":"1.60","last":"1.55"}`)
	evt, err := Normalize(frame, schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if evt.Kind != schema.KindPriceUpdate {
		t.Fatalf("expected PriceUpdate, got %s", evt.Kind)
	}
	if evt.Seq != 7 || evt.Source != schema.SourcePush {
		t.Fatalf("unexpected seq/source: %d %s", evt.Seq, evt.Source)
	}
	if evt.Price.Bid == nil || !evt.Price.Bid.Equal(ledger.MustParse("1.50")) {
		t.Fatalf("unexpected bid: %+v", evt.Price.Bid)
	}
	if evt.Entity != evt.Price.Contract.Key() {
		t.Fatalf("entity must be the contract key, got %q", evt.Entity)
	}
	// Missing timestamp falls back to the ingest instant.
	if !evt.Price.Timestamp.Equal(ingest) {
		t.Fatalf("expected ingest fallback timestamp, got %s", evt.Price.Timestamp)
	}
}

func TestNormalizeDiscriminatorsAreCaseInsensitive(t *testing.T) {
	quote := []byte(`{"type":"quote","symbol":"SPXW  240621P05300000","seq":7,"bid":"1.50"}`)
	evt, err := Normalize(quote, schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("lowercase quote dropped: %v", err)
	}
	if evt.Kind != schema.KindPriceUpdate {
		t.Fatalf("expected PriceUpdate, got %s", evt.Kind)
	}

	ack := []byte(`{"type":"order","order-id":"o-1","status":"Received","symbol":"SPXW  240621P05300000","side":"buy","quantity":10,"seq":1}`)
	evt, err = Normalize(ack, schema.SourcePull, ingest)
	if err != nil {
		t.Fatalf("lowercase order dropped: %v", err)
	}
	if evt.Kind != schema.KindOrderAck || evt.Ack.Side != schema.SideBuy {
		t.Fatalf("unexpected ack: %+v", evt)
	}

	fill := []byte(`{"type":"fill","order-id":"o-1","execution-id":"x1","quantity":4,"price":"1.50","seq":2}`)
	evt, err = Normalize(fill, schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("lowercase fill dropped: %v", err)
	}
	if evt.Kind != schema.KindFillReported {
		t.Fatalf("expected FillReported, got %s", evt.Kind)
	}
}

func TestNormalizeOrderAck(t *testing.T) {
	frame := []byte(`{"type":"Order","order-id":"o-1","client-order-id":"c-1","status":"Received","symbol":"SPXW  240621P05300000","side":"Buy","quantity":10,"price":"1.50","seq":1,"timestamp":"2024-06-21T14:29:59Z"}`)
	evt, err := Normalize(frame, schema.SourcePull, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if evt.Kind != schema.KindOrderAck {
		t.Fatalf("expected OrderAck, got %s", evt.Kind)
	}
	if evt.Entity != "o-1" || evt.Ack.ClientOrderID != "c-1" {
		t.Fatalf("unexpected ids: %q %q", evt.Entity, evt.Ack.ClientOrderID)
	}
	if evt.Ack.Quantity != 10 || evt.Ack.Side != schema.SideBuy {
		t.Fatalf("unexpected ack payload: %+v", evt.Ack)
	}
	if evt.Ack.LimitPrice == nil || !evt.Ack.LimitPrice.Equal(ledger.MustParse("1.50")) {
		t.Fatalf("unexpected limit price: %+v", evt.Ack.LimitPrice)
	}
}

func TestNormalizeOrderStatusAndReject(t *testing.T) {
	evt, err := Normalize([]byte(`{"type":"Order","order-id":"o-2","status":"Cancelled","seq":9}`), schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if evt.Kind != schema.KindOrderStatusChanged || evt.Status.State != schema.StateCancelled {
		t.Fatalf("expected cancelled status event, got %+v", evt)
	}

	evt, err = Normalize([]byte(`{"type":"Order","order-id":"o-3","status":"Rejected","reason":"margin","seq":2}`), schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if evt.Kind != schema.KindOrderRejected || evt.Reject.Reason != "margin" {
		t.Fatalf("expected rejection event, got %+v", evt)
	}
}

func TestNormalizeFill(t *testing.T) {
	frame := []byte(`{"type":"Fill","order-id":"o-1","execution-id":"x-9","quantity":4,"price":"1.50","seq":3}`)
	evt, err := Normalize(frame, schema.SourcePull, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if evt.Kind != schema.KindFillReported {
		t.Fatalf("expected FillReported, got %s", evt.Kind)
	}
	if evt.Fill.ExecutionID != "x-9" || evt.Fill.Quantity != 4 {
		t.Fatalf("unexpected fill payload: %+v", evt.Fill)
	}
}

func TestNormalizeIsPure(t *testing.T) {
	frame := []byte(`{"type":"Fill","order-id":"o-1","execution-id":"x-9","quantity":4,"price":"1.50","seq":3}`)
	first, err := Normalize(frame, schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	second, err := Normalize(bytes.Clone(frame), schema.SourcePush, ingest)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	// EventIDs differ per normalization; everything semantic must match.
	if first.Entity != second.Entity || first.Seq != second.Seq || first.Kind != second.Kind {
		t.Fatalf("normalization is not deterministic: %+v vs %+v", first, second)
	}
	if first.Fill.ExecutionID != second.Fill.ExecutionID ||
		first.Fill.Quantity != second.Fill.Quantity ||
		!first.Fill.Price.Equal(second.Fill.Price) {
		t.Fatalf("fill payload not deterministic: %+v vs %+v", first.Fill, second.Fill)
	}
}

func TestNormalizeMalformedFrames(t *testing.T) {
	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"Unknown","seq":1}`),
		[]byte(`{"type":"Order","status":"Received","seq":1}`),                                      // no order id
		[]byte(`{"type":"Order","order-id":"o","status":"Telepathic","seq":1}`),                     // unknown status
		[]byte(`{"type":"Fill","order-id":"o","quantity":4,"price":"1.50","seq":1}`),                // no execution id
		[]byte(`{"type":"Fill","order-id":"o","execution-id":"x","quantity":0,"price":"1.5","seq":1}`), // zero quantity
		[]byte(`{"type":"Quote","symbol":"SPXW  240621P05300000","seq":1}`),                         // no prices
		[]byte(`{"type":"Quote","symbol":"bogus","seq":1,"bid":"1"}`),                               // bad symbol
	}
	for _, frame := range frames {
		evt, err := Normalize(frame, schema.SourcePush, ingest)
		if err == nil {
			t.Fatalf("expected malformed error for %s, got event %+v", frame, evt)
		}
		if !errors.Is(err, errs.New("", errs.CodeMalformedMessage)) {
			t.Fatalf("expected malformed_message code for %s, got %v", frame, err)
		}
	}
}
