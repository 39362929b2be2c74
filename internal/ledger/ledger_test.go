package ledger

import (
	"errors"
	"testing"

	"github.com/quanterra/optiondesk/errs"
)

func TestParseRejectsExcessFractionalDigits(t *testing.T) {
	if _, err := Parse("1.23456"); !errors.Is(err, errs.New("", errs.CodePrecisionOverflow)) {
		t.Fatalf("expected precision_overflow for 5 fractional digits, got %v", err)
	}
	if _, err := Parse("1.2345"); err != nil {
		t.Fatalf("expected 4 fractional digits to parse, got %v", err)
	}
}

func TestParseRejectsMalformedText(t *testing.T) {
	for _, text := range []string{"", "  ", "abc", "1.2.3"} {
		if _, err := Parse(text); err == nil {
			t.Fatalf("expected parse failure for %q", text)
		}
	}
}

func TestStringRoundTripIsExact(t *testing.T) {
	for _, text := range []string{"0.0000", "1.5300", "-42.1975", "1000000.0001", "0.2800"} {
		a := MustParse(text)
		again, err := Parse(a.String())
		if err != nil {
			t.Fatalf("round-trip parse of %q failed: %v", a.String(), err)
		}
		if !a.Equal(again) {
			t.Fatalf("round-trip mismatch: %s != %s", a.String(), again.String())
		}
		if a.String() != text {
			t.Fatalf("expected canonical form %q, got %q", text, a.String())
		}
	}
}

func TestMulRoundsHalfEven(t *testing.T) {
	// 0.0625 * 0.0008 = 0.00005 exactly: a tie at scale 4 resolves to even 0.0000.
	got, err := MustParse("0.0625").Mul(MustParse("0.0008"))
	if err != nil {
		t.Fatalf("mul failed: %v", err)
	}
	if got.String() != "0.0000" {
		t.Fatalf("expected tie to round to even 0.0000, got %s", got.String())
	}

	// 0.1500 * 0.0010 = 0.00015 exactly: the tie resolves to even 0.0002.
	got, err = MustParse("0.1500").Mul(MustParse("0.0010"))
	if err != nil {
		t.Fatalf("mul failed: %v", err)
	}
	if got.String() != "0.0002" {
		t.Fatalf("expected tie to round to even 0.0002, got %s", got.String())
	}
}

func TestArithmeticScenario(t *testing.T) {
	// Volume-weighted average fill: (4*1.50 + 6*1.55)/10 = 1.53.
	first, err := MustParse("1.50").MulInt(4)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	second, err := MustParse("1.55").MulInt(6)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	total, err := first.Add(second)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	avg, err := total.Div(FromInt(10))
	if err != nil {
		t.Fatalf("div: %v", err)
	}
	if avg.String() != "1.5300" {
		t.Fatalf("expected 1.5300, got %s", avg.String())
	}
}

func TestDivByZeroFails(t *testing.T) {
	if _, err := MustParse("1.0000").Div(Zero); err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestMagnitudeOverflow(t *testing.T) {
	huge := MustParse("99999999999999999999.0000")
	if _, err := huge.Mul(huge); !errors.Is(err, errs.New("", errs.CodePrecisionOverflow)) {
		t.Fatalf("expected precision_overflow for oversized product, got %v", err)
	}
}

func TestMidpoint(t *testing.T) {
	mid, err := Midpoint(MustParse("1.5000"), MustParse("1.6000"))
	if err != nil {
		t.Fatalf("midpoint: %v", err)
	}
	if mid.String() != "1.5500" {
		t.Fatalf("expected 1.5500, got %s", mid.String())
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	a := MustParse("-3.1400")
	text, err := a.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var b Amount
	if err := b.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("round-trip mismatch: %s != %s", a.String(), b.String())
	}
}
