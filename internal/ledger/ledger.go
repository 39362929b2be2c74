// Package ledger provides exact fixed-scale decimal arithmetic for money and premiums.
//
// All monetary values flowing through the reconciliation pipeline are held as
// ledger.Amount at a fixed scale of four fractional digits. Results are rounded
// half-even at that scale; operations whose magnitude exceeds the supported
// significant digits fail rather than truncate.
package ledger

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quanterra/optiondesk/errs"
)

const (
	// Scale is the number of fractional digits carried by every Amount.
	Scale int32 = 4
	// maxIntegerDigits bounds the integer part of any Amount.
	maxIntegerDigits = 20
	// divPrecision is the working precision used before the final half-even rounding.
	divPrecision = Scale + 6
)

// Zero is the additive identity at the ledger scale.
var Zero = Amount{dec: decimal.Zero}

// Amount is an exact decimal value at the ledger scale.
//
// The zero value is usable and equals Zero.
type Amount struct {
	dec decimal.Decimal
}

// Parse converts decimal text into an Amount without any float intermediate.
// Inputs carrying more fractional digits than the ledger scale are rejected:
// accepting them would silently discard precision.
func Parse(text string) (Amount, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Zero, errs.New("ledger", errs.CodeInvalid, errs.WithMessage("empty decimal text"))
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Zero, errs.New("ledger", errs.CodeInvalid,
			errs.WithMessage("malformed decimal text"), errs.WithRawMessage(trimmed), errs.WithCause(err))
	}
	if -d.Exponent() > Scale {
		return Zero, errs.New("ledger", errs.CodePrecisionOverflow,
			errs.WithMessage("fractional digits exceed ledger scale"), errs.WithRawMessage(trimmed))
	}
	a := Amount{dec: d}
	if err := a.checkMagnitude(); err != nil {
		return Zero, err
	}
	return a, nil
}

// MustParse is Parse for trusted literals; it panics on malformed input.
func MustParse(text string) Amount {
	a, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt converts an integer quantity into an Amount.
func FromInt(n int64) Amount {
	return Amount{dec: decimal.NewFromInt(n)}
}

// String renders the Amount at the full ledger scale. Parse(a.String()) always
// yields a value equal to a.
func (a Amount) String() string {
	return a.dec.StringFixed(Scale)
}

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	out := Amount{dec: a.dec.Add(b.dec)}
	if err := out.checkMagnitude(); err != nil {
		return Zero, err
	}
	return out, nil
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) (Amount, error) {
	out := Amount{dec: a.dec.Sub(b.dec)}
	if err := out.checkMagnitude(); err != nil {
		return Zero, err
	}
	return out, nil
}

// Mul returns a*b rounded half-even at the ledger scale.
func (a Amount) Mul(b Amount) (Amount, error) {
	out := Amount{dec: a.dec.Mul(b.dec).RoundBank(Scale)}
	if err := out.checkMagnitude(); err != nil {
		return Zero, err
	}
	return out, nil
}

// MulInt returns a*n exactly.
func (a Amount) MulInt(n int64) (Amount, error) {
	return a.Mul(FromInt(n))
}

// Div returns a/b rounded half-even at the ledger scale. Division by zero fails
// with an invalid_request error.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.dec.IsZero() {
		return Zero, errs.New("ledger", errs.CodeInvalid, errs.WithMessage("division by zero"))
	}
	out := Amount{dec: a.dec.DivRound(b.dec, divPrecision).RoundBank(Scale)}
	if err := out.checkMagnitude(); err != nil {
		return Zero, err
	}
	return out, nil
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{dec: a.dec.Neg()}
}

// Abs returns |a|.
func (a Amount) Abs() Amount {
	return Amount{dec: a.dec.Abs()}
}

// Cmp compares a and b, returning -1, 0, or 1.
func (a Amount) Cmp(b Amount) int {
	return a.dec.Cmp(b.dec)
}

// Equal reports whether a and b represent the same value.
func (a Amount) Equal(b Amount) bool {
	return a.dec.Equal(b.dec)
}

// IsZero reports whether a equals zero.
func (a Amount) IsZero() bool {
	return a.dec.IsZero()
}

// Sign returns -1 for negative, 0 for zero, and 1 for positive values.
func (a Amount) Sign() int {
	return a.dec.Sign()
}

// MarshalText implements encoding.TextMarshaler with the exact fixed-scale form.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler via Parse.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) checkMagnitude() error {
	intDigits := a.dec.NumDigits() + int(a.dec.Exponent())
	if intDigits > maxIntegerDigits {
		return errs.New("ledger", errs.CodePrecisionOverflow,
			errs.WithMessage("integer digits exceed supported magnitude"),
			errs.WithRawMessage(a.dec.String()))
	}
	return nil
}

// Midpoint returns (a+b)/2 rounded half-even at the ledger scale.
func Midpoint(a, b Amount) (Amount, error) {
	sum, err := a.Add(b)
	if err != nil {
		return Zero, err
	}
	return sum.Div(FromInt(2))
}
