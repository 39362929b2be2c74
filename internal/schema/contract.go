// Package schema defines the canonical data model shared across the reconciliation pipeline.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
)

// Right identifies the option right.
type Right string

const (
	// RightCall marks call options.
	RightCall Right = "Call"
	// RightPut marks put options.
	RightPut Right = "Put"
)

// InstrumentType distinguishes the supported option instrument families.
type InstrumentType string

const (
	// InstrumentEquityOption marks listed equity options in OCC symbology.
	InstrumentEquityOption InstrumentType = "EquityOption"
	// InstrumentFutureOption marks options on futures.
	InstrumentFutureOption InstrumentType = "FutureOption"
)

// Contract identifies a tradable option. Immutable once referenced; equality is
// by the identity fields (underlying, expiry, strike, right).
type Contract struct {
	Symbol     string
	Underlying string
	Expiry     time.Time
	Strike     ledger.Amount
	Right      Right
	Instrument InstrumentType
	Multiplier int64
}

// Key returns the canonical identity key used for positions, quotes, and
// sequence tracking.
func (c Contract) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", c.Underlying, c.Expiry.Format("060102"), c.Strike.String(), c.Right)
}

// SameIdentity reports whether two contracts identify the same option.
func (c Contract) SameIdentity(other Contract) bool {
	return c.Underlying == other.Underlying &&
		c.Expiry.Equal(other.Expiry) &&
		c.Strike.Equal(other.Strike) &&
		c.Right == other.Right
}

const (
	occSymbolLength      = 21
	defaultMultiplier    = 100
	futureOptionMinWidth = 20
)

// ParseOptionSymbol decodes a venue option symbol into a Contract. Equity
// options use the fixed-width OCC form (`SPXW  240621P05300000`); future
// options use the venue's `./`-prefixed three-token form
// (`./ESU4 EW3U4 240920P5300`).
func ParseOptionSymbol(symbol string) (Contract, error) {
	if strings.HasPrefix(symbol, "./") {
		return parseFutureOptionSymbol(symbol)
	}
	return parseEquityOptionSymbol(symbol)
}

func parseEquityOptionSymbol(symbol string) (Contract, error) {
	if len(symbol) != occSymbolLength {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage(fmt.Sprintf("equity option symbol must be %d chars, got %d", occSymbolLength, len(symbol))),
			errs.WithRawMessage(symbol))
	}
	underlying := strings.TrimSpace(symbol[0:6])
	if underlying == "" {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("empty underlying"), errs.WithRawMessage(symbol))
	}
	expiry, err := time.Parse("060102", symbol[6:12])
	if err != nil {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("bad expiry date"), errs.WithRawMessage(symbol), errs.WithCause(err))
	}
	right, err := parseRight(symbol[12])
	if err != nil {
		return Contract{}, err
	}
	// OCC strikes are eight digits in thousandths of a unit.
	raw := strings.TrimLeft(symbol[13:], "0")
	if raw == "" {
		raw = "0"
	}
	strikeThousandths, err := ledger.Parse(raw)
	if err != nil {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("bad strike"), errs.WithRawMessage(symbol), errs.WithCause(err))
	}
	strike, err := strikeThousandths.Div(ledger.FromInt(1000))
	if err != nil {
		return Contract{}, err
	}
	return Contract{
		Symbol:     symbol,
		Underlying: underlying,
		Expiry:     expiry.UTC(),
		Strike:     strike,
		Right:      right,
		Instrument: InstrumentEquityOption,
		Multiplier: defaultMultiplier,
	}, nil
}

func parseFutureOptionSymbol(symbol string) (Contract, error) {
	if len(symbol) < futureOptionMinWidth {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("future option symbol too short"), errs.WithRawMessage(symbol))
	}
	parts := strings.Fields(symbol[2:])
	if len(parts) != 3 {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage(fmt.Sprintf("future option symbol needs 3 tokens, got %d", len(parts))),
			errs.WithRawMessage(symbol))
	}
	tail := parts[2]
	if len(tail) < 8 {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("future option tail token too short"), errs.WithRawMessage(symbol))
	}
	expiry, err := time.Parse("060102", tail[:6])
	if err != nil {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("bad expiry date"), errs.WithRawMessage(symbol), errs.WithCause(err))
	}
	right, err := parseRight(tail[6])
	if err != nil {
		return Contract{}, err
	}
	strike, err := ledger.Parse(tail[7:])
	if err != nil {
		return Contract{}, errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage("bad strike"), errs.WithRawMessage(symbol), errs.WithCause(err))
	}
	return Contract{
		Symbol:     symbol,
		Underlying: parts[0],
		Expiry:     expiry.UTC(),
		Strike:     strike,
		Right:      right,
		Instrument: InstrumentFutureOption,
		Multiplier: defaultMultiplier,
	}, nil
}

func parseRight(c byte) (Right, error) {
	switch c {
	case 'C':
		return RightCall, nil
	case 'P':
		return RightPut, nil
	default:
		return "", errs.New("schema/contract", errs.CodeMalformedMessage,
			errs.WithMessage(fmt.Sprintf("unknown option right %q", string(c))))
	}
}
