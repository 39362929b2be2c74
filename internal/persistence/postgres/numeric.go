package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/quanterra/optiondesk/internal/ledger"
)

// numericFromAmount converts a ledger amount into a pgtype.Numeric value.
// The conversion goes through the exact text form; no float intermediate.
func numericFromAmount(a ledger.Amount) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(a.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", a.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional ledger amount into a pgtype.Numeric.
// A nil amount maps to SQL NULL.
func numericFromOptional(a *ledger.Amount) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if a == nil {
		return out, nil
	}
	if err := out.Scan(a.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", a.String(), err)
	}
	return out, nil
}
