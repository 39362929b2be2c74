package schema

import (
	"time"

	"github.com/quanterra/optiondesk/internal/ledger"
)

// BalanceSnapshot records the venue-reported cash balance for an account at a
// point in time. Append-only; the venue is authoritative.
type BalanceSnapshot struct {
	Account    string
	Currency   string
	Cash       ledger.Amount
	SnapshotAt time.Time
}
