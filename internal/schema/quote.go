package schema

import (
	"time"

	"github.com/quanterra/optiondesk/internal/ledger"
)

// Quote holds the latest best bid/ask/last-trade price for a contract.
// Quotes are ephemeral: overwritten in place, never persisted.
type Quote struct {
	ContractKey string
	Bid         *ledger.Amount
	Ask         *ledger.Amount
	Last        *ledger.Amount
	Timestamp   time.Time
}

// Mark returns the reference price used to value an open position: the bid/ask
// midpoint when both sides are present, otherwise the last trade.
func (q Quote) Mark() (ledger.Amount, bool) {
	if q.Bid != nil && q.Ask != nil {
		mid, err := ledger.Midpoint(*q.Bid, *q.Ask)
		if err == nil {
			return mid, true
		}
	}
	if q.Last != nil {
		return *q.Last, true
	}
	return ledger.Zero, false
}

// StaleAt reports whether the quote is older than the threshold at the given instant.
func (q Quote) StaleAt(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(q.Timestamp) > threshold
}

// ContractRisk is the per-contract breakdown inside a RiskSnapshot.
type ContractRisk struct {
	Contract      Contract
	NetQuantity   int64
	AvgCost       ledger.Amount
	Mark          ledger.Amount
	Exposure      ledger.Amount
	UnrealizedPnL ledger.Amount
	RealizedPnL   ledger.Amount
	Stale         bool
}

// RiskSnapshot is an immutable point-in-time view of portfolio risk.
type RiskSnapshot struct {
	TakenAt       time.Time
	Exposure      ledger.Amount
	UnrealizedPnL ledger.Amount
	RealizedPnL   ledger.Amount
	Contracts     []ContractRisk
}
