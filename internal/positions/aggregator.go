// Package positions derives net per-contract positions from accepted fills.
//
// The aggregator assumes exactly-once delivery per fill: deduplication is the
// coordinator's responsibility. Like the order book it is not safe for
// concurrent use; the coordinator serializes mutation and guards reads.
package positions

import (
	"sort"

	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/schema"
)

// Table owns the per-contract position aggregates. Positions are created
// lazily on first fill and zeroed rather than deleted.
type Table struct {
	byKey map[string]*schema.Position
}

// NewTable constructs an empty position table.
func NewTable() *Table {
	return &Table{byKey: make(map[string]*schema.Position)}
}

// Restore seeds the table from persisted state during startup recovery.
func (t *Table) Restore(positions []schema.Position) {
	for i := range positions {
		p := positions[i]
		t.byKey[p.Contract.Key()] = &p
	}
}

// Apply updates the position for the fill's contract. Same-direction fills
// extend the position at a volume-weighted average cost; reducing fills
// realize P&L against the average cost and leave it unchanged; fills that
// cross through zero open the residual at the fill price.
func (t *Table) Apply(contract schema.Contract, fill schema.Fill) (schema.Position, error) {
	key := contract.Key()
	pos, ok := t.byKey[key]
	if !ok {
		pos = &schema.Position{Contract: contract, AvgCost: ledger.Zero, RealizedPnL: ledger.Zero}
		t.byKey[key] = pos
	}

	signed := fill.Side.Signed(fill.Quantity)
	net := pos.NetQuantity

	switch {
	case net == 0 || sameSign(net, signed):
		avg, err := extendAverage(pos.AvgCost, abs(net), fill.Price, abs(signed))
		if err != nil {
			return schema.Position{}, err
		}
		pos.AvgCost = avg
		pos.NetQuantity = net + signed
	default:
		closed := min64(abs(signed), abs(net))
		realized, err := closedLotPnL(fill.Price, pos.AvgCost, closed, net)
		if err != nil {
			return schema.Position{}, err
		}
		total, err := pos.RealizedPnL.Add(realized)
		if err != nil {
			return schema.Position{}, err
		}
		pos.RealizedPnL = total
		pos.NetQuantity = net + signed
		if pos.NetQuantity == 0 {
			// Flat: cost basis resets, realized P&L is retained.
			pos.AvgCost = ledger.Zero
		} else if !sameSign(net, pos.NetQuantity) {
			// The fill reversed through zero; the residual opens at the fill price.
			pos.AvgCost = fill.Price
		}
	}

	pos.UpdatedAt = fill.TradedAt
	return *pos, nil
}

// Get returns a copy of the position for the contract key.
func (t *Table) Get(key string) (schema.Position, bool) {
	pos, ok := t.byKey[key]
	if !ok {
		return schema.Position{}, false
	}
	return *pos, true
}

// All returns copies of every position sorted by contract key, including
// zeroed ones.
func (t *Table) All() []schema.Position {
	out := make([]schema.Position, 0, len(t.byKey))
	for _, pos := range t.byKey {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.Key() < out[j].Contract.Key() })
	return out
}

func extendAverage(avg ledger.Amount, held int64, price ledger.Amount, added int64) (ledger.Amount, error) {
	if added == 0 {
		return avg, nil
	}
	prior, err := avg.MulInt(held)
	if err != nil {
		return ledger.Zero, err
	}
	extra, err := price.MulInt(added)
	if err != nil {
		return ledger.Zero, err
	}
	total, err := prior.Add(extra)
	if err != nil {
		return ledger.Zero, err
	}
	return total.Div(ledger.FromInt(held + added))
}

// closedLotPnL computes (fill price − average cost) × closed quantity,
// sign-adjusted: closing a long profits when price exceeds cost, closing a
// short profits when price is below cost.
func closedLotPnL(price, avg ledger.Amount, closed, net int64) (ledger.Amount, error) {
	diff, err := price.Sub(avg)
	if err != nil {
		return ledger.Zero, err
	}
	pnl, err := diff.MulInt(closed)
	if err != nil {
		return ledger.Zero, err
	}
	if net < 0 {
		pnl = pnl.Neg()
	}
	return pnl, nil
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
