// Package risk derives exposure and P&L figures from the position read model
// and the latest quotes.
package risk

import (
	"time"

	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/quotes"
	"github.com/quanterra/optiondesk/internal/schema"
)

// Config carries the calculator's policy knobs.
type Config struct {
	// QuoteStaleAfter bounds how old a quote may be before a contract's
	// figures are marked stale instead of valued.
	QuoteStaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuoteStaleAfter <= 0 {
		c.QuoteStaleAfter = 30 * time.Second
	}
	return c
}

// PositionSource supplies a consistent snapshot of every position.
type PositionSource interface {
	Positions() []schema.Position
}

// Calculator values positions against the quote table. It holds no state of
// its own; every snapshot reads fresh copies.
type Calculator struct {
	cfg       Config
	positions PositionSource
	quotes    *quotes.Table
	clock     func() time.Time
}

// New constructs a calculator over the given read models.
func New(cfg Config, positions PositionSource, quoteTable *quotes.Table, clock func() time.Time) *Calculator {
	if clock == nil {
		clock = time.Now
	}
	return &Calculator{cfg: cfg.withDefaults(), positions: positions, quotes: quoteTable, clock: clock}
}

// Snapshot values every position at its current mark price. Contracts with a
// nonzero position but a missing or stale quote are marked Stale and excluded
// from the totals; their figures are never fabricated from an outdated price.
func (c *Calculator) Snapshot() (schema.RiskSnapshot, error) {
	started := c.clock()
	snap := schema.RiskSnapshot{
		TakenAt:       started,
		Exposure:      ledger.Zero,
		UnrealizedPnL: ledger.Zero,
		RealizedPnL:   ledger.Zero,
	}

	for _, pos := range c.positions.Positions() {
		row, err := c.value(pos, started)
		if err != nil {
			return schema.RiskSnapshot{}, err
		}
		total, err := snap.RealizedPnL.Add(row.RealizedPnL)
		if err != nil {
			return schema.RiskSnapshot{}, err
		}
		snap.RealizedPnL = total
		if !row.Stale {
			if snap.Exposure, err = snap.Exposure.Add(row.Exposure); err != nil {
				return schema.RiskSnapshot{}, err
			}
			if snap.UnrealizedPnL, err = snap.UnrealizedPnL.Add(row.UnrealizedPnL); err != nil {
				return schema.RiskSnapshot{}, err
			}
		}
		snap.Contracts = append(snap.Contracts, row)
	}

	observability.Telemetry().SetGauge(observability.MetricQuotesStale,
		float64(len(c.quotes.Stale(started, c.cfg.QuoteStaleAfter))), nil)
	observability.Telemetry().ObserveHistogram(observability.MetricSnapshotLatency,
		time.Since(started).Seconds(), nil)
	return snap, nil
}

func (c *Calculator) value(pos schema.Position, now time.Time) (schema.ContractRisk, error) {
	row := schema.ContractRisk{
		Contract:      pos.Contract,
		NetQuantity:   pos.NetQuantity,
		AvgCost:       pos.AvgCost,
		Mark:          ledger.Zero,
		Exposure:      ledger.Zero,
		UnrealizedPnL: ledger.Zero,
		RealizedPnL:   pos.RealizedPnL,
	}
	if pos.NetQuantity == 0 {
		return row, nil
	}

	quote, ok := c.quotes.Get(pos.Contract.Key())
	if !ok || quote.StaleAt(now, c.cfg.QuoteStaleAfter) {
		row.Stale = true
		return row, nil
	}
	mark, ok := quote.Mark()
	if !ok {
		row.Stale = true
		return row, nil
	}
	row.Mark = mark

	// Exposure = net quantity x multiplier x mark.
	scaled, err := mark.MulInt(pos.NetQuantity)
	if err != nil {
		return schema.ContractRisk{}, err
	}
	if row.Exposure, err = scaled.MulInt(pos.Contract.Multiplier); err != nil {
		return schema.ContractRisk{}, err
	}

	// Unrealized = (mark - avg cost) x net quantity x multiplier.
	diff, err := mark.Sub(pos.AvgCost)
	if err != nil {
		return schema.ContractRisk{}, err
	}
	perLot, err := diff.MulInt(pos.NetQuantity)
	if err != nil {
		return schema.ContractRisk{}, err
	}
	if row.UnrealizedPnL, err = perLot.MulInt(pos.Contract.Multiplier); err != nil {
		return schema.ContractRisk{}, err
	}
	return row, nil
}
