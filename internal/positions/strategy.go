package positions

import (
	"sort"

	"github.com/quanterra/optiondesk/internal/schema"
)

// StrategyShape names the recognized multi-leg option structures.
type StrategyShape string

const (
	// ShapeCall is a single-leg call position.
	ShapeCall StrategyShape = "Call"
	// ShapePut is a single-leg put position.
	ShapePut StrategyShape = "Put"
	// ShapeVerticalSpread is a two-leg position sharing an expiry.
	ShapeVerticalSpread StrategyShape = "VerticalSpread"
	// ShapeCalendarSpread is a two-leg position sharing a strike across expiries.
	ShapeCalendarSpread StrategyShape = "CalendarSpread"
	// ShapeIronCondor is a four-leg position.
	ShapeIronCondor StrategyShape = "IronCondor"
	// ShapeOther covers structures not otherwise classified.
	ShapeOther StrategyShape = "Other"
)

// Classify names the structure formed by the open legs of one underlying.
func Classify(legs []schema.Position) StrategyShape {
	switch len(legs) {
	case 0:
		return ShapeOther
	case 1:
		if legs[0].Contract.Right == schema.RightCall {
			return ShapeCall
		}
		return ShapePut
	case 2:
		if legs[0].Contract.Expiry.Equal(legs[1].Contract.Expiry) {
			return ShapeVerticalSpread
		}
		if legs[0].Contract.Strike.Equal(legs[1].Contract.Strike) {
			return ShapeCalendarSpread
		}
		return ShapeOther
	case 4:
		return ShapeIronCondor
	default:
		return ShapeOther
	}
}

// Strategies groups the table's open legs by underlying and classifies each
// group's structure.
func (t *Table) Strategies() map[string]StrategyShape {
	grouped := make(map[string][]schema.Position)
	for _, pos := range t.All() {
		if pos.NetQuantity == 0 {
			continue
		}
		underlying := pos.Contract.Underlying
		grouped[underlying] = append(grouped[underlying], pos)
	}
	out := make(map[string]StrategyShape, len(grouped))
	for underlying, legs := range grouped {
		sort.Slice(legs, func(i, j int) bool {
			return legs[i].Contract.Key() < legs[j].Contract.Key()
		})
		out[underlying] = Classify(legs)
	}
	return out
}
