package reconcile

import (
	"context"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/schema"
)

// BackfillFunc fetches the authoritative events for one entity's missing
// sequence range from the pull channel.
type BackfillFunc func(ctx context.Context, entity string, from, to uint64) ([]schema.Event, error)

// backfillTracker issues asynchronous gap-fill requests against the pull
// channel. Outstanding requests are bounded per entity and in total, and
// request volume is rate limited, so a burst of gaps cannot flood the venue.
type backfillTracker struct {
	fetch   BackfillFunc
	deliver func(ctx context.Context, evt schema.Event)
	limiter *rate.Limiter
	max     int

	wg conc.WaitGroup
}

func newBackfillTracker(fetch BackfillFunc, deliver func(ctx context.Context, evt schema.Event), perSecond float64, maxOutstanding int) *backfillTracker {
	if perSecond <= 0 {
		perSecond = 4
	}
	if maxOutstanding <= 0 {
		maxOutstanding = 16
	}
	return &backfillTracker{
		fetch:   fetch,
		deliver: deliver,
		limiter: rate.NewLimiter(rate.Limit(perSecond), maxOutstanding),
		max:     maxOutstanding,
	}
}

// request launches a fetch for the range unless the entity already has one in
// flight or the outstanding ceiling is reached. The caller holds the
// coordinator lock; the fetch itself runs outside it.
//
// outstanding is owned by the coordinator (under its lock) so request and
// completion stay consistent with the apply path.
func (t *backfillTracker) request(ctx context.Context, entity string, from, to uint64, done func(entity string)) {
	wait := func() error { return t.limiter.Wait(ctx) }
	t.wg.Go(func() {
		defer done(entity)
		if err := wait(); err != nil {
			return
		}
		events, err := t.fetch(ctx, entity, from, to)
		if err != nil {
			observability.Log().Warn("backfill fetch failed",
				observability.F("entity", entity),
				observability.F("from", from),
				observability.F("to", to),
				observability.F("error", err.Error()))
			return
		}
		for _, evt := range events {
			t.deliver(ctx, evt)
		}
	})
}

// waitIdle blocks until every launched fetch has returned.
func (t *backfillTracker) waitIdle() {
	t.wg.Wait()
}
