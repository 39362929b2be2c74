// Package reconcile merges the push and pull event streams into a single
// consistent view of orders and positions.
//
// The coordinator is the single writer: every mutation of orders, positions,
// and sequence markers passes through its serialized apply path. An event is
// committed only after its durable write succeeds, so recovered state never
// runs ahead of the store.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/orders"
	"github.com/quanterra/optiondesk/internal/persistence"
	"github.com/quanterra/optiondesk/internal/positions"
	"github.com/quanterra/optiondesk/internal/quotes"
	"github.com/quanterra/optiondesk/internal/schema"
)

const component = "reconcile"

// Config carries the coordinator's policy knobs.
type Config struct {
	// GapTimeout bounds how long out-of-order events wait for a gap to close
	// before they are released best-effort.
	GapTimeout time.Duration
	// RetryBudget bounds durable-write attempts before an entity is quarantined.
	RetryBudget int
	// RetryInitialInterval and RetryMaxInterval bound the persistence backoff.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// MaxGapBuffer caps buffered out-of-order events per entity; the
	// lowest-sequence overflow is force-released when it is exceeded.
	MaxGapBuffer int
	// MaxOutstandingBackfills caps concurrent gap-fill requests.
	MaxOutstandingBackfills int
	// BackfillPerSecond rate-limits gap-fill request issuance.
	BackfillPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.GapTimeout <= 0 {
		c.GapTimeout = 5 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 2 * time.Second
	}
	if c.MaxGapBuffer <= 0 {
		c.MaxGapBuffer = 512
	}
	if c.MaxOutstandingBackfills <= 0 {
		c.MaxOutstandingBackfills = 16
	}
	if c.BackfillPerSecond <= 0 {
		c.BackfillPerSecond = 4
	}
	return c
}

// quarantineState holds the unconfirmed durable write that exhausted its
// retries plus every event received for the entity since. Nothing is
// discarded; Reprocess drains it once the store recovers.
type quarantineState struct {
	record  persistence.Record
	pending []*schema.Event
}

// Coordinator owns the merge of the push and pull streams.
type Coordinator struct {
	cfg   Config
	clock func() time.Time

	mu        sync.Mutex
	closed    bool
	book      *orders.Book
	positions *positions.Table
	quotes    *quotes.Table
	store     persistence.Gateway
	alarms    observability.AlarmSink
	stats     *observability.ReconcileMetrics

	lastApplied map[string]uint64
	gaps        map[string]*gapBuffer
	outstanding map[string]struct{}
	quarantine  map[string]*quarantineState

	backfills *backfillTracker
}

// New constructs a coordinator. fetch may be nil when no pull channel is
// available; gaps then resolve only by late push delivery or timeout.
func New(cfg Config, store persistence.Gateway, quoteTable *quotes.Table, alarms observability.AlarmSink, fetch BackfillFunc, clock func() time.Time) *Coordinator {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	if quoteTable == nil {
		quoteTable = quotes.NewTable()
	}
	c := &Coordinator{
		cfg:         cfg,
		clock:       clock,
		book:        orders.NewBook(),
		positions:   positions.NewTable(),
		quotes:      quoteTable,
		store:       store,
		alarms:      alarms,
		stats:       observability.NewReconcileMetrics(),
		lastApplied: make(map[string]uint64),
		gaps:        make(map[string]*gapBuffer),
		outstanding: make(map[string]struct{}),
		quarantine:  make(map[string]*quarantineState),
	}
	if fetch != nil {
		c.backfills = newBackfillTracker(fetch, func(ctx context.Context, evt schema.Event) {
			if err := c.Process(ctx, evt); err != nil {
				observability.Log().Warn("backfill event rejected",
					observability.F("entity", evt.Entity),
					observability.F("seq", evt.Seq),
					observability.F("error", err.Error()))
			}
		}, cfg.BackfillPerSecond, cfg.MaxOutstandingBackfills)
	}
	return c
}

// Recover rebuilds in-memory state from the durable store. Must complete
// before the coordinator accepts events.
func (c *Coordinator) Recover(ctx context.Context) error {
	state, err := c.store.LoadAll(ctx)
	if err != nil {
		return errs.New(component, errs.CodePersistenceFailure,
			errs.WithMessage("startup recovery load failed"), errs.WithCause(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.book.Restore(state.Orders)
	c.positions.Restore(state.Positions)
	for entity, seq := range state.Markers {
		c.lastApplied[entity] = seq
	}
	observability.Log().Info("recovery complete",
		observability.F("orders", len(state.Orders)),
		observability.F("positions", len(state.Positions)),
		observability.F("markers", len(state.Markers)))
	return nil
}

// SubmitOrder registers local submission intent as a Pending order and writes
// it through before returning.
func (c *Coordinator) SubmitOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return schema.Order{}, errs.New(component, errs.CodeUnavailable, errs.WithMessage("coordinator closed"))
	}
	snap, err := c.book.Submit(order)
	if err != nil {
		return schema.Order{}, err
	}
	rec := persistence.Record{Entity: snap.ID, Order: &snap}
	if err := c.persistLocked(ctx, rec); err != nil {
		c.quarantineLocked(snap.ID, rec)
		return schema.Order{}, err
	}
	return snap, nil
}

// Process routes one canonical event through the serialized apply path.
// Duplicates are dropped, gapped events are buffered, and order and fill
// events become durable before the call returns.
func (c *Coordinator) Process(ctx context.Context, evt schema.Event) error {
	if err := evt.Validate(); err != nil {
		observability.Telemetry().IncCounter(observability.MetricMalformedDropped, 1, nil)
		return err
	}

	// Quotes bypass sequencing: last write wins by timestamp and nothing is
	// persisted, so they must not queue behind order processing.
	if evt.Kind == schema.KindPriceUpdate {
		c.quotes.Upsert(schema.Quote{
			ContractKey: evt.Price.Contract.Key(),
			Bid:         evt.Price.Bid,
			Ask:         evt.Price.Ask,
			Last:        evt.Price.Last,
			Timestamp:   evt.Price.Timestamp,
		})
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("coordinator closed"),
			errs.WithEntity(evt.Entity), errs.WithSeq(evt.Seq))
	}
	return c.processLocked(ctx, &evt)
}

func (c *Coordinator) processLocked(ctx context.Context, evt *schema.Event) error {
	entity := evt.Entity

	if q, ok := c.quarantine[entity]; ok {
		q.pending = append(q.pending, evt)
		return nil
	}

	last := c.lastApplied[entity]
	if evt.Seq <= last {
		c.stats.RecordDuplicate(entity)
		observability.Telemetry().IncCounter(observability.MetricDuplicatesDropped, 1, map[string]string{"kind": string(evt.Kind)})
		return nil
	}

	if evt.Seq != last+1 {
		c.bufferGapLocked(ctx, evt, last)
		return nil
	}

	if err := c.applyLocked(ctx, evt); err != nil {
		return err
	}
	c.drainContiguousLocked(ctx, entity)
	return nil
}

// bufferGapLocked holds a too-new event and asks the pull channel for the
// missing range.
func (c *Coordinator) bufferGapLocked(ctx context.Context, evt *schema.Event, last uint64) {
	entity := evt.Entity
	buf, ok := c.gaps[entity]
	if !ok {
		buf = newGapBuffer(c.clock())
		c.gaps[entity] = buf
		observability.Telemetry().IncCounter(observability.MetricGapsOpened, 1, nil)
		observability.Log().Warn("sequence gap opened",
			observability.F("entity", entity),
			observability.F("last_applied", last),
			observability.F("received", evt.Seq))
	}
	buf.add(c.clock(), last, evt)

	// A seq storm must not grow the buffer unboundedly: past the cap the
	// lowest-sequence overflow is applied best-effort and the abandoned gap
	// below it is surfaced like a timed-out one.
	if released := buf.enforceMax(c.cfg.MaxGapBuffer, last); len(released) > 0 {
		c.stats.RecordGapUnresolved()
		observability.Telemetry().IncCounter(observability.MetricGapsUnresolved, 1, nil)
		if c.alarms != nil {
			c.alarms.Raise(observability.Alarm{
				Type:     observability.AlarmGapUnresolved,
				Severity: observability.AlarmSeverityWarn,
				Entity:   entity,
				Metadata: map[string]any{"released": len(released), "reason": "buffer cap"},
			})
		}
		for i, over := range released {
			if err := c.applyLocked(ctx, over); err != nil {
				if c.holdForQuarantineLocked(entity, released[i+1:]) {
					return
				}
			}
		}
		c.drainContiguousLocked(ctx, entity)
		if _, open := c.gaps[entity]; !open {
			return
		}
	}

	c.stats.RecordGapDepth(entity, buf.len())
	observability.Telemetry().SetGauge(observability.MetricGapBufferDepth, float64(buf.len()), map[string]string{"entity": entity})
	c.requestBackfillLocked(ctx, entity, c.lastApplied[entity], buf)
}

func (c *Coordinator) requestBackfillLocked(ctx context.Context, entity string, last uint64, buf *gapBuffer) {
	if c.backfills == nil {
		return
	}
	if _, inflight := c.outstanding[entity]; inflight {
		return
	}
	if len(c.outstanding) >= c.cfg.MaxOutstandingBackfills {
		return
	}
	from, to, ok := buf.missing(last)
	if !ok {
		return
	}
	c.outstanding[entity] = struct{}{}
	c.backfills.request(ctx, entity, from, to, func(entity string) {
		c.mu.Lock()
		delete(c.outstanding, entity)
		c.mu.Unlock()
	})
}

// drainContiguousLocked releases buffered events that now extend the applied
// sequence. The gap is resolved when the buffer empties.
func (c *Coordinator) drainContiguousLocked(ctx context.Context, entity string) {
	buf, ok := c.gaps[entity]
	if !ok {
		return
	}
	released := buf.releaseContiguous(c.lastApplied[entity])
	for i, evt := range released {
		if err := c.applyLocked(ctx, evt); err != nil {
			if !c.holdForQuarantineLocked(entity, released[i+1:]) {
				// Not quarantined: the rest of the run goes back into the
				// buffer so a later drain can pick it up.
				for _, rest := range released[i+1:] {
					buf.add(c.clock(), c.lastApplied[entity], rest)
				}
			}
			return
		}
	}
	c.stats.RecordGapDepth(entity, buf.len())
	if buf.empty() {
		delete(c.gaps, entity)
		observability.Telemetry().IncCounter(observability.MetricGapsResolved, 1, nil)
		observability.Log().Info("sequence gap resolved", observability.F("entity", entity))
	}
}

// FlushGaps releases buffers whose bounded wait has expired. Their events are
// applied best-effort in sequence order and the condition is surfaced as a
// GapUnresolved alarm; nothing is silently dropped.
func (c *Coordinator) FlushGaps(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.IsZero() {
		now = c.clock()
	}
	for entity, buf := range c.gaps {
		if q, ok := c.quarantine[entity]; ok {
			q.pending = append(q.pending, buf.drain(c.lastApplied[entity])...)
			delete(c.gaps, entity)
			continue
		}
		if now.Sub(buf.openedAt) < c.cfg.GapTimeout {
			c.requestBackfillLocked(ctx, entity, c.lastApplied[entity], buf)
			continue
		}
		released := buf.drain(c.lastApplied[entity])
		delete(c.gaps, entity)
		c.stats.RecordGapUnresolved()
		observability.Telemetry().IncCounter(observability.MetricGapsUnresolved, 1, nil)
		if c.alarms != nil {
			c.alarms.Raise(observability.Alarm{
				Type:     observability.AlarmGapUnresolved,
				Severity: observability.AlarmSeverityWarn,
				Entity:   entity,
				Metadata: map[string]any{"released": len(released)},
			})
		}
		for i, evt := range released {
			if err := c.applyLocked(ctx, evt); err != nil {
				if c.holdForQuarantineLocked(entity, released[i+1:]) {
					break
				}
			}
		}
	}
}

// applyLocked performs one validated transition and its durable write. The
// sequence marker advances only after the write is confirmed.
func (c *Coordinator) applyLocked(ctx context.Context, evt *schema.Event) error {
	rec := persistence.Record{Entity: evt.Entity, Seq: evt.Seq}

	switch evt.Kind {
	case schema.KindOrderAck:
		order, err := c.book.ApplyAck(evt.Ack, evt.Seq)
		if err != nil {
			return c.dropInvalidLocked(ctx, evt, err)
		}
		rec.Order = &order
	case schema.KindOrderStatusChanged:
		order, err := c.book.ApplyStatus(evt.Status, evt.Seq)
		if err != nil {
			return c.dropInvalidLocked(ctx, evt, err)
		}
		rec.Order = &order
	case schema.KindOrderRejected:
		order, err := c.book.ApplyReject(evt.Reject, evt.Seq)
		if err != nil {
			return c.dropInvalidLocked(ctx, evt, err)
		}
		rec.Order = &order
	case schema.KindFillReported:
		order, fill, err := c.book.ApplyFill(evt.Fill, evt.Seq)
		if err != nil {
			return c.dropInvalidLocked(ctx, evt, err)
		}
		pos, err := c.positions.Apply(order.Contract, fill)
		if err != nil {
			return err
		}
		rec.Order = &order
		rec.Fill = &fill
		rec.Position = &pos
	default:
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unroutable event kind"), errs.WithEntity(evt.Entity), errs.WithSeq(evt.Seq))
	}

	if err := c.persistLocked(ctx, rec); err != nil {
		c.quarantineLocked(evt.Entity, rec)
		return err
	}
	c.lastApplied[evt.Entity] = evt.Seq
	c.stats.RecordApplied(evt.Entity)
	observability.Telemetry().IncCounter(observability.MetricEventsApplied, 1, map[string]string{"kind": string(evt.Kind)})
	return nil
}

// dropInvalidLocked records a desync signal and advances past the event. The
// marker still becomes durable so replay does not resurface the same event.
func (c *Coordinator) dropInvalidLocked(ctx context.Context, evt *schema.Event, cause error) error {
	if errs.CodeOf(cause) != errs.CodeInvalidTransition {
		return cause
	}
	observability.Telemetry().IncCounter(observability.MetricInvalidTransitions, 1, map[string]string{"kind": string(evt.Kind)})
	observability.Log().Warn("invalid transition dropped",
		observability.F("entity", evt.Entity),
		observability.F("seq", evt.Seq),
		observability.F("error", cause.Error()))
	rec := persistence.Record{Entity: evt.Entity, Seq: evt.Seq}
	if err := c.persistLocked(ctx, rec); err != nil {
		c.quarantineLocked(evt.Entity, rec)
		return err
	}
	c.lastApplied[evt.Entity] = evt.Seq
	return nil
}

// persistLocked writes the record through with bounded exponential backoff.
func (c *Coordinator) persistLocked(ctx context.Context, rec persistence.Record) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.cfg.RetryInitialInterval
	backoffCfg.MaxInterval = c.cfg.RetryMaxInterval

	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			c.stats.RecordPersistenceRetry()
			observability.Telemetry().IncCounter(observability.MetricPersistenceRetries, 1, nil)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = c.cfg.RetryMaxInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		lastErr = c.store.Commit(ctx, rec)
		if lastErr == nil {
			return nil
		}
	}
	return errs.New(component, errs.CodePersistenceFailure,
		errs.WithMessage("durable write retries exhausted"),
		errs.WithEntity(rec.Entity), errs.WithSeq(rec.Seq), errs.WithCause(lastErr))
}

// quarantineLocked halts new-event acceptance for the entity after retry
// exhaustion. The unconfirmed record stays pending; state is never advanced
// past an unconfirmed durable write.
func (c *Coordinator) quarantineLocked(entity string, rec persistence.Record) {
	if _, ok := c.quarantine[entity]; ok {
		return
	}
	c.quarantine[entity] = &quarantineState{record: rec}
	if c.alarms != nil {
		c.alarms.Raise(observability.Alarm{
			Type:     observability.AlarmPersistenceExhausted,
			Severity: observability.AlarmSeverityCritical,
			Entity:   entity,
			Metadata: map[string]any{"seq": rec.Seq},
		})
	}
}

// holdForQuarantineLocked parks events released from a gap buffer that could
// not be applied because their entity entered quarantine mid-drain. They stay
// pending for Reprocess instead of being dropped with the buffer gone.
func (c *Coordinator) holdForQuarantineLocked(entity string, rest []*schema.Event) bool {
	q, ok := c.quarantine[entity]
	if !ok {
		return false
	}
	q.pending = append(q.pending, rest...)
	return true
}

// Reprocess retries quarantined durable writes and, for each entity that
// recovers, replays the events buffered while it was halted.
func (c *Coordinator) Reprocess(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for entity, q := range c.quarantine {
		if err := c.store.Commit(ctx, q.record); err != nil {
			continue
		}
		if q.record.Seq > c.lastApplied[entity] {
			c.lastApplied[entity] = q.record.Seq
		}
		pending := q.pending
		delete(c.quarantine, entity)
		observability.Log().Info("entity released from quarantine",
			observability.F("entity", entity),
			observability.F("pending", len(pending)))
		for _, evt := range pending {
			if err := c.processLocked(ctx, evt); err != nil {
				break
			}
		}
	}
}

// Quarantined lists entities currently halted on an unconfirmed durable write.
func (c *Coordinator) Quarantined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.quarantine))
	for entity := range c.quarantine {
		out = append(out, entity)
	}
	return out
}

// Order returns a snapshot of the order with the given venue id. Before the
// venue ack re-keys a local submission, the order is reachable under its
// client id instead.
func (c *Coordinator) Order(id string) (schema.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.book.Get(id)
}

// OpenOrders snapshots every non-terminal order.
func (c *Coordinator) OpenOrders() []schema.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.book.Open()
}

// Positions snapshots every position, including zeroed ones.
func (c *Coordinator) Positions() []schema.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions.All()
}

// Strategies classifies the open legs per underlying.
func (c *Coordinator) Strategies() map[string]positions.StrategyShape {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions.Strategies()
}

// Stats returns a copy of the pipeline counters.
func (c *Coordinator) Stats() observability.ReconcileMetricsSnapshot {
	return c.stats.Snapshot()
}

// GapDepth reports how many events are buffered for the entity.
func (c *Coordinator) GapDepth(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.gaps[entity]; ok {
		return buf.len()
	}
	return 0
}

// Close stops event acceptance and waits for in-flight backfills. In-flight
// applies finish under the lock before closed is observed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.backfills != nil {
		c.backfills.waitIdle()
	}
}
