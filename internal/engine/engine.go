// Package engine hosts the reconciliation pipeline: it wires the venue
// channels into the coordinator, drives the periodic timers, and exposes the
// query surface.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/positions"
	"github.com/quanterra/optiondesk/internal/reconcile"
	"github.com/quanterra/optiondesk/internal/risk"
	"github.com/quanterra/optiondesk/internal/schema"
	"github.com/quanterra/optiondesk/internal/venue"
)

// BalanceWriter persists venue-reported account balance snapshots.
type BalanceWriter interface {
	UpsertBalance(ctx context.Context, snap schema.BalanceSnapshot) error
}

// BalanceSource fetches the venue's current account balances.
type BalanceSource interface {
	FetchBalances(ctx context.Context) ([]schema.BalanceSnapshot, error)
}

// Config carries the engine's timer intervals.
type Config struct {
	GapFlushInterval     time.Duration
	SnapshotInterval     time.Duration
	SessionRenewInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.GapFlushInterval <= 0 {
		c.GapFlushInterval = time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 10 * time.Second
	}
	if c.SessionRenewInterval <= 0 {
		c.SessionRenewInterval = 10 * time.Minute
	}
	return c
}

// Engine owns the task set described in the concurrency model: push consumer,
// pull consumer, periodic timers, and the on-demand query surface.
type Engine struct {
	cfg      Config
	coord    *reconcile.Coordinator
	calc     *risk.Calculator
	push     *venue.PushClient
	pull     *venue.PullClient
	session  *venue.Session
	balances BalanceWriter
	balSrc   BalanceSource

	mu     sync.RWMutex
	latest schema.RiskSnapshot
}

// New wires the engine. push, pull, session, and the balance pair may be nil;
// the corresponding task is skipped.
func New(cfg Config, coord *reconcile.Coordinator, calc *risk.Calculator, push *venue.PushClient, pull *venue.PullClient, session *venue.Session, balances BalanceWriter, balSrc BalanceSource) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		coord:    coord,
		calc:     calc,
		push:     push,
		pull:     pull,
		session:  session,
		balances: balances,
		balSrc:   balSrc,
	}
}

// Run recovers durable state, starts the task set, and blocks until the
// context ends. Shutdown is cooperative: in-flight applies and their durable
// writes complete before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.coord.Recover(ctx); err != nil {
		return err
	}
	if e.pull != nil {
		// Cover everything missed while the process was down before the push
		// stream starts delivering.
		e.pull.Resync(ctx)
	}

	var wg conc.WaitGroup
	if e.push != nil {
		wg.Go(func() { _ = e.push.Run(ctx) })
	}
	if e.pull != nil {
		wg.Go(func() { _ = e.pull.Poll(ctx) })
	}
	if e.session != nil {
		wg.Go(func() { e.session.KeepAlive(ctx, e.cfg.SessionRenewInterval) })
	}
	wg.Go(func() { e.timerLoop(ctx) })

	<-ctx.Done()
	e.coord.Close()
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) timerLoop(ctx context.Context) {
	gapTicker := time.NewTicker(e.cfg.GapFlushInterval)
	defer gapTicker.Stop()
	snapTicker := time.NewTicker(e.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gapTicker.C:
			e.coord.FlushGaps(ctx, time.Time{})
			e.coord.Reprocess(ctx)
		case <-snapTicker.C:
			e.refreshSnapshot(ctx)
			e.persistBalances(ctx)
		}
	}
}

func (e *Engine) refreshSnapshot(ctx context.Context) {
	if e.calc == nil || ctx.Err() != nil {
		return
	}
	snap, err := e.calc.Snapshot()
	if err != nil {
		observability.Log().Error("risk snapshot failed", observability.F("error", err.Error()))
		return
	}
	e.mu.Lock()
	e.latest = snap
	e.mu.Unlock()
}

func (e *Engine) persistBalances(ctx context.Context) {
	if e.balances == nil || e.balSrc == nil {
		return
	}
	snaps, err := e.balSrc.FetchBalances(ctx)
	if err != nil {
		observability.Log().Warn("balance fetch failed", observability.F("error", err.Error()))
		return
	}
	for _, snap := range snaps {
		if err := e.balances.UpsertBalance(ctx, snap); err != nil {
			observability.Log().Warn("balance persist failed",
				observability.F("account", snap.Account), observability.F("error", err.Error()))
		}
	}
}

// Snapshot computes a fresh risk snapshot on demand.
func (e *Engine) Snapshot() (schema.RiskSnapshot, error) {
	return e.calc.Snapshot()
}

// LatestSnapshot returns the most recent timer-driven snapshot.
func (e *Engine) LatestSnapshot() schema.RiskSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

// SubmitOrder registers local submission intent ahead of the venue ack.
func (e *Engine) SubmitOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return e.coord.SubmitOrder(ctx, order)
}

// Order returns the order with the given venue id (client id for local
// submissions the venue has not acked yet).
func (e *Engine) Order(id string) (schema.Order, bool) {
	return e.coord.Order(id)
}

// OpenOrders lists every non-terminal order.
func (e *Engine) OpenOrders() []schema.Order {
	return e.coord.OpenOrders()
}

// Strategies classifies the open legs per underlying.
func (e *Engine) Strategies() map[string]positions.StrategyShape {
	return e.coord.Strategies()
}
