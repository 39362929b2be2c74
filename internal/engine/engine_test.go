package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/persistence"
	"github.com/quanterra/optiondesk/internal/quotes"
	"github.com/quanterra/optiondesk/internal/reconcile"
	"github.com/quanterra/optiondesk/internal/risk"
	"github.com/quanterra/optiondesk/internal/schema"
)

type memGateway struct {
	mu    sync.Mutex
	state persistence.State
}

func (g *memGateway) Commit(_ context.Context, rec persistence.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Markers == nil {
		g.state.Markers = make(map[string]uint64)
	}
	if rec.Entity != "" && rec.Seq > g.state.Markers[rec.Entity] {
		g.state.Markers[rec.Entity] = rec.Seq
	}
	return nil
}

func (g *memGateway) LoadAll(context.Context) (persistence.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, nil
}

type memBalances struct {
	mu    sync.Mutex
	snaps []schema.BalanceSnapshot
}

func (b *memBalances) UpsertBalance(_ context.Context, snap schema.BalanceSnapshot) error {
	b.mu.Lock()
	b.snaps = append(b.snaps, snap)
	b.mu.Unlock()
	return nil
}

func (b *memBalances) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snaps)
}

type staticBalanceSource []schema.BalanceSnapshot

func (s staticBalanceSource) FetchBalances(context.Context) ([]schema.BalanceSnapshot, error) {
	return s, nil
}

func mustContract(t *testing.T) schema.Contract {
	t.Helper()
	c, err := schema.ParseOptionSymbol("SPXW  240621P05300000")
	if err != nil {
		t.Fatalf("parse contract: %v", err)
	}
	return c
}

func TestRunRecoversBeforeAccepting(t *testing.T) {
	contract := mustContract(t)
	gw := &memGateway{state: persistence.State{
		Orders: []schema.Order{{
			ID: "o1", Contract: contract, Side: schema.SideBuy, Quantity: 10,
			State: schema.StateAccepted, AvgFillPrice: ledger.Zero, LastSeq: 1,
		}},
		Markers: map[string]uint64{"o1": 1},
	}}
	quoteTable := quotes.NewTable()
	coord := reconcile.New(reconcile.Config{}, gw, quoteTable, nil, nil, nil)
	calc := risk.New(risk.Config{}, coord, quoteTable, nil)
	eng := New(Config{GapFlushInterval: 10 * time.Millisecond}, coord, calc, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := eng.Order("o1"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	order, ok := eng.Order("o1")
	if !ok || order.State != schema.StateAccepted {
		t.Fatalf("recovered order missing: %+v", order)
	}
	if open := eng.OpenOrders(); len(open) != 1 {
		t.Fatalf("expected one open order, got %d", len(open))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestSnapshotReflectsAppliedFills(t *testing.T) {
	contract := mustContract(t)
	gw := &memGateway{}
	quoteTable := quotes.NewTable()
	coord := reconcile.New(reconcile.Config{}, gw, quoteTable, nil, nil, nil)
	calc := risk.New(risk.Config{}, coord, quoteTable, nil)
	eng := New(Config{}, coord, calc, nil, nil, nil, nil, nil)

	ctx := context.Background()
	ack := schema.Event{
		EventID: "e1", Kind: schema.KindOrderAck, Entity: "o1", Seq: 1,
		Source: schema.SourcePush, IngestTS: time.Now(),
		Ack: &schema.AckPayload{OrderID: "o1", Contract: contract, Side: schema.SideBuy, Quantity: 10, Timestamp: time.Now()},
	}
	fill := schema.Event{
		EventID: "e2", Kind: schema.KindFillReported, Entity: "o1", Seq: 2,
		Source: schema.SourcePush, IngestTS: time.Now(),
		Fill: &schema.FillPayload{OrderID: "o1", ExecutionID: "x1", Quantity: 10, Price: ledger.MustParse("1.53"), Timestamp: time.Now()},
	}
	for _, evt := range []schema.Event{ack, fill} {
		if err := coord.Process(ctx, evt); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	bid, askPx := ledger.MustParse("1.50"), ledger.MustParse("1.60")
	quoteTable.Upsert(schema.Quote{ContractKey: contract.Key(), Bid: &bid, Ask: &askPx, Timestamp: time.Now()})

	snap, err := eng.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Contracts) != 1 {
		t.Fatalf("expected one contract row, got %d", len(snap.Contracts))
	}
	// 10 x 100 x 1.55 mark.
	if !snap.Exposure.Equal(ledger.MustParse("1550")) {
		t.Fatalf("exposure %s", snap.Exposure.String())
	}
}

func TestTimerPersistsBalances(t *testing.T) {
	gw := &memGateway{}
	quoteTable := quotes.NewTable()
	coord := reconcile.New(reconcile.Config{}, gw, quoteTable, nil, nil, nil)
	calc := risk.New(risk.Config{}, coord, quoteTable, nil)
	writer := &memBalances{}
	source := staticBalanceSource{{Account: "a1", Currency: "USD", Cash: ledger.MustParse("100.00"), SnapshotAt: time.Now()}}
	eng := New(Config{SnapshotInterval: 10 * time.Millisecond}, coord, calc, nil, nil, nil, writer, source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for writer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if writer.count() == 0 {
		t.Fatal("balance snapshot never persisted")
	}
}
