// Package postgres implements the persistence gateway on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/persistence"
	"github.com/quanterra/optiondesk/internal/schema"
)

// Store persists reconciled orders, fills, positions, and sequence markers.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a PostgreSQL-backed store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    id,
    client_order_id,
    symbol,
    side,
    quantity,
    limit_price,
    state,
    filled_qty,
    avg_fill_price,
    last_seq,
    placed_at,
    updated_at,
    created_at
)
VALUES (
    @id,
    @client_order_id,
    @symbol,
    @side,
    @quantity,
    @limit_price,
    @state,
    @filled_qty,
    @avg_fill_price,
    @last_seq,
    @placed_at,
    @updated_at,
    NOW()
)
ON CONFLICT (id) DO UPDATE SET
    client_order_id = EXCLUDED.client_order_id,
    state = EXCLUDED.state,
    filled_qty = EXCLUDED.filled_qty,
    avg_fill_price = EXCLUDED.avg_fill_price,
    last_seq = EXCLUDED.last_seq,
    updated_at = EXCLUDED.updated_at;
`

	orderUnkeySQL = `
DELETE FROM orders WHERE id = @client_order_id AND id <> @id;
`

	fillUpsertSQL = `
INSERT INTO fills (
    order_id,
    execution_id,
    contract_key,
    side,
    quantity,
    price,
    seq,
    traded_at,
    created_at
)
VALUES (
    @order_id,
    @execution_id,
    @contract_key,
    @side,
    @quantity,
    @price,
    @seq,
    @traded_at,
    NOW()
)
ON CONFLICT (order_id, execution_id) DO NOTHING;
`

	positionUpsertSQL = `
INSERT INTO positions (
    contract_key,
    symbol,
    net_quantity,
    avg_cost,
    realized_pnl,
    updated_at
)
VALUES (
    @contract_key,
    @symbol,
    @net_quantity,
    @avg_cost,
    @realized_pnl,
    @updated_at
)
ON CONFLICT (contract_key) DO UPDATE SET
    net_quantity = EXCLUDED.net_quantity,
    avg_cost = EXCLUDED.avg_cost,
    realized_pnl = EXCLUDED.realized_pnl,
    updated_at = EXCLUDED.updated_at;
`

	markerUpsertSQL = `
INSERT INTO seq_markers (entity, last_seq)
VALUES (@entity, @last_seq)
ON CONFLICT (entity) DO UPDATE SET
    last_seq = GREATEST(seq_markers.last_seq, EXCLUDED.last_seq);
`

	orderSelectSQL = `
SELECT
    id,
    client_order_id,
    symbol,
    side,
    quantity,
    limit_price::text,
    state,
    filled_qty,
    avg_fill_price::text,
    last_seq,
    placed_at,
    updated_at
FROM orders
WHERE state IN ('Pending', 'Accepted', 'PartiallyFilled');
`

	positionSelectSQL = `
SELECT
    symbol,
    net_quantity,
    avg_cost::text,
    realized_pnl::text,
    updated_at
FROM positions;
`

	markerSelectSQL = `
SELECT entity, last_seq FROM seq_markers;
`

	balanceUpsertSQL = `
INSERT INTO balances (account, currency, cash, snapshot_at, created_at)
VALUES (@account, @currency, @cash, @snapshot_at, NOW())
ON CONFLICT (account, currency, snapshot_at) DO UPDATE SET
    cash = EXCLUDED.cash;
`
)

// Commit writes one apply record atomically. Upserts are keyed so replaying
// the same record is a no-op, and the sequence marker never moves backward.
func (s *Store) Commit(ctx context.Context, rec persistence.Record) error {
	if s.pool == nil {
		return fmt.Errorf("postgres store: nil pool")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if rec.Order != nil {
		if err := upsertOrder(ctx, tx, rec.Order); err != nil {
			return err
		}
	}
	if rec.Fill != nil {
		if err := upsertFill(ctx, tx, rec.Fill); err != nil {
			return err
		}
	}
	if rec.Position != nil {
		if err := upsertPosition(ctx, tx, rec.Position); err != nil {
			return err
		}
	}
	if rec.Entity != "" && rec.Seq > 0 {
		args := pgx.NamedArgs{"entity": rec.Entity, "last_seq": int64(rec.Seq)}
		if _, err := tx.Exec(ctx, markerUpsertSQL, args); err != nil {
			return fmt.Errorf("postgres store: upsert marker: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

func upsertOrder(ctx context.Context, tx pgx.Tx, order *schema.Order) error {
	limit, err := numericFromOptional(order.LimitPrice)
	if err != nil {
		return fmt.Errorf("postgres store: limit price: %w", err)
	}
	avg, err := numericFromAmount(order.AvgFillPrice)
	if err != nil {
		return fmt.Errorf("postgres store: avg fill price: %w", err)
	}
	// An acked order re-keys from client id to venue id; drop the
	// client-keyed pending row so it cannot resurface on recovery.
	if order.ClientOrderID != "" && order.ClientOrderID != order.ID {
		args := pgx.NamedArgs{"client_order_id": order.ClientOrderID, "id": order.ID}
		if _, err := tx.Exec(ctx, orderUnkeySQL, args); err != nil {
			return fmt.Errorf("postgres store: unkey order: %w", err)
		}
	}
	args := pgx.NamedArgs{
		"id":              order.ID,
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Contract.Symbol,
		"side":            string(order.Side),
		"quantity":        order.Quantity,
		"limit_price":     limit,
		"state":           string(order.State),
		"filled_qty":      order.FilledQty,
		"avg_fill_price":  avg,
		"last_seq":        int64(order.LastSeq),
		"placed_at":       nullableTime(order.PlacedAt),
		"updated_at":      nullableTime(order.UpdatedAt),
	}
	if _, err := tx.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: upsert order: %w", err)
	}
	return nil
}

func upsertFill(ctx context.Context, tx pgx.Tx, fill *schema.Fill) error {
	price, err := numericFromAmount(fill.Price)
	if err != nil {
		return fmt.Errorf("postgres store: fill price: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":     fill.OrderID,
		"execution_id": fill.ExecutionID,
		"contract_key": fill.ContractKey,
		"side":         string(fill.Side),
		"quantity":     fill.Quantity,
		"price":        price,
		"seq":          int64(fill.Seq),
		"traded_at":    nullableTime(fill.TradedAt),
	}
	if _, err := tx.Exec(ctx, fillUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: upsert fill: %w", err)
	}
	return nil
}

func upsertPosition(ctx context.Context, tx pgx.Tx, pos *schema.Position) error {
	avg, err := numericFromAmount(pos.AvgCost)
	if err != nil {
		return fmt.Errorf("postgres store: avg cost: %w", err)
	}
	realized, err := numericFromAmount(pos.RealizedPnL)
	if err != nil {
		return fmt.Errorf("postgres store: realized pnl: %w", err)
	}
	args := pgx.NamedArgs{
		"contract_key": pos.Contract.Key(),
		"symbol":       pos.Contract.Symbol,
		"net_quantity": pos.NetQuantity,
		"avg_cost":     avg,
		"realized_pnl": realized,
		"updated_at":   nullableTime(pos.UpdatedAt),
	}
	if _, err := tx.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: upsert position: %w", err)
	}
	return nil
}

// LoadAll rebuilds the startup recovery view: working orders, every position,
// and the per-entity sequence markers. Terminal orders stay archived in the
// table and are not loaded.
func (s *Store) LoadAll(ctx context.Context) (persistence.State, error) {
	if s.pool == nil {
		return persistence.State{}, fmt.Errorf("postgres store: nil pool")
	}
	state := persistence.State{Markers: make(map[string]uint64)}

	orders, err := s.loadOrders(ctx)
	if err != nil {
		return persistence.State{}, err
	}
	state.Orders = orders

	positions, err := s.loadPositions(ctx)
	if err != nil {
		return persistence.State{}, err
	}
	state.Positions = positions

	rows, err := s.pool.Query(ctx, markerSelectSQL)
	if err != nil {
		return persistence.State{}, fmt.Errorf("postgres store: select markers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		var lastSeq int64
		if err := rows.Scan(&entity, &lastSeq); err != nil {
			return persistence.State{}, fmt.Errorf("postgres store: scan marker: %w", err)
		}
		state.Markers[entity] = uint64(lastSeq)
	}
	if err := rows.Err(); err != nil {
		return persistence.State{}, fmt.Errorf("postgres store: iterate markers: %w", err)
	}
	return state, nil
}

func (s *Store) loadOrders(ctx context.Context) ([]schema.Order, error) {
	rows, err := s.pool.Query(ctx, orderSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres store: select orders: %w", err)
	}
	defer rows.Close()

	var out []schema.Order
	for rows.Next() {
		var (
			order              schema.Order
			symbol, side       string
			state              string
			limitText, avgText *string
			lastSeq            int64
			placedAt, updated  *time.Time
		)
		if err := rows.Scan(&order.ID, &order.ClientOrderID, &symbol, &side, &order.Quantity,
			&limitText, &state, &order.FilledQty, &avgText, &lastSeq, &placedAt, &updated); err != nil {
			return nil, fmt.Errorf("postgres store: scan order: %w", err)
		}
		contract, err := schema.ParseOptionSymbol(symbol)
		if err != nil {
			observability.Log().Warn("skipping order with unparseable symbol",
				observability.F("id", order.ID), observability.F("symbol", symbol))
			continue
		}
		order.Contract = contract
		order.Side = schema.Side(side)
		order.State = schema.OrderState(state)
		order.LastSeq = uint64(lastSeq)
		if order.LimitPrice, err = optionalLedger(limitText); err != nil {
			return nil, fmt.Errorf("postgres store: order %s limit price: %w", order.ID, err)
		}
		avg, err := requiredLedger(avgText)
		if err != nil {
			return nil, fmt.Errorf("postgres store: order %s avg price: %w", order.ID, err)
		}
		order.AvgFillPrice = avg
		if placedAt != nil {
			order.PlacedAt = *placedAt
		}
		if updated != nil {
			order.UpdatedAt = *updated
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate orders: %w", err)
	}
	return out, nil
}

func (s *Store) loadPositions(ctx context.Context) ([]schema.Position, error) {
	rows, err := s.pool.Query(ctx, positionSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres store: select positions: %w", err)
	}
	defer rows.Close()

	var out []schema.Position
	for rows.Next() {
		var (
			pos              schema.Position
			symbol           string
			avgText, pnlText *string
			updated          *time.Time
		)
		if err := rows.Scan(&symbol, &pos.NetQuantity, &avgText, &pnlText, &updated); err != nil {
			return nil, fmt.Errorf("postgres store: scan position: %w", err)
		}
		contract, err := schema.ParseOptionSymbol(symbol)
		if err != nil {
			observability.Log().Warn("skipping position with unparseable symbol",
				observability.F("symbol", symbol))
			continue
		}
		pos.Contract = contract
		if pos.AvgCost, err = requiredLedger(avgText); err != nil {
			return nil, fmt.Errorf("postgres store: position %s avg cost: %w", symbol, err)
		}
		if pos.RealizedPnL, err = requiredLedger(pnlText); err != nil {
			return nil, fmt.Errorf("postgres store: position %s realized pnl: %w", symbol, err)
		}
		if updated != nil {
			pos.UpdatedAt = *updated
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate positions: %w", err)
	}
	return out, nil
}

// UpsertBalance records a venue-reported account balance snapshot.
func (s *Store) UpsertBalance(ctx context.Context, snap schema.BalanceSnapshot) error {
	if s.pool == nil {
		return fmt.Errorf("postgres store: nil pool")
	}
	cash, err := numericFromAmount(snap.Cash)
	if err != nil {
		return fmt.Errorf("postgres store: balance cash: %w", err)
	}
	args := pgx.NamedArgs{
		"account":     snap.Account,
		"currency":    snap.Currency,
		"cash":        cash,
		"snapshot_at": snap.SnapshotAt,
	}
	if _, err := s.pool.Exec(ctx, balanceUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: upsert balance: %w", err)
	}
	return nil
}

func nullableTime(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func optionalLedger(text *string) (*ledger.Amount, error) {
	if text == nil {
		return nil, nil
	}
	amount, err := ledger.Parse(*text)
	if err != nil {
		return nil, err
	}
	return &amount, nil
}

func requiredLedger(text *string) (ledger.Amount, error) {
	if text == nil {
		return ledger.Zero, nil
	}
	return ledger.Parse(*text)
}
