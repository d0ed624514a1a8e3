// Package postgres persists registry snapshots in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/domain/trackingstore"
)

var errPoolRequired = errors.New("postgres: pool required")

var trackedOrderColumns = []string{
	"client_order_id",
	"exchange_order_id",
	"pair",
	"side",
	"order_type",
	"price",
	"amount",
	"executed_base",
	"executed_quote",
	"fee_paid",
	"fee_asset",
	"last_state",
	"created_at",
}

const selectTrackedOrdersSQL = `
SELECT client_order_id,
       exchange_order_id,
       pair,
       side,
       order_type,
       price,
       amount,
       executed_base,
       executed_quote,
       fee_paid,
       fee_asset,
       last_state,
       created_at
FROM tracked_orders
ORDER BY created_at, client_order_id;
`

// Store implements trackingstore.Store on the tracked_orders table.
type Store struct {
	pool   *pgxpool.Pool
	owned  bool
	closed atomic.Bool
}

// New wraps an existing pool. Close leaves the pool open.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// PoolOptions tune the pgx pool opened by Connect. Zero values keep the pgx defaults.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Connect opens a pool for dsn and registers its metrics. Close closes the pool.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := ObservePoolMetrics(pool, "snapshots"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres pool metrics: %w", err)
	}
	return &Store{pool: pool, owned: true}, nil
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) ready() error {
	if s == nil || s.pool == nil {
		return errPoolRequired
	}
	if s.closed.Load() {
		return trackingstore.ErrClosed
	}
	return nil
}

// Save replaces the table contents with snapshot in one transaction.
func (s *Store) Save(ctx context.Context, snapshot trackingstore.Snapshot) error {
	if err := s.ready(); err != nil {
		return err
	}
	rows := make([][]any, 0, len(snapshot))
	for id, order := range snapshot {
		row, err := orderRow(id, order)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tracked_orders`); err != nil {
			return fmt.Errorf("clear tracked orders: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"tracked_orders"}, trackedOrderColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy tracked orders: %w", err)
		}
		return nil
	})
}

// Load returns every stored order.
func (s *Store) Load(ctx context.Context) (trackingstore.Snapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectTrackedOrdersSQL)
	if err != nil {
		return nil, fmt.Errorf("query tracked orders: %w", err)
	}
	defer rows.Close()

	snapshot := make(trackingstore.Snapshot)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		snapshot[order.ClientOrderID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked orders: %w", err)
	}
	return snapshot, nil
}

// Close marks the store closed and closes an owned pool.
func (s *Store) Close() error {
	if s == nil || s.closed.Swap(true) {
		return nil
	}
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func orderRow(id string, order schema.InFlightOrder) ([]any, error) {
	row := []any{
		id,
		order.ExchangeOrderID,
		order.Pair,
		string(order.Side),
		string(order.Type),
	}
	amounts := []decimal.Decimal{order.Price, order.Amount, order.ExecutedBase, order.ExecutedQuote, order.FeePaid}
	for i, value := range amounts {
		n, err := numericFromDecimal(value)
		if err != nil {
			return nil, fmt.Errorf("order %s %s: %w", id, trackedOrderColumns[5+i], err)
		}
		row = append(row, n)
	}
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0)
	}
	return append(row, order.FeeAsset, string(order.LastState), createdAt.UTC()), nil
}

func scanOrder(rows pgx.Rows) (schema.InFlightOrder, error) {
	var (
		order             schema.InFlightOrder
		side, kind, state string
		numerics          [5]pgtype.Numeric
	)
	if err := rows.Scan(
		&order.ClientOrderID,
		&order.ExchangeOrderID,
		&order.Pair,
		&side,
		&kind,
		&numerics[0],
		&numerics[1],
		&numerics[2],
		&numerics[3],
		&numerics[4],
		&order.FeeAsset,
		&state,
		&order.CreatedAt,
	); err != nil {
		return order, fmt.Errorf("scan tracked order: %w", err)
	}
	order.Side = schema.TradeSide(side)
	order.Type = schema.OrderType(kind)
	order.LastState = schema.OrderState(state)

	targets := []*decimal.Decimal{&order.Price, &order.Amount, &order.ExecutedBase, &order.ExecutedQuote, &order.FeePaid}
	for i, n := range numerics {
		d, err := decimalFromNumeric(n)
		if err != nil {
			return order, fmt.Errorf("tracked order %s %s: %w", order.ClientOrderID, trackedOrderColumns[5+i], err)
		}
		*targets[i] = d
	}
	return order, nil
}

var _ trackingstore.Store = (*Store)(nil)
