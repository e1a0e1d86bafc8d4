package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fenrir/internal/domain"
)

// PostgresAdapter persists orders, trades, and balances against a
// relational schema (`tokens`, `markets`, `users`,
// `balances(user, ticker, total, locked)`, `orders`). The schema itself —
// migrations, indices, the long-term store — is an out-of-scope external
// collaborator; this adapter only issues the parameterized statements the
// engine's command handlers need, using github.com/jackc/pgx/v5.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

// NewPostgresAdapter dials dsn and returns a ready adapter.
func NewPostgresAdapter(ctx context.Context, dsn string) (*PostgresAdapter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}
	return &PostgresAdapter{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (a *PostgresAdapter) Close() {
	a.pool.Close()
}

func (a *PostgresAdapter) Begin(ctx context.Context) (Tx, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: begin: %w", err)
	}
	return tx, nil
}

func (a *PostgresAdapter) Commit(ctx context.Context, tx Tx) error {
	if err := tx.(pgx.Tx).Commit(ctx); err != nil {
		return fmt.Errorf("persistence: commit: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) Rollback(ctx context.Context, tx Tx) error {
	if err := tx.(pgx.Tx).Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("persistence: rollback: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) InsertOrder(ctx context.Context, tx Tx, order domain.Order) error {
	_, err := tx.(pgx.Tx).Exec(ctx, `
		INSERT INTO orders (id, user_address, market_id, side, order_type, price, size,
			filled_size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		order.ID, order.User, order.MarketID, int(order.Side), int(order.Type),
		order.Price, order.Size, order.FilledSize, int(order.Status),
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert order: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) UpdateOrderState(ctx context.Context, tx Tx, order domain.Order) error {
	_, err := tx.(pgx.Tx).Exec(ctx, `
		UPDATE orders SET filled_size = $2, status = $3, updated_at = $4 WHERE id = $1`,
		order.ID, order.FilledSize, int(order.Status), order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence: update order: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) InsertTrade(ctx context.Context, tx Tx, trade domain.Trade) error {
	_, err := tx.(pgx.Tx).Exec(ctx, `
		INSERT INTO trades (id, market_id, buyer_address, seller_address, buyer_order_id,
			seller_order_id, price, size, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		trade.ID, trade.MarketID, trade.Buyer, trade.Seller, trade.BuyerOrderID,
		trade.SellerOrderID, trade.Price, trade.Size, trade.Timestamp)
	if err != nil {
		return fmt.Errorf("persistence: insert trade: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) GetBalance(ctx context.Context, tx Tx, user, token string) (domain.Balance, error) {
	row := tx.(pgx.Tx).QueryRow(ctx, `
		SELECT total, locked FROM balances WHERE user_address = $1 AND ticker = $2`, user, token)
	b := domain.Balance{User: user, Token: token}
	if err := row.Scan(&b.Total, &b.Locked); err != nil {
		if err == pgx.ErrNoRows {
			return b, nil
		}
		return b, fmt.Errorf("persistence: get balance: %w", err)
	}
	return b, nil
}

func (a *PostgresAdapter) LockBalance(ctx context.Context, tx Tx, user, token string, amount uint64) error {
	tag, err := tx.(pgx.Tx).Exec(ctx, `
		UPDATE balances SET locked = locked + $3
		WHERE user_address = $1 AND ticker = $2 AND total - locked >= $3`,
		user, token, amount)
	if err != nil {
		return fmt.Errorf("persistence: lock balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrInsufficientBalance{User: user, Token: token, Required: amount}
	}
	return nil
}

func (a *PostgresAdapter) UnlockBalance(ctx context.Context, tx Tx, user, token string, amount uint64) error {
	_, err := tx.(pgx.Tx).Exec(ctx, `
		UPDATE balances SET locked = GREATEST(locked - $3, 0)
		WHERE user_address = $1 AND ticker = $2`, user, token, amount)
	if err != nil {
		return fmt.Errorf("persistence: unlock balance: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) Transfer(ctx context.Context, tx Tx, user, token string, totalDelta, lockedDelta int64) error {
	_, err := tx.(pgx.Tx).Exec(ctx, `
		UPDATE balances SET total = total + $3, locked = locked + $4
		WHERE user_address = $1 AND ticker = $2`,
		user, token, totalDelta, lockedDelta)
	if err != nil {
		return fmt.Errorf("persistence: transfer: %w", err)
	}
	return nil
}

// PostgresColumnarStore backs ColumnarWriter with the same pool, writing
// into the `trades` and `candles` tables. It is kept separate from
// PostgresAdapter because candle/trade writes never participate in the
// per-command Begin/Commit transaction the Adapter interface governs —
// they are asynchronous by design.
type PostgresColumnarStore struct {
	pool *pgxpool.Pool
}

// NewPostgresColumnarStore shares an existing adapter's pool.
func NewPostgresColumnarStore(a *PostgresAdapter) *PostgresColumnarStore {
	return &PostgresColumnarStore{pool: a.pool}
}

func (s *PostgresColumnarStore) AppendTrade(ctx context.Context, trade domain.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, market_id, buyer_address, seller_address, buyer_order_id,
			seller_order_id, price, size, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		trade.ID, trade.MarketID, trade.Buyer, trade.Seller, trade.BuyerOrderID,
		trade.SellerOrderID, trade.Price, trade.Size, trade.Timestamp)
	if err != nil {
		return fmt.Errorf("persistence: append trade: %w", err)
	}
	return nil
}

func (s *PostgresColumnarStore) UpsertCandle(ctx context.Context, candle Candle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO candles (market_id, bucket_start, bucket_seconds, open_price, high_price,
			low_price, close_price, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market_id, bucket_start, bucket_seconds) DO UPDATE SET
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			close_price = EXCLUDED.close_price,
			volume = EXCLUDED.volume`,
		candle.MarketID, candle.Open, int(candle.BucketSize.Seconds()), candle.OpenPrice,
		candle.HighPrice, candle.LowPrice, candle.ClosePrice, candle.Volume)
	if err != nil {
		return fmt.Errorf("persistence: upsert candle: %w", err)
	}
	return nil
}
