package persistence

import (
	"context"
	"sync"

	"fenrir/internal/domain"
)

// memTx is the in-memory adapter's transaction handle: a staged copy of
// every balance it has touched, applied to the real store atomically on
// Commit and discarded on Rollback. Order/trade writes are staged the
// same way so a failed command leaves no trace behind.
type memTx struct {
	balances map[balanceKey]domain.Balance
	orders   []domain.Order
	trades   []domain.Trade
}

type balanceKey struct{ user, token string }

// MemoryAdapter is a durable-enough, in-process Adapter implementation
// used by the engine's own tests and as the default store for a
// single-process deployment: a guarded map mutated only under its own
// lock.
type MemoryAdapter struct {
	mu       sync.Mutex
	balances map[balanceKey]domain.Balance
	orders   map[string]domain.Order
	trades   []domain.Trade
}

// NewMemoryAdapter constructs an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		balances: make(map[balanceKey]domain.Balance),
		orders:   make(map[string]domain.Order),
	}
}

// Deposit seeds a balance outside of any transaction; used by tests and
// by process bootstrap to fund initial user balances.
func (a *MemoryAdapter) Deposit(user, token string, amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := balanceKey{user, token}
	b := a.balances[key]
	b.User, b.Token = user, token
	b.Total += amount
	a.balances[key] = b
}

func (a *MemoryAdapter) Begin(ctx context.Context) (Tx, error) {
	return &memTx{balances: make(map[balanceKey]domain.Balance)}, nil
}

func (a *MemoryAdapter) Commit(ctx context.Context, tx Tx) error {
	t := tx.(*memTx)
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range t.balances {
		a.balances[k] = v
	}
	for _, o := range t.orders {
		a.orders[o.ID] = o
	}
	a.trades = append(a.trades, t.trades...)
	return nil
}

func (a *MemoryAdapter) Rollback(ctx context.Context, tx Tx) error {
	// Staged mutations live only in memTx; dropping it is enough.
	return nil
}

func (a *MemoryAdapter) InsertOrder(ctx context.Context, tx Tx, order domain.Order) error {
	t := tx.(*memTx)
	t.orders = append(t.orders, order)
	return nil
}

func (a *MemoryAdapter) UpdateOrderState(ctx context.Context, tx Tx, order domain.Order) error {
	t := tx.(*memTx)
	t.orders = append(t.orders, order)
	return nil
}

func (a *MemoryAdapter) InsertTrade(ctx context.Context, tx Tx, trade domain.Trade) error {
	t := tx.(*memTx)
	t.trades = append(t.trades, trade)
	return nil
}

// staged returns the transaction's working copy of a balance, seeding it
// from the committed store on first touch.
func (a *MemoryAdapter) staged(t *memTx, user, token string) domain.Balance {
	key := balanceKey{user, token}
	if b, ok := t.balances[key]; ok {
		return b
	}
	a.mu.Lock()
	b := a.balances[key]
	a.mu.Unlock()
	if b.User == "" {
		b.User, b.Token = user, token
	}
	t.balances[key] = b
	return b
}

func (a *MemoryAdapter) GetBalance(ctx context.Context, tx Tx, user, token string) (domain.Balance, error) {
	t := tx.(*memTx)
	return a.staged(t, user, token), nil
}

func (a *MemoryAdapter) LockBalance(ctx context.Context, tx Tx, user, token string, amount uint64) error {
	t := tx.(*memTx)
	b := a.staged(t, user, token)
	if b.Available() < amount {
		return &ErrInsufficientBalance{User: user, Token: token, Required: amount}
	}
	b.Locked += amount
	t.balances[balanceKey{user, token}] = b
	return nil
}

func (a *MemoryAdapter) UnlockBalance(ctx context.Context, tx Tx, user, token string, amount uint64) error {
	t := tx.(*memTx)
	b := a.staged(t, user, token)
	if amount > b.Locked {
		amount = b.Locked
	}
	b.Locked -= amount
	t.balances[balanceKey{user, token}] = b
	return nil
}

func (a *MemoryAdapter) Transfer(ctx context.Context, tx Tx, user, token string, totalDelta, lockedDelta int64) error {
	t := tx.(*memTx)
	b := a.staged(t, user, token)
	b.Total = addDelta(b.Total, totalDelta)
	b.Locked = addDelta(b.Locked, lockedDelta)
	t.balances[balanceKey{user, token}] = b
	return nil
}

func addDelta(v uint64, delta int64) uint64 {
	if delta < 0 {
		d := uint64(-delta)
		if d > v {
			return 0
		}
		return v - d
	}
	return v + uint64(delta)
}
