// Package persistence defines the write-behind boundary between the
// engine loop and the external relational/columnar stores of markets,
// users, balances, orders, and trades. Those stores are external
// collaborators; this package only owns the Adapter interface, the
// transaction discipline the engine depends on, and a couple of concrete
// implementations: an in-memory one used by the engine's own tests, and
// a Postgres-backed one (via github.com/jackc/pgx/v5) that exercises the
// real wire protocol against a relational schema.
package persistence

import (
	"context"

	"fenrir/internal/domain"
)

// Tx is an opaque handle to one durable transaction spanning every
// balance/order/trade mutation caused by a single EngineCommand.
type Tx interface{}

// Adapter is everything the engine loop needs from durable storage.
// Every PlaceOrder/CancelOrder/CancelAll command executes its mutations
// within exactly one Begin/Commit (or Rollback on failure) pair.
type Adapter interface {
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error

	InsertOrder(ctx context.Context, tx Tx, order domain.Order) error
	UpdateOrderState(ctx context.Context, tx Tx, order domain.Order) error
	InsertTrade(ctx context.Context, tx Tx, trade domain.Trade) error

	GetBalance(ctx context.Context, tx Tx, user, token string) (domain.Balance, error)
	// LockBalance increases Locked by amount. It fails with
	// *ErrInsufficientBalance if that would push Locked above Total.
	LockBalance(ctx context.Context, tx Tx, user, token string, amount uint64) error
	// UnlockBalance decreases Locked by amount (releasing a reservation
	// without moving Total).
	UnlockBalance(ctx context.Context, tx Tx, user, token string, amount uint64) error
	// Transfer applies a fill's atomic custody change: totalDelta adjusts
	// Total, lockedDelta adjusts Locked. Both may be negative (debit) or
	// positive (credit); the two together keep the locked<=total invariant.
	Transfer(ctx context.Context, tx Tx, user, token string, totalDelta, lockedDelta int64) error
}

// ErrInsufficientBalance is the sentinel LockBalance returns when the
// requested amount would exceed available collateral.
type ErrInsufficientBalance struct {
	User, Token string
	Required    uint64
}

func (e *ErrInsufficientBalance) Error() string {
	return "persistence: insufficient balance for " + e.User + "/" + e.Token
}
