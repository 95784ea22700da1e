package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DBTxKey contextKey = "db_tx"
	unitKey contextKey = "db_unit"
)

// Transactor runs fn as one unit of work. A call made while a unit is already
// open on ctx joins it instead of starting a new one.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// unit collects the callbacks registered with AfterCommit and OnRollback.
type unit struct {
	mu    sync.Mutex
	hooks []func(context.Context)
	undo  []func()
}

func (u *unit) add(fn func(context.Context)) {
	u.mu.Lock()
	u.hooks = append(u.hooks, fn)
	u.mu.Unlock()
}

func (u *unit) run(ctx context.Context) {
	u.mu.Lock()
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

// rollback reverts registered writes, newest first, and drops the hooks.
func (u *unit) rollback() {
	u.mu.Lock()
	undo := u.undo
	u.undo, u.hooks = nil, nil
	u.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func unitFromContext(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey).(*unit)
	return u
}

// InUnit reports whether ctx carries an open unit of work.
func InUnit(ctx context.Context) bool {
	return unitFromContext(ctx) != nil
}

// AfterCommit defers fn until the unit of work on ctx commits. Hooks are
// dropped on rollback. Without an open unit fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if u := unitFromContext(ctx); u != nil {
		u.add(fn)
		return
	}
	fn(ctx)
}

// OnRollback registers fn to revert an in-memory write if the unit of work on
// ctx fails. Without an open unit the write stands and fn is discarded.
// PGTransactor ignores these; the database rolls back on its own.
func OnRollback(ctx context.Context, fn func()) {
	u := unitFromContext(ctx)
	if u == nil {
		return
	}
	u.mu.Lock()
	u.undo = append(u.undo, fn)
	u.mu.Unlock()
}

// TxFromContext retrieves the open transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant-scoped connection and returns a
// context carrying it. The caller commits or rolls back.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// PGTransactor opens pgx transactions, preferring the tenant connection
// attached by TenantMiddleware so that search_path applies.
type PGTransactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *PGTransactor {
	return &PGTransactor{pool: pool}
}

func (t *PGTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = t.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	u := &unit{}
	txCtx := context.WithValue(ctx, DBTxKey, tx)
	txCtx = context.WithValue(txCtx, unitKey, u)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	u.run(ctx)
	return nil
}

// LocalTransactor provides unit-of-work semantics for the in-memory stores.
// Their writes register undo steps with OnRollback; a failed unit replays them
// in reverse. Isolation comes from the keyed locks the caller holds, so only
// records under those keys may be written inside a unit.
type LocalTransactor struct{}

func (LocalTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnit(ctx) {
		return fn(ctx)
	}
	u := &unit{}
	if err := fn(context.WithValue(ctx, unitKey, u)); err != nil {
		u.rollback()
		return err
	}
	u.run(ctx)
	return nil
}
