package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Beginner starts a transaction. *pgxpool.Pool, *pgxpool.Conn and pgx.Tx all satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConnFromContext retrieves a request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction and returns a context carrying it. A transaction
// already present in ctx is reused as a savepoint so nested callers share the
// outer commit boundary.
func WithTx(ctx context.Context, b Beginner) (context.Context, pgx.Tx, error) {
	if outer := TxFromContext(ctx); outer != nil {
		b = outer
	} else if conn := ConnFromContext(ctx); conn != nil {
		b = conn
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Conn picks the most specific querier for ctx: the active transaction, then a
// request-scoped connection, then the fallback (usually the pool).
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return fallback
}

// TxRunner runs functions inside a PostgreSQL transaction.
type TxRunner struct {
	pool Beginner
}

// NewTxRunner creates a TxRunner backed by the given pool.
func NewTxRunner(pool Beginner) *TxRunner {
	return &TxRunner{pool: pool}
}

// InTx runs fn with a transaction-carrying context. The transaction commits
// when fn returns nil and rolls back otherwise.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := WithTx(ctx, r.pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
