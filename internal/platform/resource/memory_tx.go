package resource

import (
	"context"
	"sync"
)

type memTxKey struct{}

type memTx struct {
	undo   []func()
	commit []func()
}

// MemoryTxRunner is the TxRunner for in-memory stores. Transactions are
// serialized and rolled back by replaying the undo log registered through
// OnRollback.
//
// Isolation is read-uncommitted: stores apply writes immediately, so a reader
// outside the transaction can see a version that is later rolled back (for
// instance a Subscription whose index entry was never written). That is
// acceptable for tests and STORAGE=memory, not for production.
type MemoryTxRunner struct {
	mu sync.Mutex
}

// NewMemoryTxRunner creates a MemoryTxRunner.
func NewMemoryTxRunner() *MemoryTxRunner {
	return &MemoryTxRunner{}
}

// InTx runs fn in a new transaction, or in the caller's when ctx already
// carries one.
func (r *MemoryTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	for _, f := range tx.commit {
		f()
	}
	return nil
}

// OnRollback registers fn to run if the transaction in ctx rolls back. It is
// a no-op outside a transaction.
func OnRollback(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, fn)
	}
}

// OnCommit registers fn to run once the transaction in ctx has committed.
// Outside a transaction fn runs immediately.
func OnCommit(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.commit = append(tx.commit, fn)
		return
	}
	fn()
}
