package db

import (
	"context"
	"sync"
)

type memTxKey struct{}

type memTx struct {
	onCommit   []func()
	onRollback []func()
}

// MemTxRunner gives in-memory stores the same unit-of-work shape as Postgres.
// Outer transactions run one at a time; writes are staged with OnCommit and
// undone with OnRollback.
type MemTxRunner struct {
	mu sync.Mutex
}

func NewMemTxRunner() *MemTxRunner {
	return &MemTxRunner{}
}

func (r *MemTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	parent, nested := ctx.Value(memTxKey{}).(*memTx)
	if !nested {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		tx.rollback()
		return err
	}

	if nested {
		parent.onCommit = append(parent.onCommit, tx.onCommit...)
		parent.onRollback = append(parent.onRollback, tx.onRollback...)
		return nil
	}

	for _, f := range tx.onCommit {
		f()
	}
	return nil
}

func (tx *memTx) rollback() {
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		tx.onRollback[i]()
	}
}

// OnCommit defers f until the outermost transaction on ctx commits. Without a
// transaction f runs immediately.
func OnCommit(ctx context.Context, f func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.onCommit = append(tx.onCommit, f)
		return
	}
	f()
}

// OnRollback registers f to undo an eager write if the transaction on ctx fails.
func OnRollback(ctx context.Context, f func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.onRollback = append(tx.onRollback, f)
	}
}
