// Package storage defines the transaction contract shared by the outbox writer, the inbox tracker
// and the transaction middleware. Concrete stores live under store/.
package storage

import (
	"context"
	"errors"
)

// ErrTxDone is returned when a transaction is used after Commit or Rollback
var ErrTxDone = errors.New("storage: transaction already committed or rolled back")

// Tx is an atomic multi-write unit of work
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions
type Beginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// BeginnerFunc adapts a function to Beginner
type BeginnerFunc func(ctx context.Context) (Tx, error)

// BeginTx implements Beginner
func (f BeginnerFunc) BeginTx(ctx context.Context) (Tx, error) {
	return f(ctx)
}

type ambientTxKey struct{}

// ContextWithTx returns a context carrying tx as the ambient transaction.
// Writers that find an ambient transaction join it instead of starting their own,
// and leave commit and rollback to its owner.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, ambientTxKey{}, tx)
}

// TxFromContext returns the ambient transaction, if any
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(ambientTxKey{}).(Tx)
	return tx, ok && tx != nil
}

// WithoutTx returns a context that hides any ambient transaction
func WithoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, ambientTxKey{}, nil)
}

// RunInTx begins a transaction, runs fn and commits. fn's error or a panic rolls back.
func RunInTx(ctx context.Context, b Beginner, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
			err = errors.Join(err, rbErr)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// CommitObserver is implemented by transactions that run callbacks after a successful commit
type CommitObserver interface {
	OnCommit(fn func())
}

// AfterCommit schedules fn to run once tx commits. It reports false when tx cannot observe commits.
func AfterCommit(tx Tx, fn func()) bool {
	observer, ok := tx.(CommitObserver)
	if !ok {
		return false
	}
	observer.OnCommit(fn)
	return true
}
