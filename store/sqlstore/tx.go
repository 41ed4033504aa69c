package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
)

// Tx wraps a *sql.Tx. Domain code runs its own statements through it.
type Tx struct {
	tx    *sql.Tx
	store *Store

	mu       sync.Mutex
	onCommit []func()
}

// SQL returns the underlying transaction
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// ExecContext runs a statement in the transaction. Placeholders are rebound for the dialect.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.dialect.rebind(query), args...)
}

// QueryContext runs a query in the transaction. Placeholders are rebound for the dialect.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.store.dialect.rebind(query), args...)
}

// QueryRowContext runs a single-row query in the transaction
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.dialect.rebind(query), args...)
}

// AppendOutbox implements outbox.Appender
func (t *Tx) AppendOutbox(ctx context.Context, entries ...outbox.Entry) error {
	query := t.store.dialect.rebind(fmt.Sprintf(`INSERT INTO %s
		(id, destination, message_type, payload, status, attempts, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, t.store.outboxTable))

	for _, e := range entries {
		if _, err := t.tx.ExecContext(ctx, query,
			e.ID, e.Destination, e.MessageType, e.Payload, string(outbox.StatusPending), e.Attempts,
			micros(e.CreatedAt), micros(e.NextAttemptAt)); err != nil {
			return fmt.Errorf("insert outbox entry %s: %w", e.ID, mapTxErr(err))
		}
	}
	return nil
}

// RecordInbox implements inbox.Recorder. The insert takes the row lock, so a concurrent
// duplicate waits here and then fails with inbox.ErrAlreadyProcessed.
func (t *Tx) RecordInbox(ctx context.Context, entry inbox.Entry) error {
	query := t.store.dialect.rebind(fmt.Sprintf(
		`INSERT INTO %s (envelope_id, consumer, processed_at) VALUES (?, ?, ?)`, t.store.inboxTable))

	if _, err := t.tx.ExecContext(ctx, query, entry.EnvelopeID, entry.Consumer, micros(entry.ProcessedAt)); err != nil {
		if IsDuplicateKey(err) {
			return inbox.ErrAlreadyProcessed
		}
		return mapTxErr(err)
	}
	return nil
}

// OnCommit implements storage.CommitObserver
func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

// Commit implements storage.Tx
func (t *Tx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if IsDuplicateKey(err) {
			return inbox.ErrAlreadyProcessed
		}
		return mapTxErr(err)
	}

	t.mu.Lock()
	hooks := t.onCommit
	t.onCommit = nil
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback implements storage.Tx
func (t *Tx) Rollback(context.Context) error {
	return mapTxErr(t.tx.Rollback())
}

func mapTxErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return storage.ErrTxDone
	}
	return err
}

var (
	_ outbox.Tx              = (*Tx)(nil)
	_ inbox.Tx               = (*Tx)(nil)
	_ storage.CommitObserver = (*Tx)(nil)
)
