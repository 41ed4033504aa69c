package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/storage"
)

// DuplicateObserver is told about suppressed duplicates
type DuplicateObserver interface {
	IncrementErrorCount(messageType string, errorType string)
}

// Tracker deduplicates deliveries
type Tracker struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	observer DuplicateObserver
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock sets the time source for ProcessedAt
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithDuplicateObserver counts suppressed duplicates, e.g. with a metrics collector
func WithDuplicateObserver(o DuplicateObserver) Option {
	return func(t *Tracker) {
		t.observer = o
	}
}

// NewTracker creates a Tracker
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// ProcessOnce runs handler unless consumer already processed env.
//
// The handler runs inside a transaction that is also the ambient transaction of ctx, so outbox
// writes made by the handler commit together with the inbox record. A handler error rolls back and
// leaves no record. A duplicate found before or during commit is success without side effects.
// Storage failures are returned as *contracts.PersistenceError.
func (t *Tracker) ProcessOnce(ctx context.Context, env *contracts.Envelope, consumer string, handler Handler) error {
	if env == nil || env.ID == "" {
		return fmt.Errorf("envelope must have an id")
	}
	if consumer == "" {
		return fmt.Errorf("consumer name cannot be empty")
	}

	processed, err := t.store.Processed(ctx, env.ID, consumer)
	if err != nil {
		return &contracts.PersistenceError{Op: "inbox lookup", Err: err}
	}
	if processed {
		t.suppressed(env, consumer)
		return nil
	}

	tx, err := t.store.BeginTx(ctx)
	if err != nil {
		return &contracts.PersistenceError{Op: "begin", Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, storage.ErrTxDone) {
				t.logger.Warn("inbox rollback failed", "messageId", env.ID, "consumer", consumer, "error", rbErr)
			}
		}
	}()

	recorder, ok := tx.(Tx)
	if !ok {
		return &contracts.PersistenceError{Op: "record", Err: fmt.Errorf("transaction %T cannot hold inbox entries", tx)}
	}

	// claim first so a concurrent duplicate blocks on the same key instead of running side effects
	entry := Entry{EnvelopeID: env.ID, Consumer: consumer, ProcessedAt: t.now().UTC()}
	if err := recorder.RecordInbox(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			t.suppressed(env, consumer)
			return nil
		}
		return &contracts.PersistenceError{Op: "record", Err: err}
	}

	if err := handler(storage.ContextWithTx(ctx, recorder), recorder); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			t.suppressed(env, consumer)
			return nil
		}
		return &contracts.PersistenceError{Op: "commit", Err: err}
	}
	committed = true

	t.logger.Debug("inbox recorded", "messageId", env.ID, "messageType", env.Type, "consumer", consumer)
	return nil
}

// Processed reports whether consumer already processed the envelope
func (t *Tracker) Processed(ctx context.Context, envelopeID, consumer string) (bool, error) {
	return t.store.Processed(ctx, envelopeID, consumer)
}

func (t *Tracker) suppressed(env *contracts.Envelope, consumer string) {
	t.logger.Debug("duplicate delivery suppressed",
		"messageId", env.ID,
		"messageType", env.Type,
		"consumer", consumer,
		"reason", contracts.ErrDuplicateSuppressed,
	)
	if t.observer != nil {
		t.observer.IncrementErrorCount(env.Type, "duplicate_suppressed")
	}
}
