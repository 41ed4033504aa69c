package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/serialization"
	"github.com/glimte/mmate-dispatch/storage"
)

// StateChange applies domain writes inside the outbox transaction. tx is the store's own
// transaction type; assert it to reach store-specific operations.
type StateChange func(ctx context.Context, tx storage.Tx) error

// Notifier is told when new entries have been committed
type Notifier interface {
	Notify()
}

// Writer records outbound envelopes atomically with domain state changes
type Writer struct {
	store       Store
	codec       serialization.Codec
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	destination func(env *contracts.Envelope) string
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithWriterCodec sets the envelope codec used for payloads. Default is JSON.
func WithWriterCodec(codec serialization.Codec) WriterOption {
	return func(w *Writer) {
		w.codec = codec
	}
}

// WithNotifier wakes a relay after every commit that added entries
func WithNotifier(n Notifier) WriterOption {
	return func(w *Writer) {
		w.notifier = n
	}
}

// WithWriterLogger sets the logger
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithWriterClock sets the time source for entry timestamps
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

// WithDestinationResolver picks the destination of envelopes that carry none.
// The default routes each message type to a destination named after its type tag.
func WithDestinationResolver(fn func(env *contracts.Envelope) string) WriterOption {
	return func(w *Writer) {
		w.destination = fn
	}
}

// NewWriter creates a Writer
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:  store,
		codec:  serialization.NewJSONCodec(),
		logger: slog.Default(),
		now:    time.Now,
		destination: func(env *contracts.Envelope) string {
			return env.Type
		},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// SaveWithOutbox applies change and records one entry per event in a single transaction.
//
// When ctx carries an ambient transaction the writer joins it and leaves commit to its owner.
// Otherwise it begins, commits or rolls back its own. Any failure is a *contracts.PersistenceError
// and the caller must assume nothing was written.
func (w *Writer) SaveWithOutbox(ctx context.Context, change StateChange, events ...contracts.Message) error {
	envs := make([]*contracts.Envelope, 0, len(events))
	for _, event := range events {
		env, err := contracts.NewEnvelope(event)
		if err != nil {
			return &contracts.PersistenceError{Op: "encode", Err: err}
		}
		envs = append(envs, env)
	}
	return w.Write(ctx, change, envs...)
}

// Enqueue records a single envelope for relay. It lets Dispatcher.Send go through the outbox.
func (w *Writer) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	return w.Write(ctx, nil, env)
}

// Write is SaveWithOutbox for prepared envelopes. change may be nil.
func (w *Writer) Write(ctx context.Context, change StateChange, envs ...*contracts.Envelope) error {
	entries, err := w.entries(envs)
	if err != nil {
		return &contracts.PersistenceError{Op: "encode", Err: err}
	}

	if tx, ok := storage.TxFromContext(ctx); ok {
		if err := w.apply(ctx, tx, change, entries); err != nil {
			return err
		}
		if len(entries) > 0 && w.notifier != nil {
			storage.AfterCommit(tx, w.notifier.Notify)
		}
		w.logger.Debug("outbox entries joined ambient transaction", "entries", len(entries))
		return nil
	}

	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return &contracts.PersistenceError{Op: "begin", Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := w.apply(storage.ContextWithTx(ctx, tx), tx, change, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &contracts.PersistenceError{Op: "commit", Err: err}
	}
	committed = true

	w.logger.Debug("outbox entries committed", "entries", len(entries))
	if len(entries) > 0 && w.notifier != nil {
		w.notifier.Notify()
	}
	return nil
}

func (w *Writer) apply(ctx context.Context, tx storage.Tx, change StateChange, entries []Entry) error {
	if change != nil {
		if err := change(ctx, tx); err != nil {
			return &contracts.PersistenceError{Op: "apply", Err: err}
		}
	}

	if len(entries) == 0 {
		return nil
	}

	appender, ok := tx.(Appender)
	if !ok {
		return &contracts.PersistenceError{Op: "append", Err: fmt.Errorf("transaction %T cannot hold outbox entries", tx)}
	}
	if err := appender.AppendOutbox(ctx, entries...); err != nil {
		return &contracts.PersistenceError{Op: "append", Err: err}
	}
	return nil
}

func (w *Writer) entries(envs []*contracts.Envelope) ([]Entry, error) {
	now := w.now().UTC()
	entries := make([]Entry, 0, len(envs))
	for i, env := range envs {
		if env == nil {
			return nil, fmt.Errorf("envelope %d is nil", i)
		}

		destination := env.Destination
		if destination == "" {
			destination = w.destination(env)
			env = withDestination(env, destination)
		}

		payload, err := w.codec.Encode(env)
		if err != nil {
			return nil, err
		}

		// entries written together keep their order under created_at sorting
		createdAt := now.Add(time.Duration(i) * time.Microsecond)
		entries = append(entries, Entry{
			ID:            env.ID,
			Destination:   destination,
			MessageType:   env.Type,
			Payload:       payload,
			Status:        StatusPending,
			CreatedAt:     createdAt,
			NextAttemptAt: now,
		})
	}
	return entries, nil
}

func withDestination(env *contracts.Envelope, destination string) *contracts.Envelope {
	cp := env.WithAttempt(env.Attempt)
	cp.Destination = destination
	return cp
}
