package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/storage"
)

type startedKey struct{ name string }

func withStarted(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, startedKey{name}, time.Now())
}

func elapsed(ctx context.Context, name string) time.Duration {
	if start, ok := ctx.Value(startedKey{name}).(time.Time); ok {
		return time.Since(start)
	}
	return 0
}

// Logging logs message processing
type Logging struct {
	Base
	logger *slog.Logger
}

// NewLogging creates a logging middleware
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}

	return &Logging{logger: logger}
}

// Name implements Middleware
func (m *Logging) Name() string {
	return "Logging"
}

// Before implements Middleware
func (m *Logging) Before(ctx context.Context, env *contracts.Envelope) (context.Context, error) {
	m.logger.Info("processing message",
		"messageId", env.ID,
		"messageType", env.Type,
		"kind", env.Kind.String(),
		"correlationId", env.CorrelationID,
		"attempt", env.Attempt,
	)
	return withStarted(ctx, m.Name()), nil
}

// After implements Middleware
func (m *Logging) After(ctx context.Context, env *contracts.Envelope, _ any) error {
	m.logger.Info("message processed successfully",
		"messageId", env.ID,
		"messageType", env.Type,
		"duration", elapsed(ctx, m.Name()),
	)
	return nil
}

// OnError implements Middleware
func (m *Logging) OnError(ctx context.Context, env *contracts.Envelope, err error) error {
	m.logger.Error("message processing failed",
		"messageId", env.ID,
		"messageType", env.Type,
		"duration", elapsed(ctx, m.Name()),
		"error", err,
	)
	return nil
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// Metrics feeds a MetricsCollector
type Metrics struct {
	Base
	collector MetricsCollector
}

// NewMetrics creates a metrics middleware
func NewMetrics(collector MetricsCollector) *Metrics {
	return &Metrics{collector: collector}
}

// Name implements Middleware
func (m *Metrics) Name() string {
	return "Metrics"
}

// Before implements Middleware
func (m *Metrics) Before(ctx context.Context, env *contracts.Envelope) (context.Context, error) {
	m.collector.IncrementMessageCount(env.Type)
	return withStarted(ctx, m.Name()), nil
}

// OnError implements Middleware
func (m *Metrics) OnError(_ context.Context, env *contracts.Envelope, err error) error {
	m.collector.IncrementErrorCount(env.Type, ErrorType(err))
	return nil
}

// Finally implements Middleware
func (m *Metrics) Finally(ctx context.Context, env *contracts.Envelope) error {
	m.collector.RecordProcessingTime(env.Type, elapsed(ctx, m.Name()))
	return nil
}

// ErrorType classifies err for metrics labels
func ErrorType(err error) string {
	var (
		re *contracts.RoutingError
		pe *contracts.PersistenceError
		te *contracts.TransportError
		he *contracts.HandlerError
	)
	switch {
	case errors.As(err, &re):
		return "routing_error"
	case errors.As(err, &pe):
		return "persistence_error"
	case errors.As(err, &te):
		return "transport_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &he):
		return "handler_error"
	default:
		return "processing_error"
	}
}

type cancelKey struct{ m *Timeout }

// Timeout bounds processing with a deadline. Handlers observe it through ctx; a handler that
// returns after the deadline is reported as failed.
type Timeout struct {
	Base
	timeout time.Duration
}

// NewTimeout creates a timeout middleware
func NewTimeout(timeout time.Duration) *Timeout {
	return &Timeout{timeout: timeout}
}

// Name implements Middleware
func (m *Timeout) Name() string {
	return "Timeout"
}

// Before implements Middleware
func (m *Timeout) Before(ctx context.Context, _ *contracts.Envelope) (context.Context, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	return context.WithValue(ctx, cancelKey{m}, cancel), nil
}

// After implements Middleware
func (m *Timeout) After(ctx context.Context, env *contracts.Envelope, _ any) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s exceeded timeout of %s: %w", env.Type, m.timeout, context.DeadlineExceeded)
	}
	return nil
}

// Finally implements Middleware
func (m *Timeout) Finally(ctx context.Context, _ *contracts.Envelope) error {
	if cancel, ok := ctx.Value(cancelKey{m}).(context.CancelFunc); ok {
		cancel()
	}
	return nil
}

type txStateKey struct{ m *Transaction }

type txState struct {
	tx    storage.Tx
	owned bool
}

// Transaction runs processing inside a storage transaction. The transaction is ambient in the
// context, so an outbox writer called by the handler joins it. It commits in After and rolls
// back in OnError. An ambient transaction that is already present is joined, not owned.
type Transaction struct {
	Base
	beginner storage.Beginner
	logger   *slog.Logger
}

// NewTransaction creates a transaction middleware
func NewTransaction(beginner storage.Beginner, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transaction{beginner: beginner, logger: logger}
}

// Name implements Middleware
func (m *Transaction) Name() string {
	return "Transaction"
}

// Before implements Middleware
func (m *Transaction) Before(ctx context.Context, env *contracts.Envelope) (context.Context, error) {
	if tx, ok := storage.TxFromContext(ctx); ok {
		return context.WithValue(ctx, txStateKey{m}, &txState{tx: tx}), nil
	}

	tx, err := m.beginner.BeginTx(ctx)
	if err != nil {
		return ctx, &contracts.PersistenceError{Op: "begin", Err: err}
	}

	m.logger.Debug("transaction started", "messageId", env.ID, "messageType", env.Type)
	ctx = storage.ContextWithTx(ctx, tx)
	return context.WithValue(ctx, txStateKey{m}, &txState{tx: tx, owned: true}), nil
}

// After implements Middleware
func (m *Transaction) After(ctx context.Context, env *contracts.Envelope, _ any) error {
	state := m.state(ctx)
	if state == nil || !state.owned {
		return nil
	}

	if err := state.tx.Commit(ctx); err != nil {
		if rbErr := state.tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, storage.ErrTxDone) {
			m.logger.Warn("rollback after failed commit failed", "messageId", env.ID, "error", rbErr)
		}
		return &contracts.PersistenceError{Op: "commit", Err: err}
	}

	m.logger.Debug("transaction committed", "messageId", env.ID, "messageType", env.Type)
	return nil
}

// OnError implements Middleware
func (m *Transaction) OnError(ctx context.Context, env *contracts.Envelope, cause error) error {
	state := m.state(ctx)
	if state == nil || !state.owned {
		return nil
	}

	if err := state.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, storage.ErrTxDone) {
		return fmt.Errorf("rollback failed: %w", err)
	}

	m.logger.Debug("transaction rolled back",
		"messageId", env.ID,
		"messageType", env.Type,
		"cause", cause,
	)
	return nil
}

func (m *Transaction) state(ctx context.Context) *txState {
	state, _ := ctx.Value(txStateKey{m}).(*txState)
	return state
}
