package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(messageType string) {
	m.Called(messageType)
}

func (m *mockMetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	m.Called(messageType, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	m.Called(messageType, errorType)
}

type fakeTx struct {
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed {
		return storage.ErrTxDone
	}
	tx.rolledBack = true
	return nil
}

func TestMetrics(t *testing.T) {
	t.Run("counts and times successful messages", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "test.Command").Once()
		collector.On("RecordProcessingTime", "test.Command", mock.AnythingOfType("time.Duration")).Once()

		chain := NewChain(nil, NewMetrics(collector))
		_, err := chain.Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			return nil, nil
		})

		require.NoError(t, err)
		collector.AssertExpectations(t)
	})

	t.Run("classifies failures", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "test.Command").Once()
		collector.On("RecordProcessingTime", "test.Command", mock.AnythingOfType("time.Duration")).Once()
		collector.On("IncrementErrorCount", "test.Command", "handler_error").Once()

		chain := NewChain(nil, NewMetrics(collector))
		_, err := chain.Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			return nil, &contracts.HandlerError{MessageType: env.Type, Err: errors.New("nope")}
		})

		require.Error(t, err)
		collector.AssertExpectations(t)
	})
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "routing_error", ErrorType(&contracts.RoutingError{Err: contracts.ErrNoHandler}))
	assert.Equal(t, "persistence_error", ErrorType(&contracts.PersistenceError{Op: "commit", Err: errors.New("x")}))
	assert.Equal(t, "transport_error", ErrorType(&contracts.TransportError{Err: errors.New("x")}))
	assert.Equal(t, "timeout", ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "processing_error", ErrorType(errors.New("x")))
}

func TestTimeout(t *testing.T) {
	t.Run("handler sees a deadline", func(t *testing.T) {
		chain := NewChain(nil, NewTimeout(time.Second))
		_, err := chain.Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil, nil
		})
		require.NoError(t, err)
	})

	t.Run("late completion is a failure", func(t *testing.T) {
		chain := NewChain(nil, NewTimeout(10*time.Millisecond))
		_, err := chain.Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			<-ctx.Done()
			return "too late", nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestTransaction(t *testing.T) {
	t.Run("commits after success and exposes ambient tx", func(t *testing.T) {
		tx := &fakeTx{}
		mw := NewTransaction(storage.BeginnerFunc(func(context.Context) (storage.Tx, error) { return tx, nil }), nil)

		_, err := NewChain(nil, mw).Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			ambient, ok := storage.TxFromContext(ctx)
			require.True(t, ok)
			assert.Same(t, tx, ambient)
			return nil, nil
		})

		require.NoError(t, err)
		assert.True(t, tx.committed)
		assert.False(t, tx.rolledBack)
	})

	t.Run("rolls back on handler failure", func(t *testing.T) {
		tx := &fakeTx{}
		mw := NewTransaction(storage.BeginnerFunc(func(context.Context) (storage.Tx, error) { return tx, nil }), nil)

		_, err := NewChain(nil, mw).Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			return nil, errors.New("business rule violated")
		})

		require.Error(t, err)
		assert.False(t, tx.committed)
		assert.True(t, tx.rolledBack)
	})

	t.Run("commit failure is a persistence error seen by outer middlewares", func(t *testing.T) {
		rec := &recorder{}
		tx := &fakeTx{commitErr: errors.New("disk full")}
		mw := NewTransaction(storage.BeginnerFunc(func(context.Context) (storage.Tx, error) { return tx, nil }), nil)

		_, err := NewChain(nil, &recordingMiddleware{name: "Outer", rec: rec}, mw).Execute(context.Background(), newTestEnvelope(t),
			func(ctx context.Context, env *contracts.Envelope) (any, error) { return "ok", nil })

		assert.True(t, contracts.IsPersistenceError(err))
		assert.Equal(t, []string{"Outer.before", "Outer.onError", "Outer.finally"}, rec.get())
	})

	t.Run("begin failure skips the handler", func(t *testing.T) {
		mw := NewTransaction(storage.BeginnerFunc(func(context.Context) (storage.Tx, error) {
			return nil, errors.New("store unavailable")
		}), nil)

		called := false
		_, err := NewChain(nil, mw).Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			called = true
			return nil, nil
		})

		assert.True(t, contracts.IsPersistenceError(err))
		assert.False(t, called)
	})

	t.Run("joins an existing ambient transaction without committing it", func(t *testing.T) {
		outer := &fakeTx{}
		began := false
		mw := NewTransaction(storage.BeginnerFunc(func(context.Context) (storage.Tx, error) {
			began = true
			return &fakeTx{}, nil
		}), nil)

		ctx := storage.ContextWithTx(context.Background(), outer)
		_, err := NewChain(nil, mw).Execute(ctx, newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			ambient, _ := storage.TxFromContext(ctx)
			assert.Same(t, outer, ambient)
			return nil, nil
		})

		require.NoError(t, err)
		assert.False(t, began)
		assert.False(t, outer.committed)
	})
}

func TestLogging(t *testing.T) {
	chain := NewChain(nil, NewLogging(nil))
	result, err := chain.Execute(context.Background(), newTestEnvelope(t), func(ctx context.Context, env *contracts.Envelope) (any, error) {
		return "logged", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "logged", result)
}
