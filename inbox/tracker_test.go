package inbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
	"github.com/glimte/mmate-dispatch/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type paymentReceived struct {
	contracts.EventMessage
	PaymentID string `json:"paymentId"`
}

func (paymentReceived) MessageType() string { return "payments.PaymentReceived" }

type receiptIssued struct {
	contracts.EventMessage
	PaymentID string `json:"paymentId"`
}

func (receiptIssued) MessageType() string { return "payments.ReceiptIssued" }

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) IncrementErrorCount(messageType string, errorType string) {
	m.Called(messageType, errorType)
}

func newEnvelope(t *testing.T) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(paymentReceived{PaymentID: "p-1"})
	require.NoError(t, err)
	return env
}

func TestProcessOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate delivery runs the handler once", func(t *testing.T) {
		store := memstore.New()
		observer := &mockObserver{}
		observer.On("IncrementErrorCount", "payments.PaymentReceived", "duplicate_suppressed").Once()
		tracker := inbox.NewTracker(store, inbox.WithDuplicateObserver(observer))
		env := newEnvelope(t)

		calls := 0
		handler := func(ctx context.Context, tx inbox.Tx) error {
			calls++
			return tx.(*memstore.Tx).Put("payments", "p-1", "received")
		}

		require.NoError(t, tracker.ProcessOnce(ctx, env, "billing", handler))
		require.NoError(t, tracker.ProcessOnce(ctx, env.Redelivered(), "billing", handler))

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, store.InboxEntries())
		observer.AssertExpectations(t)
	})

	t.Run("different consumers process independently", func(t *testing.T) {
		store := memstore.New()
		tracker := inbox.NewTracker(store)
		env := newEnvelope(t)

		calls := 0
		handler := func(context.Context, inbox.Tx) error {
			calls++
			return nil
		}

		require.NoError(t, tracker.ProcessOnce(ctx, env, "billing", handler))
		require.NoError(t, tracker.ProcessOnce(ctx, env, "shipping", handler))
		assert.Equal(t, 2, calls)
	})

	t.Run("handler failure leaves no record and allows a retry", func(t *testing.T) {
		store := memstore.New()
		tracker := inbox.NewTracker(store)
		env := newEnvelope(t)
		boom := errors.New("downstream unavailable")

		err := tracker.ProcessOnce(ctx, env, "billing", func(ctx context.Context, tx inbox.Tx) error {
			_ = tx.(*memstore.Tx).Put("payments", "p-1", "half done")
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, store.InboxEntries())
		assert.Equal(t, 0, store.Count("payments"))

		processed, err := tracker.Processed(ctx, env.ID, "billing")
		require.NoError(t, err)
		assert.False(t, processed)

		require.NoError(t, tracker.ProcessOnce(ctx, env, "billing", func(context.Context, inbox.Tx) error { return nil }))
		assert.Equal(t, 1, store.InboxEntries())
	})

	t.Run("outbox writes inside the handler commit with the inbox record", func(t *testing.T) {
		store := memstore.New()
		tracker := inbox.NewTracker(store)
		writer := outbox.NewWriter(store)
		env := newEnvelope(t)

		err := tracker.ProcessOnce(ctx, env, "billing", func(ctx context.Context, tx inbox.Tx) error {
			_, ok := storage.TxFromContext(ctx)
			require.True(t, ok)
			return writer.SaveWithOutbox(ctx, nil, receiptIssued{PaymentID: "p-1"})
		})
		require.NoError(t, err)
		assert.Len(t, store.Entries(), 1)
		assert.Equal(t, 1, store.InboxEntries())
	})

	t.Run("commit failure is a persistence error and nothing is recorded", func(t *testing.T) {
		store := memstore.New(memstore.WithCommitHook(func(*memstore.Tx) error { return errors.New("disk full") }))
		tracker := inbox.NewTracker(store)

		err := tracker.ProcessOnce(ctx, newEnvelope(t), "billing", func(context.Context, inbox.Tx) error { return nil })
		assert.True(t, contracts.IsPersistenceError(err))
		assert.Equal(t, 0, store.InboxEntries())
	})

	t.Run("concurrent duplicates are suppressed", func(t *testing.T) {
		store := memstore.New()
		tracker := inbox.NewTracker(store)
		env := newEnvelope(t)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := tracker.ProcessOnce(ctx, env, "billing", func(ctx context.Context, tx inbox.Tx) error {
					return tx.(*memstore.Tx).Put("payments", "p-1", "received")
				})
				assert.NoError(t, err)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, store.InboxEntries())
		assert.Equal(t, 1, store.Count("payments"))
	})

	t.Run("rejects envelopes without id and empty consumer", func(t *testing.T) {
		tracker := inbox.NewTracker(memstore.New())
		noop := func(context.Context, inbox.Tx) error { return nil }
		assert.Error(t, tracker.ProcessOnce(ctx, &contracts.Envelope{}, "billing", noop))
		assert.Error(t, tracker.ProcessOnce(ctx, newEnvelope(t), "", noop))
	})
}
