package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type paymentCaptured struct {
	contracts.EventMessage
	PaymentID string `json:"paymentId"`
}

func (paymentCaptured) MessageType() string { return "payments.PaymentCaptured" }

type paymentRow struct {
	ID     string `gorm:"column:id;primaryKey"`
	Amount int    `gorm:"column:amount"`
}

func (paymentRow) TableName() string { return "mmate_test_payments" }

// openTestStore needs a Postgres reachable through MMATE_TEST_POSTGRES_DSN
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MMATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MMATE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.DB().AutoMigrate(&paymentRow{}))
	require.NoError(t, store.DB().Exec("TRUNCATE mmate_outbox, mmate_inbox, mmate_test_payments").Error)
	return store
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestModelMapping(t *testing.T) {
	sent := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := outboxModelFromEntry(outbox.Entry{
		ID:            "e1",
		Destination:   "payments",
		MessageType:   "payments.PaymentCaptured",
		Payload:       []byte(`{}`),
		Status:        outbox.StatusSent,
		CreatedAt:     sent,
		NextAttemptAt: sent,
	})
	assert.Equal(t, string(outbox.StatusPending), m.Status)
	assert.Nil(t, m.SentAt)

	m.SentAt = &sent
	e := m.toEntry()
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.True(t, e.SentAt.Equal(sent))
}

func TestStorePostgres(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	t.Run("state and outbox commit together", func(t *testing.T) {
		writer := outbox.NewWriter(store)
		id := uuid.NewString()

		err := writer.SaveWithOutbox(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.(*Tx).DB().Create(&paymentRow{ID: id, Amount: 10}).Error
		}, paymentCaptured{PaymentID: id})
		require.NoError(t, err)

		pending, err := store.Pending(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "payments.PaymentCaptured", pending[0].Destination)

		require.NoError(t, store.MarkSent(ctx, pending[0].ID, 1, time.Now()))
		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, 1, stats.Sent)
	})

	t.Run("inbox suppresses duplicates", func(t *testing.T) {
		tracker := inbox.NewTracker(store)
		env, err := contracts.NewEnvelope(paymentCaptured{PaymentID: "p-2"})
		require.NoError(t, err)

		runs := 0
		handler := func(ctx context.Context, tx inbox.Tx) error {
			runs++
			return tx.(*Tx).DB().Create(&paymentRow{ID: "p-2", Amount: 5}).Error
		}
		require.NoError(t, tracker.ProcessOnce(ctx, env, "ledger", handler))
		require.NoError(t, tracker.ProcessOnce(ctx, env, "ledger", handler))
		assert.Equal(t, 1, runs)

		var count int64
		require.NoError(t, store.DB().Model(&paymentRow{}).Where("id = ?", "p-2").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("failed state change leaves nothing", func(t *testing.T) {
		writer := outbox.NewWriter(store)
		before, err := store.Stats(ctx)
		require.NoError(t, err)

		err = writer.SaveWithOutbox(ctx, func(ctx context.Context, tx storage.Tx) error {
			return gorm.ErrInvalidData
		}, paymentCaptured{PaymentID: "p-3"})
		assert.True(t, contracts.IsPersistenceError(err))

		after, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Pending, after.Pending)
	})
}
