package redisstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheInvalidated struct {
	contracts.EventMessage
	Key string `json:"key"`
}

func (cacheInvalidated) MessageType() string { return "cache.Invalidated" }

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func TestTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("records and side effects commit together", func(t *testing.T) {
		store, mr := newTestStore(t)
		tracker := inbox.NewTracker(store)
		env, err := contracts.NewEnvelope(cacheInvalidated{Key: "product:1"})
		require.NoError(t, err)

		runs := 0
		handler := func(_ context.Context, tx inbox.Tx) error {
			runs++
			return tx.(*Tx).Set("product:1", map[string]int{"stock": 4}, 0)
		}
		require.NoError(t, tracker.ProcessOnce(ctx, env, "catalog", handler))
		require.NoError(t, tracker.ProcessOnce(ctx, env, "catalog", handler))
		assert.Equal(t, 1, runs)

		var doc map[string]int
		found, err := store.Get(ctx, "product:1", &doc)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 4, doc["stock"])
		assert.True(t, mr.Exists("mmate:inbox:catalog:"+env.ID))
	})

	t.Run("handler failure writes nothing", func(t *testing.T) {
		store, mr := newTestStore(t)
		tracker := inbox.NewTracker(store)
		env, err := contracts.NewEnvelope(cacheInvalidated{Key: "product:1"})
		require.NoError(t, err)

		boom := errors.New("catalog unavailable")
		err = tracker.ProcessOnce(ctx, env, "catalog", func(_ context.Context, tx inbox.Tx) error {
			require.NoError(t, tx.(*Tx).Set("product:1", 1, 0))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, mr.Keys())
	})

	t.Run("records expire after retention", func(t *testing.T) {
		store, mr := newTestStore(t, WithRetention(time.Hour))
		tracker := inbox.NewTracker(store)
		env, err := contracts.NewEnvelope(cacheInvalidated{Key: "product:1"})
		require.NoError(t, err)

		noop := func(context.Context, inbox.Tx) error { return nil }
		require.NoError(t, tracker.ProcessOnce(ctx, env, "catalog", noop))

		processed, err := store.Processed(ctx, env.ID, "catalog")
		require.NoError(t, err)
		assert.True(t, processed)

		mr.FastForward(2 * time.Hour)
		processed, err = store.Processed(ctx, env.ID, "catalog")
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("concurrent duplicates run side effects once", func(t *testing.T) {
		store, _ := newTestStore(t)
		tracker := inbox.NewTracker(store)
		env, err := contracts.NewEnvelope(cacheInvalidated{Key: "product:1"})
		require.NoError(t, err)

		var committed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := tracker.ProcessOnce(ctx, env, "catalog", func(_ context.Context, tx inbox.Tx) error {
					storage.AfterCommit(tx, func() { committed.Add(1) })
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), committed.Load())
	})
}

func TestTxLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), storage.ErrTxDone)
	assert.ErrorIs(t, tx.(*Tx).Set("k", 1, 0), storage.ErrTxDone)
}
