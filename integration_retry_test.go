package mmate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/internal/reliability"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryIntegration(t *testing.T) {
	ctx := context.Background()

	t.Run("relay retries a failing transport until it accepts", func(t *testing.T) {
		var failures atomic.Int32
		failures.Store(2)
		broker := memory.NewBroker(memory.Config{
			SendHook: func(string, []byte) error {
				if failures.Add(-1) >= 0 {
					return errors.New("broker unavailable")
				}
				return nil
			},
		})

		client, store := newTestClient(t, broker,
			WithServiceName("inventory"),
			WithRelayOptions(
				outbox.WithInterval(10*time.Millisecond),
				outbox.WithBackoff(reliability.Fixed(time.Millisecond)),
			),
		)

		var attempts []int
		var mu sync.Mutex
		require.NoError(t, messaging.HandleCommand(client.Registry(), func(ctx context.Context, cmd reserveStock) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, cmd.Quantity)
			return true, nil
		}))
		require.NoError(t, client.Consume(reserveStock{}.MessageType()))
		require.NoError(t, client.Start(ctx))

		require.NoError(t, client.Send(ctx, reserveStock{SKU: "sku-1", Quantity: 1}))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(attempts) == 1
		}, 3*time.Second, 10*time.Millisecond)

		entries := store.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, outbox.StatusSent, entries[0].Status)
		assert.Equal(t, 3, entries[0].Attempts)
	})

	t.Run("handler failures are redelivered by the broker", func(t *testing.T) {
		client, store := newTestClient(t, nil,
			WithServiceName("inventory"),
			WithRelayOptions(outbox.WithInterval(10*time.Millisecond)),
		)

		var calls atomic.Int32
		require.NoError(t, messaging.HandleCommand(client.Registry(), func(context.Context, reserveStock) (bool, error) {
			if calls.Add(1) < 3 {
				return false, errors.New("warehouse offline")
			}
			return true, nil
		}))
		require.NoError(t, client.Consume(reserveStock{}.MessageType()))
		require.NoError(t, client.Start(ctx))

		require.NoError(t, client.Send(ctx, reserveStock{SKU: "sku-1", Quantity: 1}))

		require.Eventually(t, func() bool { return store.InboxEntries() == 1 }, 3*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(3), calls.Load())
	})
}
