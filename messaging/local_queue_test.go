package messaging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/reliability"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("sent commands are handled by workers", func(t *testing.T) {
		registry := messaging.NewRegistry()
		handled := make(chan string, 10)
		require.NoError(t, messaging.HandleCommand(registry, func(_ context.Context, cmd placeOrder) (struct{}, error) {
			handled <- cmd.OrderID
			return struct{}{}, nil
		}))

		queue := messaging.NewLocalQueue(10, messaging.WithWorkers(2))
		d := messaging.NewDispatcher(registry, messaging.WithEnqueuer(queue))
		queue.Start(d)

		require.NoError(t, d.Send(ctx, placeOrder{OrderID: "o-1"}))
		require.NoError(t, d.Send(ctx, placeOrder{OrderID: "o-2"}))
		require.NoError(t, queue.Stop(ctx))

		close(handled)
		var got []string
		for id := range handled {
			got = append(got, id)
		}
		assert.ElementsMatch(t, []string{"o-1", "o-2"}, got)
	})

	t.Run("full buffer rejects", func(t *testing.T) {
		queue := messaging.NewLocalQueue(1)
		env, err := contracts.NewEnvelope(placeOrder{OrderID: "o-1"})
		require.NoError(t, err)

		require.NoError(t, queue.Enqueue(ctx, env))
		assert.ErrorIs(t, queue.Enqueue(ctx, env), messaging.ErrQueueFull)
		assert.Equal(t, 1, queue.Len())
	})

	t.Run("stopped queue rejects", func(t *testing.T) {
		queue := messaging.NewLocalQueue(1)
		require.NoError(t, queue.Stop(ctx))
		require.NoError(t, queue.Stop(ctx))

		env, err := contracts.NewEnvelope(placeOrder{OrderID: "o-1"})
		require.NoError(t, err)
		assert.ErrorIs(t, queue.Enqueue(ctx, env), messaging.ErrQueueStopped)
	})

	t.Run("retries failed deliveries with a bumped attempt", func(t *testing.T) {
		registry := messaging.NewRegistry()
		var calls atomic.Int32
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (struct{}, error) {
			if calls.Add(1) < 3 {
				return struct{}{}, errors.New("transient")
			}
			return struct{}{}, nil
		}))

		attempts := make(chan int, 5)
		d := messaging.NewDispatcher(registry)
		deliverer := deliverFunc(func(ctx context.Context, env *contracts.Envelope) error {
			attempts <- env.Attempt
			return d.Deliver(ctx, env)
		})

		queue := messaging.NewLocalQueue(10, messaging.WithQueueRetry(reliability.RetryPolicy{
			MaxAttempts: 5,
			Delay:       reliability.Fixed(time.Millisecond),
		}))
		queue.Start(deliverer)

		env, err := contracts.NewEnvelope(placeOrder{OrderID: "o-1"})
		require.NoError(t, err)
		require.NoError(t, queue.Enqueue(ctx, env))
		require.NoError(t, queue.Stop(ctx))

		close(attempts)
		var seen []int
		for a := range attempts {
			seen = append(seen, a)
		}
		assert.Equal(t, []int{0, 1, 2}, seen)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("routing failures are not retried", func(t *testing.T) {
		var calls atomic.Int32
		d := messaging.NewDispatcher(messaging.NewRegistry())
		deliverer := deliverFunc(func(ctx context.Context, env *contracts.Envelope) error {
			calls.Add(1)
			return d.Deliver(ctx, env)
		})

		queue := messaging.NewLocalQueue(10, messaging.WithQueueRetry(reliability.RetryPolicy{
			MaxAttempts: 5,
			Delay:       reliability.Fixed(time.Millisecond),
		}))
		queue.Start(deliverer)

		env, err := contracts.NewEnvelope(unhandled{})
		require.NoError(t, err)
		require.NoError(t, queue.Enqueue(ctx, env))
		require.NoError(t, queue.Stop(ctx))

		assert.Equal(t, int32(1), calls.Load())
	})
}

type deliverFunc func(ctx context.Context, env *contracts.Envelope) error

func (f deliverFunc) Deliver(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}
