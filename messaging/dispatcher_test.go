package messaging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/interceptors"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("rejects registration after dispatcher build", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
			return "ok", nil
		}))

		messaging.NewDispatcher(registry)
		assert.True(t, registry.Sealed())

		err := messaging.HandleEvent(registry, func(context.Context, orderPlaced) error { return nil })
		assert.ErrorIs(t, err, messaging.ErrRegistrySealed)
	})

	t.Run("helpers check the message kind", func(t *testing.T) {
		registry := messaging.NewRegistry()
		err := messaging.HandleCommand(registry, func(context.Context, orderPlaced) (string, error) {
			return "", nil
		})
		assert.Error(t, err)
		assert.Empty(t, registry.Handlers("test.OrderPlaced"))
	})

	t.Run("registers decoders for handled types", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error { return nil }))
		require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error { return nil }))

		assert.True(t, registry.Types().IsRegistered("test.OrderPlaced"))
		assert.Len(t, registry.Handlers("test.OrderPlaced"), 2)
		assert.Len(t, registry.Descriptors(), 1)
	})

	t.Run("accepts pointer message types", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleCommand(registry, func(_ context.Context, cmd *placeOrder) (string, error) {
			return cmd.OrderID, nil
		}))
		d := messaging.NewDispatcher(registry)

		result, err := d.Invoke(context.Background(), &placeOrder{OrderID: "o-7"})
		require.NoError(t, err)
		assert.Equal(t, "o-7", result)

		msg, err := registry.Types().Decode("test.PlaceOrder", nil)
		require.NoError(t, err)
		require.IsType(t, &placeOrder{}, msg)
		assert.NotNil(t, msg)
	})

	t.Run("rejects interface message types", func(t *testing.T) {
		registry := messaging.NewRegistry()
		err := messaging.HandleEvent(registry, func(context.Context, contracts.Message) error { return nil })
		assert.Error(t, err)
	})
}

func TestDispatcherInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the handler result", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleCommand(registry, func(_ context.Context, cmd placeOrder) (string, error) {
			return "accepted:" + cmd.OrderID, nil
		}))
		require.NoError(t, messaging.HandleQuery(registry, func(_ context.Context, q orderStatus) (string, error) {
			return "status:" + q.OrderID, nil
		}))
		d := messaging.NewDispatcher(registry)

		result, err := d.Invoke(ctx, placeOrder{OrderID: "o-1"})
		require.NoError(t, err)
		assert.Equal(t, "accepted:o-1", result)

		status, err := messaging.InvokeAs[string](ctx, d, orderStatus{OrderID: "o-1"})
		require.NoError(t, err)
		assert.Equal(t, "status:o-1", status)
	})

	t.Run("no handler is a routing error", func(t *testing.T) {
		d := messaging.NewDispatcher(messaging.NewRegistry())

		_, err := d.Invoke(ctx, unhandled{})
		require.Error(t, err)
		assert.True(t, contracts.IsRoutingError(err))
		assert.ErrorIs(t, err, contracts.ErrNoHandler)
	})

	t.Run("two handlers is a routing error", func(t *testing.T) {
		registry := messaging.NewRegistry()
		var called atomic.Int32
		for i := 0; i < 2; i++ {
			require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
				called.Add(1)
				return "", nil
			}))
		}
		d := messaging.NewDispatcher(registry)

		_, err := d.Invoke(ctx, placeOrder{OrderID: "o-1"})
		assert.ErrorIs(t, err, contracts.ErrAmbiguousHandler)

		var re *contracts.RoutingError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 2, re.Handlers)
		assert.Equal(t, int32(0), called.Load())
	})

	t.Run("events cannot be invoked", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error { return nil }))
		d := messaging.NewDispatcher(registry)

		_, err := d.Invoke(ctx, orderPlaced{OrderID: "o-1"})
		assert.ErrorIs(t, err, contracts.ErrNotInvokable)
		assert.True(t, contracts.IsRoutingError(err))
	})

	t.Run("handler failure is wrapped", func(t *testing.T) {
		registry := messaging.NewRegistry()
		boom := errors.New("insufficient stock")
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
			return "", boom
		}, messaging.WithHandlerName("placeOrderHandler")))
		d := messaging.NewDispatcher(registry)

		_, err := d.Invoke(ctx, placeOrder{OrderID: "o-1"})
		assert.ErrorIs(t, err, boom)

		var he *contracts.HandlerError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, "placeOrderHandler", he.Handler)
		assert.Equal(t, "test.PlaceOrder", he.MessageType)
	})

	t.Run("handler panic becomes a handler error", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
			panic("nil map")
		}))
		d := messaging.NewDispatcher(registry)

		_, err := d.Invoke(ctx, placeOrder{OrderID: "o-1"})
		var he *contracts.HandlerError
		assert.ErrorAs(t, err, &he)
	})

	t.Run("caller cancellation stops waiting", func(t *testing.T) {
		registry := messaging.NewRegistry()
		release := make(chan struct{})
		finished := make(chan struct{})
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
			<-release
			close(finished)
			return "late", nil
		}))
		d := messaging.NewDispatcher(registry)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := d.Invoke(cctx, placeOrder{OrderID: "o-1"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatal("handler did not complete after the caller left")
		}
	})
}

func TestDispatcherMiddleware(t *testing.T) {
	ctx := context.Background()

	trace := func(rec *calls, name string) *interceptors.Hooks {
		return &interceptors.Hooks{
			Label: name,
			OnBefore: func(ctx context.Context, _ *contracts.Envelope) (context.Context, error) {
				rec.add(name + ".before")
				return ctx, nil
			},
			OnAfter: func(context.Context, *contracts.Envelope, any) error {
				rec.add(name + ".after")
				return nil
			},
			OnFail: func(context.Context, *contracts.Envelope, error) error {
				rec.add(name + ".onError")
				return nil
			},
			OnFinally: func(context.Context, *contracts.Envelope) error {
				rec.add(name + ".finally")
				return nil
			},
		}
	}

	t.Run("policies select middlewares per kind", func(t *testing.T) {
		rec := &calls{}
		pipeline := interceptors.NewPipeline(nil).
			UseAll(trace(rec, "logging")).
			Use(interceptors.Commands(), trace(rec, "tx"))

		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
			rec.add("handler")
			return "ok", nil
		}))
		require.NoError(t, messaging.HandleQuery(registry, func(context.Context, orderStatus) (string, error) {
			rec.add("handler")
			return "ok", nil
		}))
		d := messaging.NewDispatcher(registry, messaging.WithPipeline(pipeline))

		assert.Equal(t, []string{"logging", "tx"}, d.Middlewares("test.PlaceOrder"))
		assert.Equal(t, []string{"logging"}, d.Middlewares("test.OrderStatus"))

		_, err := d.Invoke(ctx, placeOrder{OrderID: "o-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"logging.before", "tx.before", "handler",
			"tx.after", "logging.after", "tx.finally", "logging.finally",
		}, rec.get())
	})

	t.Run("handler failure runs onError and finally in reverse", func(t *testing.T) {
		rec := &calls{}
		pipeline := interceptors.NewPipeline(nil).UseAll(trace(rec, "a"), trace(rec, "b"))

		registry := messaging.NewRegistry()
		require.NoError(t, messaging.HandleCommand(registry, func(context.Context, placeOrder) (string, error) {
			rec.add("handler")
			return "", errors.New("failed")
		}))
		d := messaging.NewDispatcher(registry, messaging.WithPipeline(pipeline))

		_, err := d.Invoke(ctx, placeOrder{OrderID: "o-1"})
		require.Error(t, err)
		assert.Equal(t, []string{
			"a.before", "b.before", "handler",
			"b.onError", "a.onError", "b.finally", "a.finally",
		}, rec.get())
	})

	t.Run("event handlers are wrapped individually", func(t *testing.T) {
		rec := &calls{}
		pipeline := interceptors.NewPipeline(nil).Use(interceptors.Events(), trace(rec, "ev"))

		registry := messaging.NewRegistry()
		for i := 0; i < 3; i++ {
			require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error { return nil }))
		}
		d := messaging.NewDispatcher(registry, messaging.WithPipeline(pipeline))

		require.NoError(t, d.Publish(ctx, orderPlaced{OrderID: "o-1"}))

		count := map[string]int{}
		for _, c := range rec.get() {
			count[c]++
		}
		assert.Equal(t, map[string]int{"ev.before": 3, "ev.after": 3, "ev.finally": 3}, count)
	})
}

func TestDispatcherPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("zero handlers is success", func(t *testing.T) {
		d := messaging.NewDispatcher(messaging.NewRegistry())
		assert.NoError(t, d.Publish(ctx, orderPlaced{OrderID: "o-1"}))
	})

	t.Run("failures are isolated and joined", func(t *testing.T) {
		registry := messaging.NewRegistry()
		var ran atomic.Int32
		errInventory := errors.New("inventory down")
		require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error {
			ran.Add(1)
			return nil
		}, messaging.WithHandlerName("notification")))
		require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error {
			ran.Add(1)
			return errInventory
		}, messaging.WithHandlerName("inventory")))
		require.NoError(t, messaging.HandleEvent(registry, func(context.Context, orderPlaced) error {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
			return nil
		}, messaging.WithHandlerName("analytics")))
		d := messaging.NewDispatcher(registry)

		err := d.Publish(ctx, orderPlaced{OrderID: "o-1"})
		require.Error(t, err)
		assert.ErrorIs(t, err, errInventory)
		assert.Equal(t, int32(3), ran.Load())

		var he *contracts.HandlerError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, "inventory", he.Handler)
	})

	t.Run("rejects non-events", func(t *testing.T) {
		d := messaging.NewDispatcher(messaging.NewRegistry())
		assert.ErrorIs(t, d.Publish(ctx, placeOrder{}), contracts.ErrKindMismatch)
	})
}

func TestDispatcherSend(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults destination to the type tag", func(t *testing.T) {
		enq := &captureEnqueuer{}
		d := messaging.NewDispatcher(messaging.NewRegistry(), messaging.WithEnqueuer(enq))

		require.NoError(t, d.Send(ctx, placeOrder{OrderID: "o-1"}))
		require.NoError(t, d.Send(ctx, placeOrder{OrderID: "o-2"}, contracts.WithDestination("billing")))

		envs := enq.recorded()
		require.Len(t, envs, 2)
		assert.Equal(t, "test.PlaceOrder", envs[0].Destination)
		assert.Equal(t, "billing", envs[1].Destination)
		assert.Equal(t, contracts.KindCommand, envs[0].Kind)
	})

	t.Run("rejects queries and events", func(t *testing.T) {
		d := messaging.NewDispatcher(messaging.NewRegistry(), messaging.WithEnqueuer(&captureEnqueuer{}))
		assert.ErrorIs(t, d.Send(ctx, orderStatus{}), contracts.ErrKindMismatch)
		assert.ErrorIs(t, d.Send(ctx, orderPlaced{}), contracts.ErrKindMismatch)
	})

	t.Run("requires an enqueuer", func(t *testing.T) {
		d := messaging.NewDispatcher(messaging.NewRegistry())
		assert.Error(t, d.Send(ctx, placeOrder{OrderID: "o-1"}))
	})

	t.Run("records through the outbox", func(t *testing.T) {
		store := memstore.New()
		writer := outbox.NewWriter(store)
		d := messaging.NewDispatcher(messaging.NewRegistry(), messaging.WithEnqueuer(writer))

		require.NoError(t, d.Send(ctx, placeOrder{OrderID: "o-1"}))

		entries := store.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "test.PlaceOrder", entries[0].Destination)
		assert.Equal(t, outbox.StatusPending, entries[0].Status)
	})

	t.Run("outbox failure surfaces as persistence error", func(t *testing.T) {
		store := memstore.New(memstore.WithCommitHook(func(*memstore.Tx) error { return errors.New("disk full") }))
		d := messaging.NewDispatcher(messaging.NewRegistry(), messaging.WithEnqueuer(outbox.NewWriter(store)))

		err := d.Send(ctx, placeOrder{OrderID: "o-1"})
		assert.True(t, contracts.IsPersistenceError(err))
		assert.Empty(t, store.Entries())
	})
}

func TestDispatcherDeliver(t *testing.T) {
	ctx := context.Background()
	registry := messaging.NewRegistry()
	rec := &calls{}
	require.NoError(t, messaging.HandleCommand(registry, func(_ context.Context, cmd placeOrder) (string, error) {
		rec.add("cmd:" + cmd.OrderID)
		return "ignored", nil
	}))
	require.NoError(t, messaging.HandleEvent(registry, func(_ context.Context, ev orderPlaced) error {
		rec.add("event:" + ev.OrderID)
		return nil
	}))
	d := messaging.NewDispatcher(registry)

	cmdEnv, err := contracts.NewEnvelope(placeOrder{OrderID: "o-1"})
	require.NoError(t, err)
	evEnv, err := contracts.NewEnvelope(orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)

	require.NoError(t, d.Deliver(ctx, cmdEnv))
	require.NoError(t, d.Deliver(ctx, evEnv))
	assert.Equal(t, []string{"cmd:o-1", "event:o-1"}, rec.get())

	assert.Error(t, d.Deliver(ctx, &contracts.Envelope{ID: "x", Type: "test.PlaceOrder"}))
}
