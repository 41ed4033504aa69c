package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/reliability"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/serialization"
	"github.com/glimte/mmate-dispatch/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sent struct {
	destination string
	env         *contracts.Envelope
}

// scriptedSender fails while failures remain for a destination
type scriptedSender struct {
	mu       sync.Mutex
	failures map[string]int
	sent     []sent
	calls    int
}

func (s *scriptedSender) Send(_ context.Context, destination string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.failures[destination] > 0 {
		s.failures[destination]--
		return errors.New("broker unavailable")
	}

	env, err := serialization.NewJSONCodec().Decode(payload)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sent{destination: destination, env: env})
	return nil
}

func (s *scriptedSender) Sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRelayRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("sends pending entries and marks them sent", func(t *testing.T) {
		store := memstore.New()
		clock := newFakeClock()
		writer := outbox.NewWriter(store, outbox.WithWriterClock(clock.Now))
		sender := &scriptedSender{}
		relay := outbox.NewRelay(store, sender, outbox.WithClock(clock.Now))

		require.NoError(t, writer.SaveWithOutbox(ctx, nil, orderCreated{OrderID: "o-1"}, orderCreated{OrderID: "o-2"}))

		result, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, outbox.CycleResult{Read: 2, Sent: 2}, result)

		delivered := sender.Sent()
		require.Len(t, delivered, 2)
		assert.Equal(t, 1, delivered[0].env.Attempt)

		for _, e := range store.Entries() {
			assert.Equal(t, outbox.StatusSent, e.Status)
			assert.Equal(t, 1, e.Attempts)
			assert.Equal(t, clock.Now(), e.SentAt)
		}

		result, err = relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Read)
	})

	t.Run("entries committed before a crash are delivered after restart", func(t *testing.T) {
		store := memstore.New()
		require.NoError(t, outbox.NewWriter(store).SaveWithOutbox(ctx, putOrder("o-1"), orderCreated{OrderID: "o-1"}))
		// the process dies here before any relay ran

		sender := &scriptedSender{}
		restarted := outbox.NewRelay(store, sender)
		_, err := restarted.RunOnce(ctx)
		require.NoError(t, err)

		delivered := sender.Sent()
		require.Len(t, delivered, 1)
		assert.Equal(t, "orders.OrderCreated", delivered[0].env.Type)
		assert.Equal(t, store.Entries()[0].ID, delivered[0].env.ID)
	})

	t.Run("three failures then success with increasing backoff", func(t *testing.T) {
		store := memstore.New()
		clock := newFakeClock()
		writer := outbox.NewWriter(store, outbox.WithWriterClock(clock.Now))
		sender := &scriptedSender{failures: map[string]int{"orders.OrderCreated": 3}}
		relay := outbox.NewRelay(store, sender,
			outbox.WithClock(clock.Now),
			outbox.WithBackoff(reliability.Exponential(time.Second, time.Hour)),
		)

		require.NoError(t, writer.SaveWithOutbox(ctx, nil, orderCreated{OrderID: "o-1"}))
		id := store.Entries()[0].ID

		var delays []time.Duration
		for attempt := 1; attempt <= 3; attempt++ {
			failedAt := clock.Now()
			result, err := relay.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Failed)

			e, _ := store.Entry(id)
			assert.Equal(t, outbox.StatusPending, e.Status)
			assert.Equal(t, attempt, e.Attempts)
			assert.Equal(t, "broker unavailable", e.LastError)
			delays = append(delays, e.NextAttemptAt.Sub(failedAt))

			result, err = relay.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, result.Read, "not eligible before backoff elapsed")

			clock.Set(e.NextAttemptAt)
		}

		result, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Sent)

		e, _ := store.Entry(id)
		assert.Equal(t, outbox.StatusSent, e.Status)
		assert.Equal(t, 4, e.Attempts)
		assert.Equal(t, 4, sender.Calls())

		require.Len(t, delays, 3)
		assert.Less(t, delays[0], delays[1])
		assert.Less(t, delays[1], delays[2])

		delivered := sender.Sent()
		require.Len(t, delivered, 1)
		assert.Equal(t, 4, delivered[0].env.Attempt)
	})

	t.Run("a failure holds back later entries of the same destination only", func(t *testing.T) {
		store := memstore.New()
		clock := newFakeClock()
		writer := outbox.NewWriter(store, outbox.WithWriterClock(clock.Now))
		sender := &scriptedSender{failures: map[string]int{"orders.OrderCreated": 1}}
		relay := outbox.NewRelay(store, sender, outbox.WithClock(clock.Now))

		require.NoError(t, writer.SaveWithOutbox(ctx, nil,
			orderCreated{OrderID: "o-1"},
			orderCreated{OrderID: "o-2"},
			paymentCaptured{PaymentID: "p-1"},
		))

		result, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 1, result.Sent)

		delivered := sender.Sent()
		require.Len(t, delivered, 1)
		assert.Equal(t, "payments.PaymentCaptured", delivered[0].destination)

		clock.Advance(time.Hour)
		_, err = relay.RunOnce(ctx)
		require.NoError(t, err)

		delivered = sender.Sent()
		require.Len(t, delivered, 3)
		assert.Equal(t, "o-1", decodeOrderID(t, delivered[1].env))
		assert.Equal(t, "o-2", decodeOrderID(t, delivered[2].env))
	})

	t.Run("open circuit pauses without consuming attempts", func(t *testing.T) {
		store := memstore.New()
		clock := newFakeClock()
		writer := outbox.NewWriter(store, outbox.WithWriterClock(clock.Now))
		sender := &scriptedSender{failures: map[string]int{"orders.OrderCreated": 100}}
		breaker := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Hour))
		relay := outbox.NewRelay(store, sender, outbox.WithClock(clock.Now), outbox.WithCircuitBreaker(breaker))

		require.NoError(t, writer.SaveWithOutbox(ctx, nil, orderCreated{OrderID: "o-1"}))

		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, reliability.StateOpen, breaker.State())

		clock.Advance(time.Hour)
		_, err = relay.RunOnce(ctx)
		require.NoError(t, err)

		e := store.Entries()[0]
		assert.Equal(t, 1, e.Attempts)
		assert.Equal(t, 1, sender.Calls())
	})

	t.Run("retention purges old sent entries", func(t *testing.T) {
		store := memstore.New()
		clock := newFakeClock()
		writer := outbox.NewWriter(store, outbox.WithWriterClock(clock.Now))
		relay := outbox.NewRelay(store, &scriptedSender{}, outbox.WithClock(clock.Now), outbox.WithRetention(time.Hour))

		require.NoError(t, writer.SaveWithOutbox(ctx, nil, orderCreated{OrderID: "o-1"}))
		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Len(t, store.Entries(), 1)

		clock.Advance(2 * time.Hour)
		result, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Purged)
		assert.Empty(t, store.Entries())
	})

	t.Run("publish failures are reported on the errors channel", func(t *testing.T) {
		store := memstore.New()
		sender := &scriptedSender{failures: map[string]int{"orders.OrderCreated": 1}}
		relay := outbox.NewRelay(store, sender)

		require.NoError(t, outbox.NewWriter(store).SaveWithOutbox(ctx, nil, orderCreated{OrderID: "o-1"}))
		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)

		select {
		case err := <-relay.Errors():
			var pe *outbox.PublishError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, 1, pe.Attempt)
			assert.Equal(t, "orders.OrderCreated", pe.Destination)
		default:
			t.Fatal("expected a publish error")
		}
	})
}

func decodeOrderID(t *testing.T, env *contracts.Envelope) string {
	t.Helper()
	registry := serialization.NewTypeRegistry()
	require.NoError(t, serialization.Register[orderCreated](registry))
	msg, err := registry.Decode(env.Type, env.Body)
	require.NoError(t, err)
	return msg.(orderCreated).OrderID
}

func TestRelayLifecycle(t *testing.T) {
	t.Run("notify triggers delivery and stop is idempotent", func(t *testing.T) {
		store := memstore.New()
		sender := &scriptedSender{}
		relay := outbox.NewRelay(store, sender, outbox.WithInterval(time.Hour))
		writer := outbox.NewWriter(store, outbox.WithNotifier(relay))

		relay.Start()
		relay.Start()

		require.NoError(t, writer.SaveWithOutbox(context.Background(), nil, orderCreated{OrderID: "o-1"}))

		assert.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, relay.Stop(ctx))
		require.NoError(t, relay.Stop(ctx))

		_, open := <-relay.Errors()
		assert.False(t, open)
	})

	t.Run("polling picks up entries without notify", func(t *testing.T) {
		store := memstore.New()
		sender := &scriptedSender{}
		relay := outbox.NewRelay(store, sender, outbox.WithInterval(10*time.Millisecond))

		require.NoError(t, outbox.NewWriter(store).SaveWithOutbox(context.Background(), nil, orderCreated{OrderID: "o-1"}))
		relay.Start()
		defer relay.Stop(context.Background())

		assert.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}
