package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/reliability"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer is full
	ErrQueueFull = errors.New("local queue: buffer full")
	// ErrQueueStopped is returned by Enqueue after Stop
	ErrQueueStopped = errors.New("local queue: stopped")
)

// Deliverer processes an envelope; *Dispatcher implements it
type Deliverer interface {
	Deliver(ctx context.Context, env *contracts.Envelope) error
}

// LocalQueue is an in-process buffered work queue for commands sent without a durable outbox.
// Envelopes are lost if the process exits before they are handled.
type LocalQueue struct {
	queue   chan *contracts.Envelope
	workers int
	retry   *reliability.RetryPolicy
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// LocalQueueOption configures the LocalQueue
type LocalQueueOption func(*LocalQueue)

// WithWorkers sets the number of concurrent workers
func WithWorkers(n int) LocalQueueOption {
	return func(q *LocalQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueRetry retries failed deliveries under policy. Routing failures are never retried.
func WithQueueRetry(policy reliability.RetryPolicy) LocalQueueOption {
	return func(q *LocalQueue) {
		q.retry = &policy
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) LocalQueueOption {
	return func(q *LocalQueue) {
		q.logger = logger
	}
}

// NewLocalQueue creates a queue buffering up to capacity envelopes
func NewLocalQueue(capacity int, opts ...LocalQueueOption) *LocalQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &LocalQueue{
		queue:   make(chan *contracts.Envelope, capacity),
		workers: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue buffers env without blocking
func (q *LocalQueue) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return ErrQueueStopped
	}

	select {
	case q.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Len returns the number of buffered envelopes
func (q *LocalQueue) Len() int {
	return len(q.queue)
}

// Start launches the workers. Calling Start twice is a no-op.
func (q *LocalQueue) Start(d Deliverer) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, d)
	}
	q.logger.Info("local queue started", "workers", q.workers)
}

// Stop rejects new envelopes, drains the buffer and waits for the workers.
// If ctx expires first the workers are cancelled and the remaining envelopes are dropped.
func (q *LocalQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.queue)
	q.mu.Unlock()

	if !q.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("local queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("local queue stop: %w", ctx.Err())
	}
}

func (q *LocalQueue) work(ctx context.Context, d Deliverer) {
	defer q.wg.Done()

	for env := range q.queue {
		if ctx.Err() != nil {
			q.logger.Warn("dropping queued message", "messageId", env.ID, "messageType", env.Type)
			continue
		}
		q.handle(ctx, d, env)
	}
}

func (q *LocalQueue) handle(ctx context.Context, d Deliverer, env *contracts.Envelope) {
	var err error
	if q.retry == nil {
		err = d.Deliver(ctx, env)
	} else {
		attempt := env
		err = reliability.Retry(ctx, *q.retry, "deliver "+env.Type, func(ctx context.Context) error {
			deliverErr := d.Deliver(ctx, attempt)
			attempt = attempt.Redelivered()
			if contracts.IsRoutingError(deliverErr) {
				return reliability.Permanent(deliverErr)
			}
			return deliverErr
		})
	}

	if err != nil {
		q.logger.Error("queued message failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"error", err,
		)
	}
}
