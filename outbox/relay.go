package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-dispatch/internal/reliability"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/serialization"
)

// CycleResult summarizes one relay cycle
type CycleResult struct {
	Read   int
	Sent   int
	Failed int
	Purged int
}

// RelayMetrics receives the outcome of every delivery attempt
type RelayMetrics interface {
	RecordRelayed(destination string, attempt int, duration time.Duration)
	RecordRelayFailure(destination string, attempt int)
}

// Relay moves committed outbox entries to a transport
type Relay struct {
	store   Store
	sender  messaging.Sender
	codec   serialization.Codec
	logger  *slog.Logger
	metrics RelayMetrics
	backoff reliability.DelayFunc
	breaker *reliability.CircuitBreaker
	now     func() time.Time

	interval     time.Duration
	batchSize    int
	parallelism  int
	sendTimeout  time.Duration
	storeTimeout time.Duration
	retention    time.Duration

	cycleMu   sync.Mutex
	notifyCh  chan struct{}
	errCh     chan error
	errClosed bool

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RelayOption configures a Relay
type RelayOption func(*Relay)

// WithInterval sets the polling interval. Default is 1 second.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithBatchSize sets the maximum entries read per cycle. Default is 100.
func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithPartitionParallelism sets how many destinations are relayed concurrently. Default is 4.
func WithPartitionParallelism(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithBackoff sets the delay applied after the nth failed attempt.
// Default is exponential from 1 second to 5 minutes.
func WithBackoff(backoff reliability.DelayFunc) RelayOption {
	return func(r *Relay) {
		r.backoff = backoff
	}
}

// WithCircuitBreaker guards the sender with a circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) RelayOption {
	return func(r *Relay) {
		r.breaker = cb
	}
}

// WithRetention purges sent entries older than d on every cycle. Zero disables purging.
// Default is 24 hours.
func WithRetention(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.retention = d
	}
}

// WithSendTimeout bounds every transport send. Default is 10 seconds.
func WithSendTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.sendTimeout = d
	}
}

// WithStoreTimeout bounds every store call. Default is 5 seconds.
func WithStoreTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.storeTimeout = d
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		r.now = now
	}
}

// WithRelayCodec sets the codec used to stamp attempt numbers. It must match the writer's.
func WithRelayCodec(codec serialization.Codec) RelayOption {
	return func(r *Relay) {
		r.codec = codec
	}
}

// WithRelayLogger sets the logger
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithRelayMetrics reports delivery attempts to m
func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithErrorBuffer sets the capacity of the Errors channel. Default is 128.
func WithErrorBuffer(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// NewRelay creates a Relay
func NewRelay(store Store, sender messaging.Sender, opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		store:        store,
		sender:       sender,
		codec:        serialization.NewJSONCodec(),
		logger:       slog.Default(),
		backoff:      reliability.Exponential(time.Second, 5*time.Minute),
		now:          time.Now,
		interval:     time.Second,
		batchSize:    100,
		parallelism:  4,
		sendTimeout:  10 * time.Second,
		storeTimeout: 5 * time.Second,
		retention:    24 * time.Hour,
		notifyCh:     make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	return r
}

// Start begins relaying in the background. Only the first call has an effect.
func (r *Relay) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		ticker := time.NewTicker(r.interval)

		defer r.wg.Done()
		defer ticker.Stop()

		r.logger.Info("outbox relay started",
			"interval", r.interval,
			"batchSize", r.batchSize,
			"parallelism", r.parallelism,
		)

		for {
			select {
			case <-ticker.C:
			case <-r.notifyCh:
			case <-r.ctx.Done():
				return
			}
			if _, err := r.RunOnce(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("outbox relay cycle failed", "error", err)
			}
		}
	}()
}

// Stop halts the relay and waits for the running cycle to finish or ctx to expire.
// Only the first call has an effect.
func (r *Relay) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		r.cycleMu.Lock()
		r.errClosed = true
		close(r.errCh)
		r.cycleMu.Unlock()
		r.logger.Info("outbox relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes the relay for an immediate cycle. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

// Errors returns typed relay errors: *PublishError, *UpdateError, *ReadError and *PurgeError.
// Errors are dropped when nobody drains the channel. The channel is closed once Stop completes.
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

// RunOnce runs a single relay cycle. Cycles never overlap.
func (r *Relay) RunOnce(ctx context.Context) (CycleResult, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	var result CycleResult

	entries, err := r.readPending(ctx)
	if err != nil {
		readErr := &ReadError{Err: err}
		r.sendError(readErr)
		return result, readErr
	}
	result.Read = len(entries)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	sem := make(chan struct{}, r.parallelism)
	for _, partition := range partitionByDestination(entries) {
		wg.Add(1)
		sem <- struct{}{}
		go func(partition []Entry) {
			defer wg.Done()
			defer func() { <-sem }()

			sent, failed := r.relayPartition(ctx, partition)

			mu.Lock()
			result.Sent += sent
			result.Failed += failed
			mu.Unlock()
		}(partition)
	}
	wg.Wait()

	if r.retention > 0 {
		purged, err := r.purge(ctx)
		if err != nil {
			r.sendError(&PurgeError{Err: err})
		}
		result.Purged = purged
	}

	if result.Read > 0 {
		r.logger.Debug("outbox relay cycle complete",
			"read", result.Read,
			"sent", result.Sent,
			"failed", result.Failed,
			"purged", result.Purged,
		)
	}
	return result, nil
}

func (r *Relay) readPending(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.store.Pending(ctx, r.now().UTC(), r.batchSize)
}

func (r *Relay) purge(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.store.PurgeSent(ctx, r.now().UTC().Add(-r.retention))
}

// relayPartition sends entries in order and stops at the first failure to keep FIFO
func (r *Relay) relayPartition(ctx context.Context, partition []Entry) (sent, failed int) {
	for _, entry := range partition {
		if ctx.Err() != nil {
			return sent, failed
		}

		attempt := entry.Attempts + 1
		start := time.Now()
		err := r.send(ctx, entry, attempt)

		if errors.Is(err, reliability.ErrCircuitOpen) {
			r.logger.Debug("outbox relay paused by open circuit", "destination", entry.Destination)
			return sent, failed
		}

		if err != nil {
			failed++
			if r.metrics != nil {
				r.metrics.RecordRelayFailure(entry.Destination, attempt)
			}
			r.recordFailure(ctx, entry, attempt, err)
			return sent, failed
		}

		sent++
		if r.metrics != nil {
			r.metrics.RecordRelayed(entry.Destination, attempt, time.Since(start))
		}
		r.recordSuccess(ctx, entry, attempt)
	}
	return sent, failed
}

func (r *Relay) send(ctx context.Context, entry Entry, attempt int) error {
	payload := r.stamp(entry, attempt)

	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	if r.breaker == nil {
		return r.sender.Send(ctx, entry.Destination, payload)
	}
	return r.breaker.Execute(ctx, func() error {
		return r.sender.Send(ctx, entry.Destination, payload)
	})
}

// stamp rewrites the payload so the envelope carries the attempt number
func (r *Relay) stamp(entry Entry, attempt int) []byte {
	env, err := r.codec.Decode(entry.Payload)
	if err != nil {
		r.logger.Warn("cannot stamp attempt on outbox payload, sending as stored",
			"entryId", entry.ID,
			"error", err,
		)
		return entry.Payload
	}

	payload, err := r.codec.Encode(env.WithAttempt(attempt))
	if err != nil {
		r.logger.Warn("cannot re-encode outbox payload, sending as stored",
			"entryId", entry.ID,
			"error", err,
		)
		return entry.Payload
	}
	return payload
}

func (r *Relay) recordSuccess(ctx context.Context, entry Entry, attempt int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()

	if err := r.store.MarkSent(ctx, entry.ID, attempt, r.now().UTC()); err != nil {
		// the entry stays pending and is sent again; consumers deduplicate
		r.logger.Error("failed to mark outbox entry sent",
			"entryId", entry.ID,
			"destination", entry.Destination,
			"error", err,
		)
		r.sendError(&UpdateError{EntryID: entry.ID, Op: "marking sent", Err: err})
		return
	}

	r.logger.Debug("outbox entry sent",
		"entryId", entry.ID,
		"messageType", entry.MessageType,
		"destination", entry.Destination,
		"attempt", attempt,
	)
}

func (r *Relay) recordFailure(ctx context.Context, entry Entry, attempt int, sendErr error) {
	next := r.now().UTC().Add(r.backoff(attempt))

	r.logger.Warn("outbox entry delivery failed",
		"entryId", entry.ID,
		"messageType", entry.MessageType,
		"destination", entry.Destination,
		"attempt", attempt,
		"nextAttemptAt", next,
		"error", sendErr,
	)
	r.sendError(&PublishError{EntryID: entry.ID, Destination: entry.Destination, Attempt: attempt, Err: sendErr})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()

	if err := r.store.MarkFailed(ctx, entry.ID, attempt, next, sendErr.Error()); err != nil {
		r.logger.Error("failed to record outbox delivery failure",
			"entryId", entry.ID,
			"error", err,
		)
		r.sendError(&UpdateError{EntryID: entry.ID, Op: "marking failed", Err: err})
	}
}

func (r *Relay) sendError(err error) {
	// cycleMu is held by the running cycle
	if r.errClosed {
		return
	}
	select {
	case r.errCh <- err:
	default:
	}
}

func partitionByDestination(entries []Entry) [][]Entry {
	index := make(map[string]int)
	var partitions [][]Entry
	for _, e := range entries {
		i, ok := index[e.Destination]
		if !ok {
			i = len(partitions)
			index[e.Destination] = i
			partitions = append(partitions, nil)
		}
		partitions[i] = append(partitions[i], e)
	}
	return partitions
}
