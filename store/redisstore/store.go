// Package redisstore implements the inbox store on Redis.
//
// A transaction buffers inbox records and domain writes and applies them in one MULTI/EXEC
// guarded by WATCH on the inbox keys, so a concurrent duplicate aborts the second commit.
// Records expire after the configured retention, which bounds the deduplication window.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/storage"
	"github.com/redis/go-redis/v9"
)

// Store is an inbox.Store backed by Redis
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Store
type Option func(*Store)

// WithPrefix sets the key prefix. Default is "mmate:".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithRetention sets how long inbox records are kept. Zero keeps them forever.
func WithRetention(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "mmate:",
		ttl:    7 * 24 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginTx implements storage.Beginner
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{store: s}, nil
}

// Processed implements inbox.Store
func (s *Store) Processed(ctx context.Context, envelopeID, consumer string) (bool, error) {
	n, err := s.client.Exists(ctx, s.inboxKey(envelopeID, consumer)).Result()
	if err != nil {
		return false, fmt.Errorf("inbox lookup: %w", err)
	}
	return n > 0, nil
}

// Get decodes the JSON value stored under key into out
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) inboxKey(envelopeID, consumer string) string {
	return s.prefix + "inbox:" + consumer + ":" + envelopeID
}

type write struct {
	key   string
	value []byte
	ttl   time.Duration
}

// Tx buffers writes until Commit
type Tx struct {
	store *Store

	done     bool
	records  []inbox.Entry
	writes   []write
	onCommit []func()
}

// Set stores value as JSON under key (prefixed) on commit. A zero ttl never expires.
func (t *Tx) Set(key string, value any, ttl time.Duration) error {
	if t.done {
		return storage.ErrTxDone
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	t.writes = append(t.writes, write{key: t.store.prefix + key, value: data, ttl: ttl})
	return nil
}

// RecordInbox implements inbox.Recorder
func (t *Tx) RecordInbox(ctx context.Context, entry inbox.Entry) error {
	if t.done {
		return storage.ErrTxDone
	}
	processed, err := t.store.Processed(ctx, entry.EnvelopeID, entry.Consumer)
	if err != nil {
		return err
	}
	if processed {
		return inbox.ErrAlreadyProcessed
	}
	t.records = append(t.records, entry)
	return nil
}

// OnCommit implements storage.CommitObserver
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// Commit implements storage.Tx
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true

	keys := make([]string, 0, len(t.records))
	for _, r := range t.records {
		keys = append(keys, t.store.inboxKey(r.EnvelopeID, r.Consumer))
	}

	apply := func(rtx *redis.Tx) error {
		if len(keys) > 0 {
			n, err := rtx.Exists(ctx, keys...).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return inbox.ErrAlreadyProcessed
			}
		}

		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for i, r := range t.records {
				p.Set(ctx, keys[i], r.ProcessedAt.UTC().Format(time.RFC3339Nano), t.store.ttl)
			}
			for _, w := range t.writes {
				p.Set(ctx, w.key, w.value, w.ttl)
			}
			return nil
		})
		return err
	}

	err := t.store.client.Watch(ctx, apply, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		// a watched key changed between the check and EXEC
		t.store.logger.Debug("inbox commit lost a race", "keys", keys)
		return inbox.ErrAlreadyProcessed
	}
	if err != nil {
		return err
	}

	for _, fn := range t.onCommit {
		fn()
	}
	return nil
}

// Rollback implements storage.Tx
func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	t.records = nil
	t.writes = nil
	t.onCommit = nil
	return nil
}

var (
	_ inbox.Store            = (*Store)(nil)
	_ inbox.Tx               = (*Tx)(nil)
	_ storage.CommitObserver = (*Tx)(nil)
)
