// Package memstore is a transactional in-memory store implementing the outbox and inbox stores
// plus a small document area for domain state.
//
// Writes made through a Tx are buffered and applied atomically on Commit under the store lock.
// Nothing is visible before commit and a failed commit leaves no trace.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
)

// ErrNotFound is returned when an outbox entry does not exist
var ErrNotFound = errors.New("memstore: not found")

type inboxKey struct {
	envelopeID string
	consumer   string
}

// Store holds committed state
type Store struct {
	mu         sync.RWMutex
	docs       map[string]map[string][]byte
	outbox     map[string]*outbox.Entry
	inbox      map[inboxKey]inbox.Entry
	commitHook func(tx *Tx) error
	beginHook  func() error
}

// Option configures a Store
type Option func(*Store)

// WithCommitHook runs fn under the store lock before a commit is applied.
// A non-nil error aborts the commit.
func WithCommitHook(fn func(tx *Tx) error) Option {
	return func(s *Store) {
		s.commitHook = fn
	}
}

// WithBeginHook runs fn on every BeginTx. A non-nil error fails the begin.
func WithBeginHook(fn func() error) Option {
	return func(s *Store) {
		s.beginHook = fn
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		docs:   make(map[string]map[string][]byte),
		outbox: make(map[string]*outbox.Entry),
		inbox:  make(map[inboxKey]inbox.Entry),
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
	if s.beginHook != nil {
		if err := s.beginHook(); err != nil {
			return nil, err
		}
	}
	return &Tx{store: s}, nil
}

// Get decodes a committed document into out. It reports false when the key is absent.
func (s *Store) Get(collection, key string, out any) (bool, error) {
	s.mu.RLock()
	data, ok := s.docs[collection][key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// Count returns the number of committed documents in a collection
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[collection])
}

// Pending implements outbox.Store
func (s *Store) Pending(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]outbox.Entry, 0)
	for _, e := range s.outbox {
		if e.Status == outbox.StatusPending {
			pending = append(pending, *e)
		}
	}
	sortEntries(pending)

	blocked := make(map[string]bool)
	due := make([]outbox.Entry, 0, min(limit, len(pending)))
	for _, e := range pending {
		if len(due) >= limit {
			break
		}
		if blocked[e.Destination] {
			continue
		}
		if e.NextAttemptAt.After(now) {
			blocked[e.Destination] = true
			continue
		}
		due = append(due, cloneEntry(e))
	}
	return due, nil
}

// MarkSent implements outbox.Store
func (s *Store) MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	if e.Status == outbox.StatusSent {
		return nil
	}
	e.Status = outbox.StatusSent
	e.Attempts = attempts
	e.SentAt = sentAt
	e.LastError = ""
	return nil
}

// MarkFailed implements outbox.Store
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	if e.Status != outbox.StatusPending {
		return nil
	}
	e.Attempts = attempts
	e.NextAttemptAt = nextAttemptAt
	e.LastError = lastError
	return nil
}

// PurgeSent implements outbox.Store
func (s *Store) PurgeSent(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.outbox {
		if e.Status == outbox.StatusSent && e.SentAt.Before(olderThan) {
			delete(s.outbox, id)
			purged++
		}
	}
	return purged, nil
}

// Stats implements outbox.Store
func (s *Store) Stats(ctx context.Context) (outbox.Stats, error) {
	if err := ctx.Err(); err != nil {
		return outbox.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats outbox.Stats
	for _, e := range s.outbox {
		switch e.Status {
		case outbox.StatusPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || e.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = e.CreatedAt
			}
		case outbox.StatusSent:
			stats.Sent++
		}
	}
	return stats, nil
}

// Entries returns every outbox entry, oldest first
func (s *Store) Entries() []outbox.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]outbox.Entry, 0, len(s.outbox))
	for _, e := range s.outbox {
		entries = append(entries, cloneEntry(*e))
	}
	sortEntries(entries)
	return entries
}

// Entry returns one outbox entry
func (s *Store) Entry(id string) (outbox.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.outbox[id]
	if !ok {
		return outbox.Entry{}, false
	}
	return cloneEntry(*e), true
}

// Processed implements inbox.Store
func (s *Store) Processed(ctx context.Context, envelopeID, consumer string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbox[inboxKey{envelopeID, consumer}]
	return ok, nil
}

// InboxEntries returns the number of inbox records
func (s *Store) InboxEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inbox)
}

func sortEntries(entries []outbox.Entry) {
	slices.SortFunc(entries, func(a, b outbox.Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

func cloneEntry(e outbox.Entry) outbox.Entry {
	e.Payload = slices.Clone(e.Payload)
	return e
}
