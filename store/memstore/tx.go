package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
)

type put struct {
	collection string
	key        string
	value      []byte
}

// Tx buffers writes until Commit
type Tx struct {
	store *Store

	mu       sync.Mutex
	done     bool
	puts     []put
	entries  []outbox.Entry
	records  []inbox.Entry
	onCommit []func()
}

// Put stores value as JSON under collection/key on commit
func (tx *Tx) Put(collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, key, err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	tx.puts = append(tx.puts, put{collection: collection, key: key, value: data})
	return nil
}

// AppendOutbox implements outbox.Appender
func (tx *Tx) AppendOutbox(_ context.Context, entries ...outbox.Entry) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	for _, e := range entries {
		tx.entries = append(tx.entries, cloneEntry(e))
	}
	return nil
}

// RecordInbox implements inbox.Recorder
func (tx *Tx) RecordInbox(_ context.Context, entry inbox.Entry) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}

	tx.store.mu.RLock()
	_, exists := tx.store.inbox[inboxKey{entry.EnvelopeID, entry.Consumer}]
	tx.store.mu.RUnlock()
	if exists {
		return inbox.ErrAlreadyProcessed
	}

	tx.records = append(tx.records, entry)
	return nil
}

// OnCommit implements storage.CommitObserver
func (tx *Tx) OnCommit(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.onCommit = append(tx.onCommit, fn)
}

// OutboxEntries returns the entries appended so far
func (tx *Tx) OutboxEntries() []outbox.Entry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]outbox.Entry(nil), tx.entries...)
}

// Commit implements storage.Tx
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return storage.ErrTxDone
	}
	tx.done = true
	hooks := tx.onCommit
	tx.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := tx.store.apply(tx); err != nil {
		return err
	}

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback implements storage.Tx
func (tx *Tx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return storage.ErrTxDone
	}
	tx.done = true
	tx.puts = nil
	tx.entries = nil
	tx.records = nil
	tx.onCommit = nil
	return nil
}

// apply validates and applies a transaction atomically
func (s *Store) apply(tx *Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitHook != nil {
		if err := s.commitHook(tx); err != nil {
			return err
		}
	}

	seen := make(map[inboxKey]bool, len(tx.records))
	for _, r := range tx.records {
		key := inboxKey{r.EnvelopeID, r.Consumer}
		if _, exists := s.inbox[key]; exists || seen[key] {
			return inbox.ErrAlreadyProcessed
		}
		seen[key] = true
	}
	for _, e := range tx.entries {
		if _, exists := s.outbox[e.ID]; exists {
			return fmt.Errorf("outbox entry %s already exists", e.ID)
		}
	}

	for _, p := range tx.puts {
		if s.docs[p.collection] == nil {
			s.docs[p.collection] = make(map[string][]byte)
		}
		s.docs[p.collection][p.key] = p.value
	}
	for _, e := range tx.entries {
		entry := e
		s.outbox[e.ID] = &entry
	}
	for _, r := range tx.records {
		s.inbox[inboxKey{r.EnvelopeID, r.Consumer}] = r
	}
	return nil
}

var (
	_ outbox.Store = (*Store)(nil)
	_ inbox.Store  = (*Store)(nil)
	_ outbox.Tx    = (*Tx)(nil)
	_ inbox.Tx     = (*Tx)(nil)
)
