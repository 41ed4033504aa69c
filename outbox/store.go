package outbox

import (
	"context"
	"time"

	"github.com/glimte/mmate-dispatch/storage"
)

// Status is the lifecycle state of an entry. It only moves from pending to sent.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// Entry is an outbound envelope awaiting relay
type Entry struct {
	ID            string
	Destination   string
	MessageType   string
	Payload       []byte
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	NextAttemptAt time.Time
	SentAt        time.Time
	LastError     string
}

// Stats describes the outbox backlog
type Stats struct {
	Pending         int
	Sent            int
	OldestPendingAt time.Time
}

// OldestPendingAge returns how long the oldest pending entry has been waiting
func (s Stats) OldestPendingAge(now time.Time) time.Duration {
	if s.Pending == 0 || s.OldestPendingAt.IsZero() {
		return 0
	}
	return now.Sub(s.OldestPendingAt)
}

// Appender is implemented by transactions that can hold outbox entries
type Appender interface {
	AppendOutbox(ctx context.Context, entries ...Entry) error
}

// Tx is a storage transaction that can hold outbox entries
type Tx interface {
	storage.Tx
	Appender
}

// Store persists outbox entries. Transactions returned by BeginTx must implement Appender.
type Store interface {
	storage.Beginner

	// Pending returns up to limit pending entries that are due at now, oldest first.
	// An entry is not due while an older pending entry of the same destination is still
	// waiting for its backoff.
	Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// MarkSent records a successful delivery
	MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error

	// MarkFailed records a failed delivery. The entry stays pending.
	MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// PurgeSent deletes sent entries older than the cutoff
	PurgeSent(ctx context.Context, olderThan time.Time) (int, error)

	// Stats reports the backlog
	Stats(ctx context.Context) (Stats, error)
}
