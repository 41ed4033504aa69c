// Package inbox makes "receive + process" idempotent per (envelope, consumer).
//
// Tracker.ProcessOnce runs a handler at most once per envelope ID and consumer name. The inbox
// record is written in the same transaction as the handler's side effects, so a crash either
// keeps both or neither and the broker's redelivery is suppressed only after a real commit.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-dispatch/storage"
)

// ErrAlreadyProcessed is returned by a store when the (envelope, consumer) pair is already recorded
var ErrAlreadyProcessed = errors.New("inbox: envelope already processed by consumer")

// Entry records that a consumer processed an envelope
type Entry struct {
	EnvelopeID  string
	Consumer    string
	ProcessedAt time.Time
}

// Recorder is implemented by transactions that can hold inbox entries.
// RecordInbox, or the commit that follows it, fails with ErrAlreadyProcessed on a duplicate.
type Recorder interface {
	RecordInbox(ctx context.Context, entry Entry) error
}

// Tx is a storage transaction that can hold inbox entries
type Tx interface {
	storage.Tx
	Recorder
}

// Store persists inbox entries. Transactions returned by BeginTx must implement Recorder.
type Store interface {
	storage.Beginner

	// Processed reports whether the pair is recorded
	Processed(ctx context.Context, envelopeID, consumer string) (bool, error)
}

// Handler performs the side effects of processing an envelope inside tx
type Handler func(ctx context.Context, tx Tx) error
