package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/inbox"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/storage"
)

// Store is an outbox.Store and inbox.Store backed by database/sql
type Store struct {
	db          *sql.DB
	dialect     Dialect
	outboxTable string
	inboxTable  string
	txOptions   *sql.TxOptions
	logger      *slog.Logger
}

// Option configures the Store
type Option func(*Store)

// WithOutboxTable sets the outbox table name. Default is "outbox".
func WithOutboxTable(name string) Option {
	return func(s *Store) {
		s.outboxTable = name
	}
}

// WithInboxTable sets the inbox table name. Default is "inbox".
func WithInboxTable(name string) Option {
	return func(s *Store) {
		s.inboxTable = name
	}
}

// WithTxOptions sets the options used for every transaction
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(s *Store) {
		s.txOptions = opts
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store on db
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:          db,
		dialect:     dialect,
		outboxTable: "outbox",
		inboxTable:  "inbox",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	if err := validateTableName(s.outboxTable); err != nil {
		return nil, err
	}
	if err := validateTableName(s.inboxTable); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the outbox and inbox tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.outboxTable, s.inboxTable) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("sql store schema ready",
		"dialect", string(s.dialect),
		"outboxTable", s.outboxTable,
		"inboxTable", s.inboxTable,
	)
	return nil
}

// BeginTx implements storage.Beginner
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, s.txOptions)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, store: s}, nil
}

// Pending implements outbox.Store
func (s *Store) Pending(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	query := fmt.Sprintf(`SELECT o.id, o.destination, o.message_type, o.payload, o.status, o.attempts,
			o.created_at, o.next_attempt_at, o.sent_at, o.last_error
		FROM %[1]s o
		WHERE o.status = ? AND o.next_attempt_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM %[1]s b
			WHERE b.destination = o.destination AND b.status = ? AND b.next_attempt_at > ?
			AND (b.created_at < o.created_at OR (b.created_at = o.created_at AND b.id < o.id))
		)
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT ?`, s.outboxTable)

	at := micros(now)
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query),
		string(outbox.StatusPending), at, string(outbox.StatusPending), at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e                 outbox.Entry
			status            string
			createdAt, nextAt int64
			sentAt            sql.NullInt64
			lastError         sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Destination, &e.MessageType, &e.Payload, &status, &e.Attempts,
			&createdAt, &nextAt, &sentAt, &lastError); err != nil {
			return nil, err
		}
		e.Status = outbox.Status(status)
		e.CreatedAt = fromMicros(createdAt)
		e.NextAttemptAt = fromMicros(nextAt)
		if sentAt.Valid {
			e.SentAt = fromMicros(sentAt.Int64)
		}
		e.LastError = lastError.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSent implements outbox.Store
func (s *Store) MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, attempts = ?, sent_at = ?, last_error = NULL
		WHERE id = ? AND status = ?`, s.outboxTable)
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		string(outbox.StatusSent), attempts, micros(sentAt), id, string(outbox.StatusPending))
	return err
}

// MarkFailed implements outbox.Store
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	query := fmt.Sprintf(`UPDATE %s SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = ?`, s.outboxTable)
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		attempts, micros(nextAttemptAt), lastError, id, string(outbox.StatusPending))
	return err
}

// PurgeSent implements outbox.Store
func (s *Store) PurgeSent(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND sent_at < ?`, s.outboxTable)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), string(outbox.StatusSent), micros(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Stats implements outbox.Store
func (s *Store) Stats(ctx context.Context) (outbox.Stats, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*), MIN(created_at) FROM %s GROUP BY status`, s.outboxTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return outbox.Stats{}, err
	}
	defer rows.Close()

	var stats outbox.Stats
	for rows.Next() {
		var (
			status string
			count  int
			oldest sql.NullInt64
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return outbox.Stats{}, err
		}
		switch outbox.Status(status) {
		case outbox.StatusPending:
			stats.Pending = count
			if oldest.Valid {
				stats.OldestPendingAt = fromMicros(oldest.Int64)
			}
		case outbox.StatusSent:
			stats.Sent = count
		}
	}
	return stats, rows.Err()
}

// Processed implements inbox.Store
func (s *Store) Processed(ctx context.Context, envelopeID, consumer string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE envelope_id = ? AND consumer = ?`, s.inboxTable)
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), envelopeID, consumer).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

var (
	_ outbox.Store = (*Store)(nil)
	_ inbox.Store  = (*Store)(nil)
)
