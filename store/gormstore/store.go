// Package gormstore implements the outbox and inbox stores on gorm and Postgres.
// Handlers reach the transaction's *gorm.DB through (*Tx).DB to write domain rows in it.
package gormstore

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
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Open connects to Postgres and verifies the connection
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, logger), nil
}

// DB returns the underlying gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the outbox and inbox tables
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&outboxModel{}, &inboxModel{}); err != nil {
		return s.logError("gormstore_migrate_failed", err)
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, s.logError("gormstore_begin_failed", tx.Error)
	}
	return &Tx{db: tx, store: s}, nil
}

func (s *Store) Pending(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	blocker := s.db.Table(outboxModel{}.TableName()+" AS b").
		Select("1").
		Where("b.destination = o.destination AND b.status = ? AND b.next_attempt_at > ?", string(outbox.StatusPending), now).
		Where("(b.created_at < o.created_at OR (b.created_at = o.created_at AND b.id < o.id))")

	var rows []outboxModel
	if err := s.db.WithContext(ctx).
		Table(outboxModel{}.TableName()+" AS o").
		Where("o.status = ? AND o.next_attempt_at <= ?", string(outbox.StatusPending), now).
		Where("NOT EXISTS (?)", blocker).
		Order("o.created_at ASC, o.id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, s.logError("gormstore_list_pending_failed", err, "limit", limit)
	}

	entries := make([]outbox.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("id = ? AND status = ?", id, string(outbox.StatusPending)).
		Updates(map[string]any{
			"status":     string(outbox.StatusSent),
			"attempts":   attempts,
			"sent_at":    sentAt.UTC(),
			"last_error": "",
		})
	if result.Error != nil {
		return s.logError("gormstore_mark_sent_failed", result.Error, "id", id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	result := s.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("id = ? AND status = ?", id, string(outbox.StatusPending)).
		Updates(map[string]any{
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt.UTC(),
			"last_error":      lastError,
		})
	if result.Error != nil {
		return s.logError("gormstore_mark_failed_failed", result.Error, "id", id)
	}
	return nil
}

func (s *Store) PurgeSent(ctx context.Context, olderThan time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", string(outbox.StatusSent), olderThan.UTC()).
		Delete(&outboxModel{})
	if result.Error != nil {
		return 0, s.logError("gormstore_purge_sent_failed", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (s *Store) Stats(ctx context.Context) (outbox.Stats, error) {
	var rows []struct {
		Status string
		Count  int
		Oldest *time.Time
	}
	if err := s.db.WithContext(ctx).
		Model(&outboxModel{}).
		Select("status, COUNT(*) AS count, MIN(created_at) AS oldest").
		Group("status").
		Scan(&rows).Error; err != nil {
		return outbox.Stats{}, s.logError("gormstore_stats_failed", err)
	}

	var stats outbox.Stats
	for _, row := range rows {
		switch outbox.Status(row.Status) {
		case outbox.StatusPending:
			stats.Pending = row.Count
			if row.Oldest != nil {
				stats.OldestPendingAt = row.Oldest.UTC()
			}
		case outbox.StatusSent:
			stats.Sent = row.Count
		}
	}
	return stats, nil
}

func (s *Store) Processed(ctx context.Context, envelopeID, consumer string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&inboxModel{}).
		Where("envelope_id = ? AND consumer = ?", envelopeID, consumer).
		Count(&count).Error; err != nil {
		return false, s.logError("gormstore_inbox_lookup_failed", err,
			"envelope_id", envelopeID,
			"consumer", consumer,
		)
	}
	return count > 0, nil
}

func (s *Store) logError(operation string, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	args := append([]any{"event", operation, "error", err}, attrs...)
	s.logger.Error("gorm store operation failed", args...)
	return err
}

// Tx is a gorm transaction holding outbox and inbox writes
type Tx struct {
	db       *gorm.DB
	store    *Store
	onCommit []func()
}

// DB returns the transaction handle for domain writes
func (t *Tx) DB() *gorm.DB {
	return t.db
}

func (t *Tx) AppendOutbox(ctx context.Context, entries ...outbox.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]outboxModel, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, outboxModelFromEntry(e))
	}
	if err := t.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return t.store.logError("gormstore_append_outbox_failed", err, "entries", len(entries))
	}
	return nil
}

// RecordInbox claims the (envelope, consumer) pair. A concurrent claim blocks on the primary key
// until the other transaction finishes, then affects no rows.
func (t *Tx) RecordInbox(ctx context.Context, entry inbox.Entry) error {
	row := inboxModel{
		EnvelopeID:  entry.EnvelopeID,
		Consumer:    entry.Consumer,
		ProcessedAt: entry.ProcessedAt.UTC(),
	}
	create := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "envelope_id"}, {Name: "consumer"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return inbox.ErrAlreadyProcessed
		}
		return t.store.logError("gormstore_record_inbox_failed", create.Error,
			"envelope_id", entry.EnvelopeID,
			"consumer", entry.Consumer,
		)
	}
	if create.RowsAffected == 0 {
		return inbox.ErrAlreadyProcessed
	}
	return nil
}

func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *Tx) Commit(context.Context) error {
	if err := t.db.Commit().Error; err != nil {
		if isUniqueViolation(err) {
			return inbox.ErrAlreadyProcessed
		}
		return mapTxErr(err)
	}
	hooks := t.onCommit
	t.onCommit = nil
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	return mapTxErr(t.db.Rollback().Error)
}

type outboxModel struct {
	ID            string     `gorm:"column:id;primaryKey;size:64"`
	Destination   string     `gorm:"column:destination;size:255;not null;index:idx_mmate_outbox_pending,priority:2"`
	MessageType   string     `gorm:"column:message_type;size:255;not null"`
	Payload       []byte     `gorm:"column:payload;not null"`
	Status        string     `gorm:"column:status;size:16;not null;index:idx_mmate_outbox_pending,priority:1"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index:idx_mmate_outbox_pending,priority:3"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	SentAt        *time.Time `gorm:"column:sent_at"`
	LastError     string     `gorm:"column:last_error"`
}

func (outboxModel) TableName() string {
	return "mmate_outbox"
}

func outboxModelFromEntry(e outbox.Entry) outboxModel {
	return outboxModel{
		ID:            e.ID,
		Destination:   e.Destination,
		MessageType:   e.MessageType,
		Payload:       e.Payload,
		Status:        string(outbox.StatusPending),
		Attempts:      e.Attempts,
		CreatedAt:     e.CreatedAt.UTC(),
		NextAttemptAt: e.NextAttemptAt.UTC(),
	}
}

func (m outboxModel) toEntry() outbox.Entry {
	e := outbox.Entry{
		ID:            m.ID,
		Destination:   m.Destination,
		MessageType:   m.MessageType,
		Payload:       append([]byte(nil), m.Payload...),
		Status:        outbox.Status(m.Status),
		Attempts:      m.Attempts,
		CreatedAt:     m.CreatedAt.UTC(),
		NextAttemptAt: m.NextAttemptAt.UTC(),
		LastError:     m.LastError,
	}
	if m.SentAt != nil {
		e.SentAt = m.SentAt.UTC()
	}
	return e
}

type inboxModel struct {
	EnvelopeID  string    `gorm:"column:envelope_id;primaryKey;size:64"`
	Consumer    string    `gorm:"column:consumer;primaryKey;size:255"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (inboxModel) TableName() string {
	return "mmate_inbox"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapTxErr(err error) error {
	if errors.Is(err, gorm.ErrInvalidTransaction) || errors.Is(err, sql.ErrTxDone) {
		return storage.ErrTxDone
	}
	return err
}

var (
	_ outbox.Store           = (*Store)(nil)
	_ inbox.Store            = (*Store)(nil)
	_ outbox.Tx              = (*Tx)(nil)
	_ inbox.Tx               = (*Tx)(nil)
	_ storage.CommitObserver = (*Tx)(nil)
)
