package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/outbox"
	"github.com/glimte/mmate-dispatch/store/gormstore"
	"github.com/glimte/mmate-dispatch/store/sqlstore"
	"github.com/glimte/mmate-dispatch/transports/kafka"
	"github.com/glimte/mmate-dispatch/transports/memory"
	"github.com/glimte/mmate-dispatch/transports/nats"
	"github.com/glimte/mmate-dispatch/transports/rabbitmq"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// relayStore is an outbox store the CLI can migrate and close
type relayStore interface {
	outbox.Store
	Migrate(ctx context.Context) error
	io.Closer
}

type sqlStore struct {
	*sqlstore.Store
}

func (s sqlStore) Close() error {
	return s.DB().Close()
}

// sqlDriver maps a store name to a database/sql driver and dialect
func sqlDriver(name string) (driver string, dialect sqlstore.Dialect, err error) {
	switch strings.ToLower(name) {
	case "postgres", "pgx":
		return "pgx", sqlstore.DialectPostgres, nil
	case "pq":
		return "postgres", sqlstore.DialectPostgres, nil
	case "mysql":
		return "mysql", sqlstore.DialectMySQL, nil
	case "sqlite", "sqlite3":
		return "sqlite3", sqlstore.DialectSQLite, nil
	default:
		return "", "", fmt.Errorf("unknown store %q", name)
	}
}

func openStore(ctx context.Context, cfg config, logger *slog.Logger) (relayStore, error) {
	if strings.EqualFold(cfg.StoreDriver, "gorm") {
		store, err := gormstore.Open(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	driver, dialect, err := sqlDriver(cfg.StoreDriver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}

	store, err := sqlstore.New(db, dialect,
		sqlstore.WithOutboxTable(cfg.OutboxTable),
		sqlstore.WithInboxTable(cfg.InboxTable),
		sqlstore.WithLogger(logger),
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sqlStore{store}, nil
}

// sender is a relay target with its health probe
type sender struct {
	messaging.Sender
	io.Closer
	checker health.Checker
}

func openSender(ctx context.Context, cfg config, logger *slog.Logger) (*sender, error) {
	switch strings.ToLower(cfg.Transport) {
	case "rabbitmq":
		t, err := rabbitmq.New(ctx, rabbitmq.Config{
			URL:    cfg.TransportURL,
			Prefix: cfg.Prefix,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return &sender{Sender: t, Closer: t, checker: health.NewTransportChecker("rabbitmq", t)}, nil

	case "kafka":
		t, err := kafka.New(kafka.Config{
			Brokers: strings.Split(cfg.TransportURL, ","),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return &sender{Sender: prefixed(t, cfg.Prefix), Closer: t}, nil

	case "nats":
		t, err := nats.New(nats.Config{URL: cfg.TransportURL, Name: "mmate-relay", Logger: logger})
		if err != nil {
			return nil, err
		}
		return &sender{Sender: prefixed(t, cfg.Prefix), Closer: t, checker: health.NewTransportChecker("nats", t)}, nil

	case "memory":
		b := memory.NewBroker(memory.Config{Logger: logger})
		return &sender{Sender: b, Closer: b}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func prefixed(s messaging.Sender, prefix string) messaging.Sender {
	if prefix == "" {
		return s
	}
	return messaging.SenderFunc(func(ctx context.Context, destination string, payload []byte) error {
		return s.Send(ctx, prefix+destination, payload)
	})
}
