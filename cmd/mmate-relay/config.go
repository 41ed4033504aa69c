package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// config holds the relay settings. Flags win over MMATE_* environment variables.
type config struct {
	StoreDriver  string
	DSN          string
	OutboxTable  string
	InboxTable   string
	Transport    string
	TransportURL string
	Prefix       string

	Interval    time.Duration
	BatchSize   int
	Parallelism int
	Retention   time.Duration
	SendTimeout time.Duration

	HealthInterval time.Duration
	Verbose        bool
}

func defaultConfig() config {
	return config{
		StoreDriver:    "postgres",
		OutboxTable:    "outbox",
		InboxTable:     "inbox",
		Transport:      "rabbitmq",
		Interval:       time.Second,
		BatchSize:      100,
		Parallelism:    4,
		Retention:      24 * time.Hour,
		SendTimeout:    30 * time.Second,
		HealthInterval: time.Minute,
	}
}

// lookupFunc matches os.LookupEnv
type lookupFunc func(key string) (string, bool)

// applyEnv fills fields whose flag was not set from the environment
func (c *config) applyEnv(lookup lookupFunc, changed func(flag string) bool) error {
	str := func(flag, key string, dst *string) {
		if changed(flag) {
			return
		}
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(flag, key string, dst *int) error {
		if changed(flag) {
			return nil
		}
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(flag, key string, dst *time.Duration) error {
		if changed(flag) {
			return nil
		}
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("store", "MMATE_STORE", &c.StoreDriver)
	str("dsn", "MMATE_DSN", &c.DSN)
	str("outbox-table", "MMATE_OUTBOX_TABLE", &c.OutboxTable)
	str("inbox-table", "MMATE_INBOX_TABLE", &c.InboxTable)
	str("transport", "MMATE_TRANSPORT", &c.Transport)
	str("transport-url", "MMATE_TRANSPORT_URL", &c.TransportURL)
	str("prefix", "MMATE_PREFIX", &c.Prefix)

	return errors.Join(
		num("batch-size", "MMATE_BATCH_SIZE", &c.BatchSize),
		num("parallelism", "MMATE_PARALLELISM", &c.Parallelism),
		dur("interval", "MMATE_INTERVAL", &c.Interval),
		dur("retention", "MMATE_RETENTION", &c.Retention),
		dur("send-timeout", "MMATE_SEND_TIMEOUT", &c.SendTimeout),
		dur("health-interval", "MMATE_HEALTH_INTERVAL", &c.HealthInterval),
	)
}

func (c config) validate(needTransport bool) error {
	if c.DSN == "" {
		return fmt.Errorf("a store DSN is required (--dsn or MMATE_DSN)")
	}
	switch strings.ToLower(c.StoreDriver) {
	case "postgres", "pgx", "pq", "mysql", "sqlite", "sqlite3", "gorm":
	default:
		return fmt.Errorf("unknown store %q", c.StoreDriver)
	}
	if !needTransport {
		return nil
	}
	switch strings.ToLower(c.Transport) {
	case "memory":
	case "rabbitmq", "kafka", "nats":
		if c.TransportURL == "" {
			return fmt.Errorf("--transport-url is required for %s", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.BatchSize <= 0 || c.Parallelism <= 0 || c.Interval <= 0 {
		return fmt.Errorf("interval, batch size and parallelism must be positive")
	}
	return nil
}

func envLookup() lookupFunc {
	return os.LookupEnv
}
