package sqlstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect selects placeholder style and DDL
type Dialect string

// Supported dialects
const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect parses a dialect name
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case DialectPostgres, DialectMySQL, DialectSQLite:
		return d, nil
	case "pgx", "postgresql":
		return DialectPostgres, nil
	case "mariadb":
		return DialectMySQL, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

// rebind rewrites ? placeholders into the dialect's style
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) blobType() string {
	switch d {
	case DialectPostgres:
		return "BYTEA"
	case DialectMySQL:
		return "LONGBLOB"
	default:
		return "BLOB"
	}
}

func (d Dialect) schema(outboxTable, inboxTable string) []string {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			destination VARCHAR(255) NOT NULL,
			message_type VARCHAR(255) NOT NULL,
			payload %s NOT NULL,
			status VARCHAR(16) NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			next_attempt_at BIGINT NOT NULL,
			sent_at BIGINT NULL,
			last_error TEXT NULL
		)`, outboxTable, d.blobType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			envelope_id VARCHAR(64) NOT NULL,
			consumer VARCHAR(255) NOT NULL,
			processed_at BIGINT NOT NULL,
			PRIMARY KEY (envelope_id, consumer)
		)`, inboxTable),
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS
	if d != DialectMySQL {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_pending_idx ON %s (status, destination, created_at)`,
			outboxTable, outboxTable))
	}
	return stmts
}

var identifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !identifierRegexp.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", name)
	}
	return nil
}
