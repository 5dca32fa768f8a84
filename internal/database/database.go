package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps a SQLite or PostgreSQL connection. Queries are written with '?'
// placeholders and rebound for PostgreSQL.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
// ":memory:" gives a private in-memory database.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps an
	// in-memory database alive for the life of the pool.
	conn.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	db := &DB{conn: conn, dialect: dialectSQLite}
	if err := db.migrate(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	if db.dialect == dialectPostgres {
		return "PostgreSQL"
	}
	return "SQLite"
}

// SupportsHighConcurrency returns true for PostgreSQL.
func (db *DB) SupportsHighConcurrency() bool {
	return db.dialect == dialectPostgres
}

func (db *DB) migrate(schema string) error {
	_, err := db.conn.Exec(schema)
	return err
}

// q rebinds '?' placeholders to $n for PostgreSQL.
func (db *DB) q(query string) string {
	if db.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// inTx runs fn in a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// utc normalizes timestamps so SQLite's text representation sorts correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS folders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	UNIQUE(user_id, title)
);
CREATE TABLE IF NOT EXISTS feeds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	fetch_url TEXT NOT NULL,
	last_fetched DATETIME,
	fetch_interval_secs INTEGER NOT NULL DEFAULT 3600,
	failing_since DATETIME,
	available BOOLEAN NOT NULL DEFAULT 1,
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_feeds_fetch_url ON feeds(lower(fetch_url));
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	guid TEXT NOT NULL,
	unique_hash TEXT,
	title TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	published DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(feed_id, guid),
	UNIQUE(feed_id, unique_hash)
);
CREATE INDEX IF NOT EXISTS idx_entries_feed_published ON entries(feed_id, published);
CREATE TABLE IF NOT EXISTS deleted_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	guid TEXT NOT NULL,
	unique_hash TEXT,
	deleted_at DATETIME NOT NULL,
	UNIQUE(feed_id, guid)
);
CREATE INDEX IF NOT EXISTS idx_deleted_entries_hash ON deleted_entries(feed_id, unique_hash);
CREATE TABLE IF NOT EXISTS subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	folder_id INTEGER REFERENCES folders(id) ON DELETE SET NULL,
	unread_entries INTEGER NOT NULL DEFAULT 0,
	UNIQUE(user_id, feed_id)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_feed ON subscriptions(feed_id);
CREATE TABLE IF NOT EXISTS entry_states (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	entry_id INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
	is_read BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE(user_id, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_entry_states_entry ON entry_states(entry_id);
CREATE TABLE IF NOT EXISTS import_batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	state TEXT NOT NULL,
	total_units INTEGER NOT NULL DEFAULT 0,
	processed_units INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`
