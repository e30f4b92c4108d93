package devicedb

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tripwire/udevd/internal/broker"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite-backed Store, selected by
// --db-backend=sqlite. It is grounded directly on the teacher's
// internal/queue/sqlite_queue.go: the same PRAGMA journal_mode=WAL /
// PRAGMA synchronous=NORMAL pair, the same SetMaxOpenConns(1) single-writer
// discipline, and schema-on-open idempotent DDL. Where sqlite_queue.go
// tracked an enqueue/ack lifecycle for alert rows, SQLiteStore tracks a
// device-key -> property-snapshot mapping plus a normalized tag table so
// UntagIndex is a single indexed DELETE rather than a symlink directory
// walk.
type SQLiteStore struct {
	db *sql.DB
}

const deviceDBSchema = `
CREATE TABLE IF NOT EXISTS devices (
    key         TEXT PRIMARY KEY,
    properties  TEXT NOT NULL DEFAULT '{}',
    updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE TABLE IF NOT EXISTS device_tags (
    key TEXT NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY (key, tag)
);
CREATE INDEX IF NOT EXISTS idx_device_tags_tag ON device_tags (tag);
`

// NewSQLiteStore opens (or creates) the device database at path and applies
// the schema. path may be ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("devicedb: open %q: %w", path, err)
	}

	// A single connection avoids "database is locked" errors; the broker
	// and the worker subprocesses that might share this file all funnel
	// writes through WAL-mode readers/writer semantics regardless, but
	// within one process only the owning goroutine ever calls these
	// methods.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("devicedb: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("devicedb: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(deviceDBSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("devicedb: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Record upserts the device's property snapshot.
func (s *SQLiteStore) Record(d broker.Device, properties map[string]string) error {
	blob, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("devicedb: marshal properties: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO devices (key, properties) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET properties = excluded.properties,
		                                updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		Key(d), string(blob),
	)
	if err != nil {
		return fmt.Errorf("devicedb: record %q: %w", Key(d), err)
	}
	return nil
}

// Delete removes the device's row and every tag association it held.
func (s *SQLiteStore) Delete(d broker.Device) error {
	key := Key(d)
	if _, err := s.db.Exec(`DELETE FROM device_tags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("devicedb: delete tags for %q: %w", key, err)
	}
	if _, err := s.db.Exec(`DELETE FROM devices WHERE key = ?`, key); err != nil {
		return fmt.Errorf("devicedb: delete %q: %w", key, err)
	}
	return nil
}

// TagIndex replaces the device's tag set with tags.
func (s *SQLiteStore) TagIndex(d broker.Device, tags []string) error {
	key := Key(d)
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("devicedb: tag %q: begin: %w", key, err)
	}
	if _, err := tx.Exec(`DELETE FROM device_tags WHERE key = ?`, key); err != nil {
		tx.Rollback()
		return fmt.Errorf("devicedb: tag %q: clear existing: %w", key, err)
	}
	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO device_tags (key, tag) VALUES (?, ?)`, key, tag); err != nil {
			tx.Rollback()
			return fmt.Errorf("devicedb: tag %q with %q: %w", key, tag, err)
		}
	}
	return tx.Commit()
}

// UntagIndex removes every tag association for the device.
func (s *SQLiteStore) UntagIndex(d broker.Device) error {
	key := Key(d)
	if _, err := s.db.Exec(`DELETE FROM device_tags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("devicedb: untag %q: %w", key, err)
	}
	return nil
}

// TagsFor returns the current tag set for a device key, sorted by tag.
func (s *SQLiteStore) TagsFor(key string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM device_tags WHERE key = ? ORDER BY tag`, key)
	if err != nil {
		return nil, fmt.Errorf("devicedb: tags for %q: %w", key, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("devicedb: scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
