package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the peer's SQLite database: offline message spool, broadcast
// log, friends, and a small metadata table.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "strangers.db")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrency between the poller and send path.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS offline_messages (
			msg_id     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			sender     TEXT NOT NULL,
			envelope   TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create offline_messages table: %w", err)
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_offline_recipient ON offline_messages(recipient)`)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS broadcast_log (
			id        TEXT PRIMARY KEY,
			from_peer TEXT NOT NULL,
			name      TEXT DEFAULT '',
			text      TEXT NOT NULL,
			ts        INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create broadcast_log table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS friends (
			key      TEXT PRIMARY KEY,
			user_id  TEXT DEFAULT '',
			peer_id  TEXT NOT NULL,
			name     TEXT DEFAULT '',
			avatar   TEXT DEFAULT '',
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create friends table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// GetMeta returns a metadata value, or false if unset.
func (d *DB) GetMeta(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", false
	}
	return v, true
}

// SetMeta stores a metadata value, replacing any previous one.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}
