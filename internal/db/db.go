package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection holding the durable session state
// and the event log
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency with the companion process
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Values that must survive a host reload but not a host restart.
	-- session_id identifies one host process.
	CREATE TABLE IF NOT EXISTS session_state (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, key)
	);

	-- Companion, recording and queue events
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		subject TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// SetState stores a value for the session, replacing any previous one
func (db *DB) SetState(sessionID, key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO session_state (session_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		sessionID, key, value, time.Now(),
	)
	return err
}

// GetState returns the stored value and whether it was present
func (db *DB) GetState(sessionID, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow(
		`SELECT value FROM session_state WHERE session_id = ? AND key = ?`,
		sessionID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// DeleteState removes a value. Removing a missing value is not an error.
func (db *DB) DeleteState(sessionID, key string) error {
	_, err := db.conn.Exec(
		`DELETE FROM session_state WHERE session_id = ? AND key = ?`,
		sessionID, key,
	)
	return err
}

// PruneSessions deletes the state of every session for which keep returns false
func (db *DB) PruneSessions(keep func(sessionID string) bool) (int, error) {
	rows, err := db.conn.Query(`SELECT DISTINCT session_id FROM session_state`)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep(id) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range stale {
		if _, err := db.conn.Exec(`DELETE FROM session_state WHERE session_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Event represents one logged event
type Event struct {
	ID        int64
	Category  string
	Subject   string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogEvent records an event. Best-effort: a locked database is retried
// briefly and then reported.
func (db *DB) LogEvent(category, subject, eventType, details string) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO events (category, subject, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			category, subject, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log event after %d retries: database locked", maxRetries)
}

// GetRecentEvents retrieves recent events, newest first. An empty category
// returns all categories.
func (db *DB) GetRecentEvents(category string, limit int) ([]Event, error) {
	query := `SELECT id, category, subject, event_type, details, timestamp FROM events`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Category, &e.Subject, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}
