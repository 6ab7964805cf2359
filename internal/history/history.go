// Package history persists per-session chat messages in SQLite.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pilotdeck/pilotdeck/internal/session"
)

// Store wraps a SQLite database holding chat history.
// Thread-safe for concurrent use from multiple goroutines within one
// process; WAL mode plus a busy timeout covers multi-process access.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database under baseDir.
func Open(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, "history.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("history: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	// WAL mode: concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: wal mode: %w", err)
	}
	// Wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: busy timeout: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session, id);
	`)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Append stores one message at the end of a session's history.
func (s *Store) Append(sessionName string, msg session.ChatMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (session, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionName, msg.Role, msg.Content, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Load returns a session's messages in insertion order.
func (s *Store) Load(sessionName string) ([]session.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM messages WHERE session = ? ORDER BY id`,
		sessionName,
	)
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	defer rows.Close()

	var out []session.ChatMessage
	for rows.Next() {
		var msg session.ChatMessage
		var ns int64
		if err := rows.Scan(&msg.Role, &msg.Content, &ns); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msg.Timestamp = time.Unix(0, ns)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Delete removes all messages for a session.
func (s *Store) Delete(sessionName string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session = ?`, sessionName)
	if err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	return nil
}

// Sessions returns the distinct session names present in the store.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT session FROM messages ORDER BY session`)
	if err != nil {
		return nil, fmt.Errorf("history: sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
