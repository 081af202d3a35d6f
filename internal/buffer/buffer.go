package buffer

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Buffer is the local store-and-forward queue for outbound impulses
// that could not reach the bus. One buffer file belongs to exactly one
// agent identity; concurrent writers from other processes are not
// supported.
type Buffer struct {
	db *sql.DB
}

// Impulse is one buffered (subject, payload) pair awaiting replay.
type Impulse struct {
	ID         int64
	Subject    string
	Payload    []byte
	CapturedAt time.Time
}

func Open(path string) (*Buffer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS impulses (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		subject     TEXT NOT NULL,
		payload     BLOB NOT NULL,
		captured_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create impulses table: %w", err)
	}

	return &Buffer{db: db}, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

// Append durably persists one impulse. It returns only after the row
// has been committed to the store.
func (b *Buffer) Append(subject string, payload []byte) error {
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := b.db.Exec(
		`INSERT INTO impulses (subject, payload, captured_at) VALUES (?, ?, ?)`,
		subject, payload, ts,
	); err != nil {
		return fmt.Errorf("append impulse: %w", err)
	}
	return nil
}

// Drain feeds buffered impulses to fn in ascending id order, pulling
// one row at a time so a large backlog never sits in memory. A row is
// deleted only after fn returns nil for it; the first error stops the
// drain with the failed row and everything after it still intact, so a
// later drain resumes exactly where this one gave up.
func (b *Buffer) Drain(fn func(imp Impulse) error) error {
	for {
		var imp Impulse
		var ts string
		err := b.db.QueryRow(
			`SELECT id, subject, payload, captured_at FROM impulses ORDER BY id ASC LIMIT 1`,
		).Scan(&imp.ID, &imp.Subject, &imp.Payload, &ts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select impulse: %w", err)
		}
		imp.CapturedAt, _ = time.Parse(time.RFC3339, ts)

		if err := fn(imp); err != nil {
			return fmt.Errorf("replay impulse %d: %w", imp.ID, err)
		}
		if _, err := b.db.Exec(`DELETE FROM impulses WHERE id = ?`, imp.ID); err != nil {
			return fmt.Errorf("delete impulse %d: %w", imp.ID, err)
		}
	}
}

// Len reports the number of impulses awaiting replay.
func (b *Buffer) Len() (int, error) {
	var n int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM impulses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count impulses: %w", err)
	}
	return n, nil
}
