package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/enginebench/internal/result"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run is one archived run without its document.
type Run struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Mode      string    `json:"mode"`
	Style     string    `json:"style"`
	Engines   []string  `json:"engines"`
	Target    string    `json:"target"`
	Partial   bool      `json:"partial"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	mode       TEXT NOT NULL,
	style      TEXT NOT NULL,
	engines    TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	partial    INTEGER NOT NULL DEFAULT 0,
	document   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 5s wait on lock (two CLI invocations archiving at once)
	// journal_mode=WAL: history reads during a write
	// synchronous=NORMAL: safe in WAL
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// New opens the archive at dbPath, creating the schema if needed.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer; :memory: databases are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save archives doc. Saving the same id twice replaces the earlier copy.
func (s *Store) Save(doc *result.Document) error {
	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		return err
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT OR REPLACE INTO runs (id, created_at, mode, style, engines, target, partial, document)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.GeneratedAt.UTC(), doc.Request.Mode, doc.Request.Style,
			strings.Join(doc.Request.Engines, ","), target(doc.Request), doc.Partial, buf.Bytes(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Get returns the archived document for id.
func (s *Store) Get(id string) (*result.Document, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT document FROM runs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return result.Decode(bytes.NewReader(raw))
}

// List returns the newest runs first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*Run, error) {
	q := `SELECT id, created_at, mode, style, engines, target, partial FROM runs ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var engines string
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Mode, &r.Style, &engines, &r.Target, &r.Partial); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if engines != "" {
			r.Engines = strings.Split(engines, ",")
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func target(req result.Request) string {
	if req.Suite != "" {
		return req.Suite
	}
	return req.Operation
}
