package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a journal database.
// The path should be a file path (e.g., "./journal.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases consistent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS commits (
			id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			event_name TEXT NOT NULL,
			generation INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			snapshot BLOB NOT NULL,
			UNIQUE (endpoint, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	if rec.Endpoint == "" {
		return Record{}, ErrEndpointRequired
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Snapshot == nil {
		rec.Snapshot = []byte{}
	}

	err := s.db.QueryRow(`
		INSERT INTO commits (id, endpoint, event_id, event_name, generation, sequence, timestamp, snapshot)
		VALUES (
			?, ?, ?, ?, ?,
			COALESCE((SELECT MAX(sequence) FROM commits WHERE endpoint = ?), 0) + 1,
			?, ?
		)
		RETURNING sequence
	`, rec.ID, rec.Endpoint, rec.EventID, rec.EventName, int64(rec.Generation),
		rec.Endpoint, rec.Timestamp.Format(time.RFC3339Nano), rec.Snapshot).Scan(&rec.Sequence)
	if err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(endpoint string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, event_id, event_name, generation, sequence, timestamp, snapshot
		FROM commits
		WHERE endpoint = ?
		ORDER BY sequence
	`, endpoint)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		rec.Endpoint = endpoint
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(endpoint string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT id, event_id, event_name, generation, sequence, timestamp, snapshot
		FROM commits
		WHERE endpoint = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, endpoint)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Endpoint = endpoint
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		generation int64
		timestamp  string
	)
	if err := row.Scan(&rec.ID, &rec.EventID, &rec.EventName, &generation, &rec.Sequence, &timestamp, &rec.Snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Generation = uint64(generation)
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	return rec, nil
}

// Truncate implements Store.
func (s *SQLiteStore) Truncate(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(`DELETE FROM commits WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("truncate records: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
