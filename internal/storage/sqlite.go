package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agrifund/granary/internal/cluster"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a single-file SQLite database.
// Durable across restarts; intended for long-lived shards.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		status     TEXT NOT NULL,
		payload    BLOB,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_owner  ON loans(owner);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put stores or overwrites a record.
func (s *SQLiteStore) Put(rec cluster.LoanRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO loans (id, owner, status, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner = excluded.owner,
		   status = excluded.status,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.Owner, rec.Status, []byte(rec.Payload),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *SQLiteStore) Get(id string) (cluster.LoanRecord, error) {
	var rec cluster.LoanRecord
	var payload []byte
	var updatedAt string

	err := s.db.QueryRow(
		"SELECT id, owner, status, payload, updated_at FROM loans WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Owner, &rec.Status, &payload, &updatedAt)
	if err == sql.ErrNoRows {
		return cluster.LoanRecord{}, ErrNotFound
	}
	if err != nil {
		return cluster.LoanRecord{}, fmt.Errorf("get %q: %w", id, err)
	}

	rec.Payload = payload
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// Delete removes a record by ID. Idempotent.
func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM loans WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return nil
}

// ListByOwner returns all records with the given owner.
func (s *SQLiteStore) ListByOwner(owner string) ([]cluster.LoanRecord, error) {
	return s.query("SELECT id, owner, status, payload, updated_at FROM loans WHERE owner = ?", owner)
}

// ListByStatus returns all records with the given status.
func (s *SQLiteStore) ListByStatus(status string) ([]cluster.LoanRecord, error) {
	return s.query("SELECT id, owner, status, payload, updated_at FROM loans WHERE status = ?", status)
}

// List returns all records in the store.
func (s *SQLiteStore) List() ([]cluster.LoanRecord, error) {
	return s.query("SELECT id, owner, status, payload, updated_at FROM loans")
}

// Count returns the number of records.
func (s *SQLiteStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM loans").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Stats returns storage statistics. Bytes counts payload sizes only, which
// keeps the figure comparable with the in-memory store.
func (s *SQLiteStore) Stats() (StoreStats, error) {
	var stats StoreStats
	err := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM loans",
	).Scan(&stats.Records, &stats.Bytes)
	if err != nil {
		return StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(q string, args ...any) ([]cluster.LoanRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []cluster.LoanRecord
	for rows.Next() {
		var rec cluster.LoanRecord
		var payload []byte
		var updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Status, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.Payload = payload
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
