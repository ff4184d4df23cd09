package storage

import (
	"errors"
	"sync"

	"github.com/agrifund/granary/internal/cluster"
)

// ErrNotFound is returned when a record ID doesn't exist in the store.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for loan record storage.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Put stores a record keyed by its ID.
	// Overwrites any existing record with the same ID.
	Put(rec cluster.LoanRecord) error

	// Get retrieves a record by ID.
	// Returns ErrNotFound if the ID doesn't exist.
	Get(id string) (cluster.LoanRecord, error)

	// Delete removes a record by ID.
	// No error if the ID doesn't exist (idempotent).
	Delete(id string) error

	// ListByOwner returns all records with the given owner.
	// Order is not guaranteed.
	ListByOwner(owner string) ([]cluster.LoanRecord, error)

	// ListByStatus returns all records with the given status.
	// Order is not guaranteed.
	ListByStatus(status string) ([]cluster.LoanRecord, error)

	// List returns all records in the store.
	// Order is not guaranteed.
	List() ([]cluster.LoanRecord, error)

	// Count returns the number of records in the store.
	Count() (int, error)

	// Stats returns storage statistics.
	Stats() (StoreStats, error)

	// Close releases any resources held by the store.
	Close() error
}

// StoreStats contains statistics about the store.
type StoreStats struct {
	Records int   // Number of records
	Bytes   int64 // Total size of all payloads in bytes
}

// MemoryStore implements Store with in-memory storage.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	mu       sync.RWMutex                           // Protects all maps
	records  map[string]cluster.LoanRecord          // ID -> record
	byOwner  map[string]map[string]struct{}         // owner -> set of IDs
	byStatus map[string]map[string]struct{}         // status -> set of IDs
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]cluster.LoanRecord),
		byOwner:  make(map[string]map[string]struct{}),
		byStatus: make(map[string]map[string]struct{}),
	}
}

// Put stores a record and updates the owner and status indexes.
// The record and its index entries become visible atomically.
func (m *MemoryStore) Put(rec cluster.LoanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop stale index entries when overwriting.
	if old, exists := m.records[rec.ID]; exists {
		m.unindex(old)
	}

	// Copy the payload to prevent external modification.
	stored := rec
	if rec.Payload != nil {
		stored.Payload = append([]byte(nil), rec.Payload...)
	}
	m.records[rec.ID] = stored
	m.index(stored)

	return nil
}

// Get retrieves a record by ID.
// Returns a copy of the payload to prevent external modification.
func (m *MemoryStore) Get(id string) (cluster.LoanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists {
		return cluster.LoanRecord{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Delete removes a record and its index entries.
func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.records[id]; exists {
		m.unindex(old)
		delete(m.records, id)
	}
	return nil
}

// ListByOwner returns all records with the given owner.
func (m *MemoryStore) ListByOwner(owner string) ([]cluster.LoanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOwner[owner]
	out := make([]cluster.LoanRecord, 0, len(ids))
	for id := range ids {
		out = append(out, copyRecord(m.records[id]))
	}
	return out, nil
}

// ListByStatus returns all records with the given status.
func (m *MemoryStore) ListByStatus(status string) ([]cluster.LoanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byStatus[status]
	out := make([]cluster.LoanRecord, 0, len(ids))
	for id := range ids {
		out = append(out, copyRecord(m.records[id]))
	}
	return out, nil
}

// List returns all records in the store.
func (m *MemoryStore) List() ([]cluster.LoanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]cluster.LoanRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// Count returns the number of records.
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Stats returns storage statistics.
func (m *MemoryStore) Stats() (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalBytes int64
	for _, rec := range m.records {
		totalBytes += int64(len(rec.Payload))
	}
	return StoreStats{
		Records: len(m.records),
		Bytes:   totalBytes,
	}, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// index adds a record's ID to the owner and status indexes.
// Caller must hold the write lock.
func (m *MemoryStore) index(rec cluster.LoanRecord) {
	if m.byOwner[rec.Owner] == nil {
		m.byOwner[rec.Owner] = make(map[string]struct{})
	}
	m.byOwner[rec.Owner][rec.ID] = struct{}{}

	if m.byStatus[rec.Status] == nil {
		m.byStatus[rec.Status] = make(map[string]struct{})
	}
	m.byStatus[rec.Status][rec.ID] = struct{}{}
}

// unindex removes a record's ID from the owner and status indexes.
// Caller must hold the write lock.
func (m *MemoryStore) unindex(rec cluster.LoanRecord) {
	if ids := m.byOwner[rec.Owner]; ids != nil {
		delete(ids, rec.ID)
		if len(ids) == 0 {
			delete(m.byOwner, rec.Owner)
		}
	}
	if ids := m.byStatus[rec.Status]; ids != nil {
		delete(ids, rec.ID)
		if len(ids) == 0 {
			delete(m.byStatus, rec.Status)
		}
	}
}

func copyRecord(rec cluster.LoanRecord) cluster.LoanRecord {
	out := rec
	if rec.Payload != nil {
		out.Payload = append([]byte(nil), rec.Payload...)
	}
	return out
}
