package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/storage"
)

// Sentinel errors forming the shard's error taxonomy. Callers are expected
// to test with errors.Is; the shard node maps these onto HTTP status codes.
var (
	// ErrNotFound is returned when a record ID doesn't exist.
	ErrNotFound = storage.ErrNotFound
	// ErrUnauthorized is returned when the caller is not on the allow-list.
	ErrUnauthorized = errors.New("caller not authorized")
	// ErrReadOnly is returned for mutations while the shard is read-only.
	ErrReadOnly = errors.New("shard is read-only")
	// ErrCapacityExceeded is returned when a write would exceed max records.
	ErrCapacityExceeded = errors.New("shard capacity exceeded")
	// ErrBatchTooLarge is returned when a batch exceeds the batch ceiling.
	ErrBatchTooLarge = errors.New("batch too large")
)

// DefaultBatchLimit caps the size of export/import/delete batches.
const DefaultBatchLimit = 1000

// Config carries the policy limits for a shard.
type Config struct {
	ID              int      // Shard identifier
	MaxRecords      int      // Record-count capacity ceiling (0 = unlimited)
	MaxStorageBytes int64    // Byte ceiling used to compute storage percentage
	BatchLimit      int      // Batch ceiling; DefaultBatchLimit if 0
	Authorized      []string // Caller tokens allowed to operate on this shard
}

// Shard wraps a storage backend with authorization, capacity, and read-only
// policy. One Shard instance runs per shard node process.
type Shard struct {
	id              int
	maxRecords      int
	maxStorageBytes int64
	batchLimit      int

	store storage.Store
	stats OperationStats

	mu         sync.RWMutex        // Protects readOnly and authorized
	readOnly   bool                // Mutations rejected while set
	authorized map[string]struct{} // Caller allow-list
}

// OperationStats tracks operation counts for a shard.
type OperationStats struct {
	Gets    uint64 // Number of read operations
	Puts    uint64 // Number of put/update operations
	Deletes uint64 // Number of delete operations
	Lists   uint64 // Number of list/export operations
}

// Info contains a point-in-time view of a shard's state and capacity.
type Info struct {
	ID                int     `json:"shard_id"`
	ReadOnly          bool    `json:"read_only"`
	MaxRecords        int     `json:"max_records"`
	RecordCount       int     `json:"record_count"`
	StorageUsedBytes  int64   `json:"storage_used_bytes"`
	StoragePercentage float64 `json:"storage_percentage"`
}

// New creates a shard around the given store with the given policy limits.
func New(cfg Config, store storage.Store) *Shard {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	authorized := make(map[string]struct{}, len(cfg.Authorized))
	for _, token := range cfg.Authorized {
		authorized[token] = struct{}{}
	}
	return &Shard{
		id:              cfg.ID,
		maxRecords:      cfg.MaxRecords,
		maxStorageBytes: cfg.MaxStorageBytes,
		batchLimit:      cfg.BatchLimit,
		store:           store,
		authorized:      authorized,
	}
}

// ID returns the shard identifier.
func (s *Shard) ID() int { return s.id }

// Put stores a record, rejecting the write if the shard is read-only or the
// record-count ceiling would be exceeded.
func (s *Shard) Put(caller string, rec cluster.LoanRecord) error {
	if err := s.authorize(caller); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if err := s.checkCapacity(1, rec.ID); err != nil {
		return err
	}

	atomic.AddUint64(&s.stats.Puts, 1)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.store.Put(rec)
}

// Get retrieves a record by ID. Reads are served even in read-only mode.
func (s *Shard) Get(caller, id string) (cluster.LoanRecord, error) {
	if err := s.authorize(caller); err != nil {
		return cluster.LoanRecord{}, err
	}
	atomic.AddUint64(&s.stats.Gets, 1)
	return s.store.Get(id)
}

// Update overwrites an existing record. Returns ErrNotFound when the ID
// doesn't exist; Update never creates records.
func (s *Shard) Update(caller, id string, rec cluster.LoanRecord) error {
	if err := s.authorize(caller); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if _, err := s.store.Get(id); err != nil {
		return err
	}

	atomic.AddUint64(&s.stats.Puts, 1)
	rec.ID = id
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.store.Put(rec)
}

// ListByOwner returns all records with the given owner.
func (s *Shard) ListByOwner(caller, owner string) ([]cluster.LoanRecord, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.stats.Lists, 1)
	return s.store.ListByOwner(owner)
}

// ListByStatus returns all records with the given status.
func (s *Shard) ListByStatus(caller, status string) ([]cluster.LoanRecord, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.stats.Lists, 1)
	return s.store.ListByStatus(status)
}

// IDs returns every record ID held by the shard. Used by rebalancing to
// compute migration sets; reads are allowed in read-only mode.
func (s *Shard) IDs(caller string) ([]string, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.stats.Lists, 1)
	recs, err := s.store.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Delete removes the given record IDs and returns how many existed.
// Rejects batches above the batch ceiling with no side effect.
func (s *Shard) Delete(caller string, ids []string) (int, error) {
	if err := s.authorize(caller); err != nil {
		return 0, err
	}
	if len(ids) > s.batchLimit {
		return 0, fmt.Errorf("%w: %d ids, limit %d", ErrBatchTooLarge, len(ids), s.batchLimit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return 0, ErrReadOnly
	}

	deleted := 0
	for _, id := range ids {
		if _, err := s.store.Get(id); err != nil {
			continue
		}
		if err := s.store.Delete(id); err != nil {
			return deleted, err
		}
		atomic.AddUint64(&s.stats.Deletes, 1)
		deleted++
	}
	return deleted, nil
}

// Export returns the records for the given IDs, skipping IDs that don't
// exist. Used by rebalancing; reads are allowed in read-only mode.
func (s *Shard) Export(caller string, ids []string) ([]cluster.LoanRecord, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	if len(ids) > s.batchLimit {
		return nil, fmt.Errorf("%w: %d ids, limit %d", ErrBatchTooLarge, len(ids), s.batchLimit)
	}

	atomic.AddUint64(&s.stats.Lists, 1)
	out := make([]cluster.LoanRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.store.Get(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Import stores a batch of records and returns how many were written.
// Records that already exist are overwritten, not duplicated, so importing
// the same batch twice yields the same record count as importing it once.
func (s *Shard) Import(caller string, recs []cluster.LoanRecord) (int, error) {
	if err := s.authorize(caller); err != nil {
		return 0, err
	}
	if len(recs) > s.batchLimit {
		return 0, fmt.Errorf("%w: %d records, limit %d", ErrBatchTooLarge, len(recs), s.batchLimit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return 0, ErrReadOnly
	}
	if err := s.checkCapacity(len(recs), ""); err != nil {
		return 0, err
	}

	for i, rec := range recs {
		if err := s.store.Put(rec); err != nil {
			return i, err
		}
		atomic.AddUint64(&s.stats.Puts, 1)
	}
	return len(recs), nil
}

// SetReadOnly flips the shard's read-only mode.
func (s *Shard) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
}

// ReadOnly reports whether the shard is in read-only mode.
func (s *Shard) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// Authorize adds a caller token to the allow-list.
func (s *Shard) Authorize(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized[token] = struct{}{}
}

// Info returns the shard's current state and capacity figures.
func (s *Shard) Info() (Info, error) {
	stats, err := s.store.Stats()
	if err != nil {
		return Info{}, err
	}

	info := Info{
		ID:               s.id,
		ReadOnly:         s.ReadOnly(),
		MaxRecords:       s.maxRecords,
		RecordCount:      stats.Records,
		StorageUsedBytes: stats.Bytes,
	}
	if s.maxStorageBytes > 0 {
		info.StoragePercentage = float64(stats.Bytes) / float64(s.maxStorageBytes) * 100
	}
	return info, nil
}

// Stats returns the shard's operation counters.
func (s *Shard) Stats() OperationStats {
	return OperationStats{
		Gets:    atomic.LoadUint64(&s.stats.Gets),
		Puts:    atomic.LoadUint64(&s.stats.Puts),
		Deletes: atomic.LoadUint64(&s.stats.Deletes),
		Lists:   atomic.LoadUint64(&s.stats.Lists),
	}
}

// authorize checks the caller against the allow-list. An empty allow-list
// rejects every caller; shards must be provisioned with at least one token.
func (s *Shard) authorize(caller string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.authorized[caller]; !ok {
		return ErrUnauthorized
	}
	return nil
}

// checkCapacity rejects a write of n incoming records when it would push the
// record count past the ceiling. A single-record overwrite of an existing ID
// does not grow the count and is always allowed. Caller must hold the mutex.
func (s *Shard) checkCapacity(n int, overwriteID string) error {
	if s.maxRecords <= 0 {
		return nil
	}
	count, err := s.store.Count()
	if err != nil {
		return err
	}
	if overwriteID != "" {
		if _, err := s.store.Get(overwriteID); err == nil {
			return nil // overwrite, count unchanged
		}
	}
	if count+n > s.maxRecords {
		return fmt.Errorf("%w: %d records, max %d", ErrCapacityExceeded, count, s.maxRecords)
	}
	return nil
}
