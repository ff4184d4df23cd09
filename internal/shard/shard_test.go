package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/storage"
)

const testCaller = "coordinator"

func newTestShard(t *testing.T, cfg Config) *Shard {
	t.Helper()
	if cfg.Authorized == nil {
		cfg.Authorized = []string{testCaller}
	}
	return New(cfg, storage.NewMemoryStore())
}

func loan(id, owner, status string) cluster.LoanRecord {
	return cluster.LoanRecord{
		ID:      id,
		Owner:   owner,
		Status:  status,
		Payload: json.RawMessage(`{"amount": 1000}`),
	}
}

// TestAuthorization verifies every operation rejects callers missing from
// the allow-list.
func TestAuthorization(t *testing.T) {
	s := newTestShard(t, Config{ID: 1})
	s.Put(testCaller, loan("a", "farmer-1", "active"))

	tests := []struct {
		name string
		op   func(caller string) error
	}{
		{"put", func(c string) error { return s.Put(c, loan("x", "o", "active")) }},
		{"get", func(c string) error { _, err := s.Get(c, "a"); return err }},
		{"update", func(c string) error { return s.Update(c, "a", loan("a", "o", "repaid")) }},
		{"list by owner", func(c string) error { _, err := s.ListByOwner(c, "farmer-1"); return err }},
		{"list by status", func(c string) error { _, err := s.ListByStatus(c, "active"); return err }},
		{"ids", func(c string) error { _, err := s.IDs(c); return err }},
		{"delete", func(c string) error { _, err := s.Delete(c, []string{"a"}); return err }},
		{"export", func(c string) error { _, err := s.Export(c, []string{"a"}); return err }},
		{"import", func(c string) error { _, err := s.Import(c, nil); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op("intruder"); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("Expected ErrUnauthorized, got %v", err)
			}
			if err := tt.op(testCaller); errors.Is(err, ErrUnauthorized) {
				t.Errorf("Authorized caller rejected: %v", err)
			}
		})
	}
}

// TestReadOnlyMode verifies mutations are rejected and reads keep working
// while the shard is read-only.
func TestReadOnlyMode(t *testing.T) {
	s := newTestShard(t, Config{ID: 1})
	if err := s.Put(testCaller, loan("a", "farmer-1", "active")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s.SetReadOnly(true)

	if err := s.Put(testCaller, loan("b", "farmer-2", "active")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly from Put, got %v", err)
	}
	if err := s.Update(testCaller, "a", loan("a", "farmer-1", "repaid")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly from Update, got %v", err)
	}
	if _, err := s.Delete(testCaller, []string{"a"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly from Delete, got %v", err)
	}
	if _, err := s.Import(testCaller, []cluster.LoanRecord{loan("c", "o", "active")}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly from Import, got %v", err)
	}

	// Reads and migration exports still work.
	if _, err := s.Get(testCaller, "a"); err != nil {
		t.Errorf("Expected reads to work in read-only mode: %v", err)
	}
	if _, err := s.Export(testCaller, []string{"a"}); err != nil {
		t.Errorf("Expected export to work in read-only mode: %v", err)
	}

	// The record count is exactly what it was before the rejected writes.
	info, err := s.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.RecordCount != 1 {
		t.Errorf("Expected 1 record after rejected mutations, got %d", info.RecordCount)
	}

	s.SetReadOnly(false)
	if err := s.Put(testCaller, loan("b", "farmer-2", "active")); err != nil {
		t.Errorf("Expected writes to resume, got %v", err)
	}
}

// TestCapacityCeiling verifies the record-count ceiling and the overwrite
// exception.
func TestCapacityCeiling(t *testing.T) {
	s := newTestShard(t, Config{ID: 1, MaxRecords: 2})

	if err := s.Put(testCaller, loan("a", "o1", "active")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(testCaller, loan("b", "o2", "active")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := s.Put(testCaller, loan("c", "o3", "active")); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded, got %v", err)
	}

	// Overwriting an existing ID does not grow the count and must succeed
	// at the ceiling.
	if err := s.Put(testCaller, loan("a", "o1", "repaid")); err != nil {
		t.Errorf("Expected overwrite at capacity to succeed, got %v", err)
	}

	// A batch import that would cross the ceiling is rejected whole.
	if _, err := s.Import(testCaller, []cluster.LoanRecord{loan("c", "o3", "active")}); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded from Import, got %v", err)
	}
}

// TestBatchCeiling verifies an oversized batch is rejected with no partial
// side effect.
func TestBatchCeiling(t *testing.T) {
	s := newTestShard(t, Config{ID: 1, BatchLimit: 1000})
	for i := 0; i < 5; i++ {
		if err := s.Put(testCaller, loan(fmt.Sprintf("id-%d", i), "owner", "active")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// 1001 IDs, five of which exist. Nothing may be deleted.
	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}

	deleted, err := s.Delete(testCaller, ids)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("Expected ErrBatchTooLarge, got %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected 0 deletions, got %d", deleted)
	}

	info, _ := s.Info()
	if info.RecordCount != 5 {
		t.Errorf("Expected all 5 records to survive, got %d", info.RecordCount)
	}

	if _, err := s.Export(testCaller, ids); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("Expected ErrBatchTooLarge from Export, got %v", err)
	}
	if _, err := s.Import(testCaller, make([]cluster.LoanRecord, 1001)); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("Expected ErrBatchTooLarge from Import, got %v", err)
	}
}

// TestDeleteCountsExisting verifies delete reports how many IDs existed,
// skipping unknown IDs without error.
func TestDeleteCountsExisting(t *testing.T) {
	s := newTestShard(t, Config{ID: 1})
	s.Put(testCaller, loan("a", "o", "active"))
	s.Put(testCaller, loan("b", "o", "active"))

	deleted, err := s.Delete(testCaller, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deletions, got %d", deleted)
	}
	if _, err := s.Get(testCaller, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected record gone, got %v", err)
	}
}

// TestImportIdempotent verifies re-importing the same batch overwrites
// rather than duplicates, which is what makes migration retries safe.
func TestImportIdempotent(t *testing.T) {
	s := newTestShard(t, Config{ID: 1})
	batch := []cluster.LoanRecord{
		loan("a", "o1", "active"),
		loan("b", "o2", "active"),
		loan("c", "o3", "active"),
	}

	for round := 0; round < 2; round++ {
		n, err := s.Import(testCaller, batch)
		if err != nil {
			t.Fatalf("Import round %d failed: %v", round, err)
		}
		if n != 3 {
			t.Errorf("Round %d: expected 3 imported, got %d", round, n)
		}
	}

	info, _ := s.Info()
	if info.RecordCount != 3 {
		t.Errorf("Expected 3 records after double import, got %d", info.RecordCount)
	}
}

// TestUpdateRequiresExisting verifies Update never creates records.
func TestUpdateRequiresExisting(t *testing.T) {
	s := newTestShard(t, Config{ID: 1})

	if err := s.Update(testCaller, "ghost", loan("ghost", "o", "active")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	s.Put(testCaller, loan("a", "o", "active"))
	if err := s.Update(testCaller, "a", loan("a", "o", "defaulted")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := s.Get(testCaller, "a")
	if got.Status != "defaulted" {
		t.Errorf("Expected updated status, got %q", got.Status)
	}
}

// TestExportSkipsMissing verifies export returns only the records that
// exist.
func TestExportSkipsMissing(t *testing.T) {
	s := newTestShard(t, Config{ID: 1})
	s.Put(testCaller, loan("a", "o", "active"))

	recs, err := s.Export(testCaller, []string{"a", "missing"})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "a" {
		t.Errorf("Expected just record a, got %v", recs)
	}
}

// TestInfoStoragePercentage verifies the capacity figures reported to the
// health endpoint.
func TestInfoStoragePercentage(t *testing.T) {
	s := newTestShard(t, Config{ID: 9, MaxRecords: 100, MaxStorageBytes: 1 << 20})
	s.Put(testCaller, loan("a", "o", "active"))

	info, err := s.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.ID != 9 {
		t.Errorf("Expected shard ID 9, got %d", info.ID)
	}
	if info.RecordCount != 1 {
		t.Errorf("Expected 1 record, got %d", info.RecordCount)
	}
	if info.StorageUsedBytes <= 0 {
		t.Error("Expected nonzero storage usage")
	}
	if info.StoragePercentage <= 0 || info.StoragePercentage >= 100 {
		t.Errorf("Expected percentage in (0, 100), got %v", info.StoragePercentage)
	}
}
