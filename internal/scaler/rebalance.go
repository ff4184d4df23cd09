package scaler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agrifund/granary/internal/audit"
	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/registry"
)

// migrationBatchSize keeps each phase call under the shard batch ceiling.
const migrationBatchSize = 500

// MigrationClient is the subset of the shard client the rebalancer needs.
type MigrationClient interface {
	ListIDs(ctx context.Context, endpoint string) ([]string, error)
	Export(ctx context.Context, endpoint string, ids []string) ([]cluster.LoanRecord, error)
	Import(ctx context.Context, endpoint string, recs []cluster.LoanRecord) (int, error)
	Delete(ctx context.Context, endpoint string, ids []string) (int, error)
}

// Rebalancer moves records between shards on explicit operator request.
type Rebalancer struct {
	registry *registry.Registry
	client   MigrationClient
	recorder audit.Recorder
	log      zerolog.Logger
}

// NewRebalancer creates a rebalancer.
func NewRebalancer(reg *registry.Registry, client MigrationClient, rec audit.Recorder, log zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		registry: reg,
		client:   client,
		recorder: rec,
		log:      log.With().Str("component", "rebalancer").Logger(),
	}
}

// Move migrates fraction (0, 1] of the source shard's records to the target
// shard via export, then import, then delete, batch by batch. Returns
// the number of records fully migrated. A partial failure leaves both shards
// independently consistent: every imported batch either also completed its
// delete phase or left duplicates that a retry resolves, because import
// overwrites rather than duplicates.
func (r *Rebalancer) Move(ctx context.Context, sourceID, targetID int, fraction float64) (int, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("migration fraction must be in (0, 1], got %v", fraction)
	}
	if sourceID == targetID {
		return 0, errors.New("source and target shards must differ")
	}

	source, err := r.registry.Get(sourceID)
	if err != nil {
		return 0, fmt.Errorf("source shard %d: %w", sourceID, err)
	}
	target, err := r.registry.Get(targetID)
	if err != nil {
		return 0, fmt.Errorf("target shard %d: %w", targetID, err)
	}
	if target.IsReadOnly {
		return 0, fmt.Errorf("target shard %d is read-only", targetID)
	}

	ids, err := r.client.ListIDs(ctx, source.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("listing source shard %d: %w", sourceID, err)
	}
	total := int(float64(len(ids)) * fraction)
	if total == 0 {
		return 0, nil
	}
	ids = ids[:total]

	r.recorder.Event(audit.CategoryMigration,
		fmt.Sprintf("rebalance started: %d records, shard %d -> shard %d", total, sourceID, targetID), true)

	moved := 0
	for start := 0; start < total; start += migrationBatchSize {
		end := start + migrationBatchSize
		if end > total {
			end = total
		}
		batch := ids[start:end]

		if err := r.moveBatch(ctx, source.Endpoint, target.Endpoint, batch); err != nil {
			r.recorder.Event(audit.CategoryMigration,
				fmt.Sprintf("rebalance aborted after %d records, shard %d -> shard %d: %v", moved, sourceID, targetID, err), false)
			return moved, err
		}
		moved += len(batch)
	}

	r.recorder.Event(audit.CategoryMigration,
		fmt.Sprintf("rebalance completed: %d records, shard %d -> shard %d", moved, sourceID, targetID), true)
	return moved, nil
}

// moveBatch runs the three migration phases for one batch.
func (r *Rebalancer) moveBatch(ctx context.Context, sourceEndpoint, targetEndpoint string, ids []string) error {
	recs, err := r.client.Export(ctx, sourceEndpoint, ids)
	if err != nil {
		return fmt.Errorf("export phase: %w", err)
	}
	r.log.Info().Int("records", len(recs)).Msg("migration batch exported")

	imported, err := r.client.Import(ctx, targetEndpoint, recs)
	if err != nil {
		return fmt.Errorf("import phase: %w", err)
	}
	r.log.Info().Int("records", imported).Msg("migration batch imported")

	deleted, err := r.client.Delete(ctx, sourceEndpoint, ids)
	if err != nil {
		// Records now exist on both shards. Harmless until a retry deletes
		// them from the source.
		return fmt.Errorf("delete phase: %w", err)
	}
	r.log.Info().Int("records", deleted).Msg("migration batch deleted from source")
	return nil
}
