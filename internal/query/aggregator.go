package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/registry"
)

// Type selects which shard query the aggregator fans out.
type Type string

const (
	// TypeByOwner queries each shard's owner index.
	TypeByOwner Type = "by_owner"
	// TypeByStatus queries each shard's status index.
	TypeByStatus Type = "by_status"
)

// MergeStrategy selects how per-shard results are combined.
type MergeStrategy string

const (
	// MergeConcat concatenates all records.
	MergeConcat MergeStrategy = "merge"
	// MergeSum sums a numeric payload field across all records.
	MergeSum MergeStrategy = "sum"
	// MergeAverage averages a numeric payload field across all records.
	MergeAverage MergeStrategy = "average"
	// MergeGroupBy counts records grouped by status.
	MergeGroupBy MergeStrategy = "group_by"
	// MergeTopN keeps the N most recently updated records.
	MergeTopN MergeStrategy = "top_n"
)

// ErrNoShardsResponded is returned when every shard in the fan-out failed.
var ErrNoShardsResponded = errors.New("no shards responded")

// Plan is one aggregated query: the target shards, the per-shard query, and
// the merge strategy. Ephemeral; built per request and not persisted beyond
// its cache entry.
type Plan struct {
	Type   Type
	Param  string        // owner or status value
	Merge  MergeStrategy
	Field  string        // numeric payload field for Sum/Average
	N      int           // result bound for TopN
	Shards []registry.ShardRecord
}

// Result is the merged outcome of a fan-out. Partial is set when at least
// one shard failed; the data reflects the shards that responded.
type Result struct {
	Records         []cluster.LoanRecord `json:"records,omitempty"`
	Value           float64              `json:"value,omitempty"`
	Groups          map[string]int       `json:"groups,omitempty"`
	ShardsQueried   int                  `json:"shards_queried"`
	ShardsResponded int                  `json:"shards_responded"`
	Partial         bool                 `json:"partial"`
}

// Client is the subset of the shard client the aggregator needs.
type Client interface {
	ListByOwner(ctx context.Context, endpoint, owner string) ([]cluster.LoanRecord, error)
	ListByStatus(ctx context.Context, endpoint, status string) ([]cluster.LoanRecord, error)
}

// Aggregator fans a query out to shards and merges the results.
type Aggregator struct {
	client  Client
	timeout time.Duration // per-shard leg timeout
	retries int           // transient-error retries per leg
	log     zerolog.Logger
}

// NewAggregator creates an aggregator. timeout bounds each per-shard leg.
func NewAggregator(client Client, timeout time.Duration, log zerolog.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Aggregator{
		client:  client,
		timeout: timeout,
		retries: 1,
		log:     log.With().Str("component", "aggregator").Logger(),
	}
}

// Run executes the plan: one concurrent leg per shard, each individually
// bounded, failures logged and tolerated. Fails only when zero shards
// responded.
func (a *Aggregator) Run(ctx context.Context, plan Plan) (Result, error) {
	if len(plan.Shards) == 0 {
		return Result{}, ErrNoShardsResponded
	}

	var mu sync.Mutex
	var records []cluster.LoanRecord
	responded := 0

	g, ctx := errgroup.WithContext(ctx)
	for _, rec := range plan.Shards {
		rec := rec
		g.Go(func() error {
			recs, err := a.queryShard(ctx, rec.Endpoint, plan)
			if err != nil {
				// Partial failure: log, count the shard out, keep going.
				a.log.Warn().
					Int("shard_id", rec.ShardID).
					Str("query", string(plan.Type)).
					Err(err).
					Msg("shard query failed")
				return nil
			}
			mu.Lock()
			records = append(records, recs...)
			responded++
			mu.Unlock()
			return nil
		})
	}
	// Legs never return errors; Wait only propagates context cancellation.
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if responded == 0 {
		return Result{}, fmt.Errorf("%w: %d shards queried", ErrNoShardsResponded, len(plan.Shards))
	}

	result := Result{
		ShardsQueried:   len(plan.Shards),
		ShardsResponded: responded,
		Partial:         responded < len(plan.Shards),
	}
	a.merge(plan, records, &result)
	return result, nil
}

// queryShard runs one leg with its own timeout, retrying transient errors a
// bounded number of times.
func (a *Aggregator) queryShard(ctx context.Context, endpoint string, plan Plan) ([]cluster.LoanRecord, error) {
	var recs []cluster.LoanRecord
	var err error

	for attempt := 0; attempt <= a.retries; attempt++ {
		legCtx, cancel := context.WithTimeout(ctx, a.timeout)
		switch plan.Type {
		case TypeByStatus:
			recs, err = a.client.ListByStatus(legCtx, endpoint, plan.Param)
		default:
			recs, err = a.client.ListByOwner(legCtx, endpoint, plan.Param)
		}
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	return recs, err
}

// merge applies the plan's merge strategy to the collected records.
func (a *Aggregator) merge(plan Plan, records []cluster.LoanRecord, result *Result) {
	switch plan.Merge {
	case MergeSum:
		result.Value = sumField(records, plan.Field)

	case MergeAverage:
		if len(records) > 0 {
			result.Value = sumField(records, plan.Field) / float64(len(records))
		}

	case MergeGroupBy:
		groups := make(map[string]int)
		for _, rec := range records {
			groups[rec.Status]++
		}
		result.Groups = groups

	case MergeTopN:
		sort.Slice(records, func(i, j int) bool {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		})
		if plan.N > 0 && len(records) > plan.N {
			records = records[:plan.N]
		}
		result.Records = records

	default: // MergeConcat
		result.Records = records
	}
}

// sumField extracts and sums a numeric field from each record's payload.
// Records without the field contribute zero.
func sumField(records []cluster.LoanRecord, field string) float64 {
	var total float64
	for _, rec := range records {
		if len(rec.Payload) == 0 {
			continue
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			continue
		}
		var v float64
		if raw, ok := payload[field]; ok && json.Unmarshal(raw, &v) == nil {
			total += v
		}
	}
	return total
}
