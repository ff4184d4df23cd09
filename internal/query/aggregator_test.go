package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/registry"
)

// fakeQueryClient serves canned records per endpoint and can fail chosen
// endpoints.
type fakeQueryClient struct {
	records map[string][]cluster.LoanRecord
	failing map[string]error
}

func (c *fakeQueryClient) ListByOwner(_ context.Context, endpoint, owner string) ([]cluster.LoanRecord, error) {
	if err := c.failing[endpoint]; err != nil {
		return nil, err
	}
	var out []cluster.LoanRecord
	for _, rec := range c.records[endpoint] {
		if rec.Owner == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *fakeQueryClient) ListByStatus(_ context.Context, endpoint, status string) ([]cluster.LoanRecord, error) {
	if err := c.failing[endpoint]; err != nil {
		return nil, err
	}
	var out []cluster.LoanRecord
	for _, rec := range c.records[endpoint] {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func amountRecord(id, owner, status string, amount float64, updated time.Time) cluster.LoanRecord {
	return cluster.LoanRecord{
		ID:        id,
		Owner:     owner,
		Status:    status,
		Payload:   json.RawMessage(fmt.Sprintf(`{"amount": %v}`, amount)),
		UpdatedAt: updated,
	}
}

func threeShards() []registry.ShardRecord {
	return []registry.ShardRecord{
		{ShardID: 0, Endpoint: "http://s0"},
		{ShardID: 1, Endpoint: "http://s1"},
		{ShardID: 2, Endpoint: "http://s2"},
	}
}

// TestRunMergesAllShards verifies a clean fan-out concatenates every shard's
// records.
func TestRunMergesAllShards(t *testing.T) {
	now := time.Now()
	client := &fakeQueryClient{records: map[string][]cluster.LoanRecord{
		"http://s0": {amountRecord("a", "farmer-1", "active", 100, now)},
		"http://s1": {amountRecord("b", "farmer-1", "active", 200, now)},
		"http://s2": {amountRecord("c", "farmer-1", "repaid", 300, now)},
	}}
	agg := NewAggregator(client, time.Second, zerolog.Nop())

	result, err := agg.Run(context.Background(), Plan{
		Type:   TypeByOwner,
		Param:  "farmer-1",
		Merge:  MergeConcat,
		Shards: threeShards(),
	})
	require.NoError(t, err)
	assert.Len(t, result.Records, 3)
	assert.Equal(t, 3, result.ShardsQueried)
	assert.Equal(t, 3, result.ShardsResponded)
	assert.False(t, result.Partial)
}

// TestRunPartialResult verifies one failing shard yields a partial result
// built from the shards that answered.
func TestRunPartialResult(t *testing.T) {
	now := time.Now()
	client := &fakeQueryClient{
		records: map[string][]cluster.LoanRecord{
			"http://s0": {amountRecord("a", "farmer-1", "active", 100, now)},
			"http://s1": {amountRecord("b", "farmer-1", "active", 200, now)},
		},
		failing: map[string]error{"http://s2": errors.New("timeout")},
	}
	agg := NewAggregator(client, 50*time.Millisecond, zerolog.Nop())

	result, err := agg.Run(context.Background(), Plan{
		Type:   TypeByOwner,
		Param:  "farmer-1",
		Shards: threeShards(),
	})
	require.NoError(t, err, "partial results are not errors")
	assert.Len(t, result.Records, 2)
	assert.Equal(t, 3, result.ShardsQueried)
	assert.Equal(t, 2, result.ShardsResponded)
	assert.True(t, result.Partial)
}

// TestRunAllShardsFail verifies zero responders is a hard error.
func TestRunAllShardsFail(t *testing.T) {
	client := &fakeQueryClient{failing: map[string]error{
		"http://s0": errors.New("down"),
		"http://s1": errors.New("down"),
		"http://s2": errors.New("down"),
	}}
	agg := NewAggregator(client, 50*time.Millisecond, zerolog.Nop())

	_, err := agg.Run(context.Background(), Plan{Type: TypeByOwner, Param: "x", Shards: threeShards()})
	assert.ErrorIs(t, err, ErrNoShardsResponded)

	_, err = agg.Run(context.Background(), Plan{Type: TypeByOwner, Param: "x"})
	assert.ErrorIs(t, err, ErrNoShardsResponded, "an empty shard set fails the same way")
}

// TestMergeStrategies covers sum, average, group_by, and top_n.
func TestMergeStrategies(t *testing.T) {
	now := time.Now()
	client := &fakeQueryClient{records: map[string][]cluster.LoanRecord{
		"http://s0": {
			amountRecord("a", "farmer-1", "active", 100, now.Add(-3*time.Hour)),
			amountRecord("b", "farmer-1", "repaid", 200, now.Add(-2*time.Hour)),
		},
		"http://s1": {
			amountRecord("c", "farmer-1", "active", 300, now.Add(-1*time.Hour)),
			amountRecord("d", "farmer-1", "active", 400, now),
		},
	}}
	agg := NewAggregator(client, time.Second, zerolog.Nop())
	shards := threeShards()[:2]

	t.Run("sum", func(t *testing.T) {
		result, err := agg.Run(context.Background(), Plan{
			Type: TypeByOwner, Param: "farmer-1", Merge: MergeSum, Field: "amount", Shards: shards,
		})
		require.NoError(t, err)
		assert.Equal(t, 1000.0, result.Value)
	})

	t.Run("average", func(t *testing.T) {
		result, err := agg.Run(context.Background(), Plan{
			Type: TypeByOwner, Param: "farmer-1", Merge: MergeAverage, Field: "amount", Shards: shards,
		})
		require.NoError(t, err)
		assert.Equal(t, 250.0, result.Value)
	})

	t.Run("group by status", func(t *testing.T) {
		result, err := agg.Run(context.Background(), Plan{
			Type: TypeByOwner, Param: "farmer-1", Merge: MergeGroupBy, Shards: shards,
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"active": 3, "repaid": 1}, result.Groups)
	})

	t.Run("top n by recency", func(t *testing.T) {
		result, err := agg.Run(context.Background(), Plan{
			Type: TypeByOwner, Param: "farmer-1", Merge: MergeTopN, N: 2, Shards: shards,
		})
		require.NoError(t, err)
		require.Len(t, result.Records, 2)
		assert.Equal(t, "d", result.Records[0].ID, "most recent first")
		assert.Equal(t, "c", result.Records[1].ID)
	})

	t.Run("sum skips records missing the field", func(t *testing.T) {
		mixed := &fakeQueryClient{records: map[string][]cluster.LoanRecord{
			"http://s0": {
				amountRecord("a", "o", "active", 100, now),
				{ID: "bare", Owner: "o", Status: "active"},
			},
		}}
		bareAgg := NewAggregator(mixed, time.Second, zerolog.Nop())
		result, err := bareAgg.Run(context.Background(), Plan{
			Type: TypeByOwner, Param: "o", Merge: MergeSum, Field: "amount",
			Shards: threeShards()[:1],
		})
		require.NoError(t, err)
		assert.Equal(t, 100.0, result.Value)
	})
}

// TestRunByStatus verifies the status-index query path.
func TestRunByStatus(t *testing.T) {
	now := time.Now()
	client := &fakeQueryClient{records: map[string][]cluster.LoanRecord{
		"http://s0": {
			amountRecord("a", "farmer-1", "defaulted", 100, now),
			amountRecord("b", "farmer-2", "active", 200, now),
		},
	}}
	agg := NewAggregator(client, time.Second, zerolog.Nop())

	result, err := agg.Run(context.Background(), Plan{
		Type: TypeByStatus, Param: "defaulted", Shards: threeShards()[:1],
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "a", result.Records[0].ID)
}
