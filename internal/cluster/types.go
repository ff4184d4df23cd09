package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LoanRecord is the unit of storage in Granary. The routing layer treats the
// loan itself as an opaque payload: only the ID, the owner (the sharding
// affinity key), and the status tag are meaningful to shard placement,
// secondary indexing, and cross-shard queries. Everything the lending
// business logic cares about lives inside Payload.
type LoanRecord struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ShardNodeInfo describes a shard node as it announces itself to the
// coordinator: a stable ID, the HTTP endpoint the coordinator reaches it on,
// the region it was provisioned in, and the capacity ceiling it enforces.
type ShardNodeInfo struct {
	ShardID    int    `json:"shard_id"`
	Endpoint   string `json:"endpoint"`
	Region     string `json:"region,omitempty"`
	MaxRecords int    `json:"max_records"`
}

// RegisterRequest is posted by a shard node to the coordinator on startup.
type RegisterRequest struct {
	Node ShardNodeInfo `json:"node"`
}

// BatchRequest carries a batched delete or export by record ID.
type BatchRequest struct {
	IDs []string `json:"ids"`
}

// ImportRequest carries a batch of records into a shard during migration.
type ImportRequest struct {
	Records []LoanRecord `json:"records"`
}

// CountResponse reports how many records an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// HealthResponse is the body of a shard node's /health endpoint. The
// coordinator's health checker uses Status and the capacity fields to
// classify the shard; the capacity monitor reads the same probe results.
type HealthResponse struct {
	Status            string  `json:"status"` // "ok" or "degraded"
	RecordCount       int     `json:"record_count"`
	StorageUsedBytes  int64   `json:"storage_used_bytes"`
	StoragePercentage float64 `json:"storage_percentage"`
	ReadOnly          bool    `json:"read_only"`
}

// wireClient is shared by the coordination-plane helpers. Data-plane calls
// go through shardclient, which carries its own timeout and auth.
var wireClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON marshals body, POSTs it to url, and decodes the response into out
// (out may be nil when the response body is irrelevant). Any status >= 300
// is an error. The context bounds the whole exchange.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return exchange(req, out)
}

// GetJSON GETs url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return exchange(req, out)
}

// exchange runs one request and decodes the JSON response into out, or
// discards the body when out is nil.
func exchange(req *http.Request, out any) error {
	resp, err := wireClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", req.URL, err)
	}
	return nil
}
