// Package shardclient is the coordinator-side HTTP client for shard node
// endpoints. Every call carries the caller token and a bounded timeout; a
// timeout counts as a failure for circuit-breaker purposes and as unhealthy
// for health-check purposes, which is exactly how the callers classify the
// errors returned here.
package shardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/shard"
)

// TokenHeader carries the caller token checked against the shard allow-list.
const TokenHeader = "X-Granary-Token"

// Client talks to one or more shard nodes by endpoint URL.
type Client struct {
	http    *http.Client
	token   string
	timeout time.Duration
}

// New creates a client that authenticates as token and bounds every call to
// timeout.
func New(token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		token:   token,
		timeout: timeout,
	}
}

// Health probes a shard node's health endpoint.
func (c *Client) Health(ctx context.Context, endpoint string) (cluster.HealthResponse, error) {
	var out cluster.HealthResponse
	err := c.do(ctx, http.MethodGet, endpoint+"/health", nil, &out)
	return out, err
}

// Put stores a record on the shard at endpoint.
func (c *Client) Put(ctx context.Context, endpoint string, rec cluster.LoanRecord) error {
	return c.do(ctx, http.MethodPut, endpoint+"/loans/"+url.PathEscape(rec.ID), rec, nil)
}

// Get fetches a record by ID from the shard at endpoint.
func (c *Client) Get(ctx context.Context, endpoint, id string) (cluster.LoanRecord, error) {
	var out cluster.LoanRecord
	err := c.do(ctx, http.MethodGet, endpoint+"/loans/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Update overwrites an existing record on the shard at endpoint.
func (c *Client) Update(ctx context.Context, endpoint, id string, rec cluster.LoanRecord) error {
	return c.do(ctx, http.MethodPost, endpoint+"/loans/"+url.PathEscape(id), rec, nil)
}

// ListByOwner fetches all records for an owner from the shard at endpoint.
func (c *Client) ListByOwner(ctx context.Context, endpoint, owner string) ([]cluster.LoanRecord, error) {
	var out []cluster.LoanRecord
	err := c.do(ctx, http.MethodGet, endpoint+"/loans?owner="+url.QueryEscape(owner), nil, &out)
	return out, err
}

// ListByStatus fetches all records with a status from the shard at endpoint.
func (c *Client) ListByStatus(ctx context.Context, endpoint, status string) ([]cluster.LoanRecord, error) {
	var out []cluster.LoanRecord
	err := c.do(ctx, http.MethodGet, endpoint+"/loans?status="+url.QueryEscape(status), nil, &out)
	return out, err
}

// Delete removes a batch of records and returns how many existed.
func (c *Client) Delete(ctx context.Context, endpoint string, ids []string) (int, error) {
	var out cluster.CountResponse
	err := c.do(ctx, http.MethodPost, endpoint+"/loans/delete", cluster.BatchRequest{IDs: ids}, &out)
	return out.Count, err
}

// Export fetches a batch of records by ID for migration.
func (c *Client) Export(ctx context.Context, endpoint string, ids []string) ([]cluster.LoanRecord, error) {
	var out []cluster.LoanRecord
	err := c.do(ctx, http.MethodPost, endpoint+"/loans/export", cluster.BatchRequest{IDs: ids}, &out)
	return out, err
}

// Import stores a batch of records during migration. Idempotent on the
// receiving shard: re-imported records overwrite, never duplicate.
func (c *Client) Import(ctx context.Context, endpoint string, recs []cluster.LoanRecord) (int, error) {
	var out cluster.CountResponse
	err := c.do(ctx, http.MethodPost, endpoint+"/loans/import", cluster.ImportRequest{Records: recs}, &out)
	return out.Count, err
}

// ListIDs fetches every record ID held by the shard at endpoint. Used by
// the rebalancer to compute a migration set.
func (c *Client) ListIDs(ctx context.Context, endpoint string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, endpoint+"/loans/ids", nil, &out)
	return out, err
}

// SetReadOnly flips read-only mode on the shard node itself, keeping the
// node's local policy in step with the registry flag.
func (c *Client) SetReadOnly(ctx context.Context, endpoint string, readOnly bool) error {
	body := struct {
		ReadOnly bool `json:"read_only"`
	}{ReadOnly: readOnly}
	return c.do(ctx, http.MethodPost, endpoint+"/readonly", body, nil)
}

// do runs one JSON exchange with the shard node, bounded by the client
// timeout, and maps error status codes back onto the shard error taxonomy.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set(TokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError converts an error response into the matching sentinel so
// callers can use errors.Is across the process boundary.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = shard.ErrNotFound
	case http.StatusUnauthorized:
		sentinel = shard.ErrUnauthorized
	case http.StatusConflict:
		sentinel = shard.ErrReadOnly
	case http.StatusInsufficientStorage:
		sentinel = shard.ErrCapacityExceeded
	case http.StatusRequestEntityTooLarge:
		sentinel = shard.ErrBatchTooLarge
	default:
		return fmt.Errorf("shard node %s: http %d: %s", resp.Request.URL, resp.StatusCode, detail)
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}
