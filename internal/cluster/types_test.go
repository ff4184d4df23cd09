package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestPostJSON tests the request/response exchange helper.
func TestPostJSON(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req RegisterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("Decoding request: %v", err)
			}
			if req.Node.ShardID != 3 {
				t.Errorf("Expected shard 3, got %d", req.Node.ShardID)
			}
			json.NewEncoder(w).Encode(CountResponse{Count: 7})
		}))
		defer srv.Close()

		var out CountResponse
		err := PostJSON(context.Background(), srv.URL, RegisterRequest{
			Node: ShardNodeInfo{ShardID: 3, Endpoint: "http://localhost:9003"},
		}, &out)
		if err != nil {
			t.Fatalf("PostJSON failed: %v", err)
		}
		if out.Count != 7 {
			t.Errorf("Expected count 7, got %d", out.Count)
		}
	})

	t.Run("nil out discards the body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"anything": true}`))
		}))
		defer srv.Close()

		if err := PostJSON(context.Background(), srv.URL, BatchRequest{}, nil); err != nil {
			t.Fatalf("PostJSON failed: %v", err)
		}
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		defer srv.Close()

		if err := PostJSON(context.Background(), srv.URL, BatchRequest{}, nil); err == nil {
			t.Error("Expected error for 400 response")
		}
	})
}

// TestGetJSON tests the fetch helper.
func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok", RecordCount: 5})
	}))
	defer srv.Close()

	var out HealthResponse
	if err := GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out.Status != "ok" || out.RecordCount != 5 {
		t.Errorf("Unexpected response: %+v", out)
	}
}
