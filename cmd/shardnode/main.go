// Package main implements the Granary shard node: one storage shard serving
// loan records over HTTP as part of the sharded lending data layer.
//
// The shard node is a worker in the Granary cluster, responsible for:
//   - Storing loan records with owner and status indexes
//   - Enforcing caller authorization, capacity, and read-only policy
//   - Registering with the coordinator on startup
//   - Responding to health probes with capacity figures
//   - Serving migration batches (export/import/delete) for rebalancing
//
// Configuration:
//   - SHARD_ID: Numeric shard identifier (required)
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - SHARD_LISTEN: Listen address (default: ":8081")
//   - SHARD_ADDR: Public address for the coordinator (default: "http://127.0.0.1:8081")
//   - SHARD_REGION: Declared region for geographic routing (optional)
//   - SHARD_DB: SQLite path; empty means in-memory storage
//   - SHARD_MAX_RECORDS: Record-count capacity ceiling (default: 100000)
//   - SHARD_MAX_STORAGE_BYTES: Byte ceiling for the storage percentage (default: 64 MiB)
//   - SHARD_TOKENS: Comma-separated caller allow-list (default: "granary-coordinator")
//
// Example usage:
//
//	SHARD_ID=1 \
//	SHARD_LISTEN=:8081 \
//	SHARD_ADDR=http://localhost:8081 \
//	SHARD_DB=/var/lib/granary/shard-1.db \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./shardnode
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/shard"
	"github.com/agrifund/granary/internal/shardclient"
	"github.com/agrifund/granary/internal/storage"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().Str("service", "shardnode").Logger()

	shardID := mustAtoi(log, mustGetenv(log, "SHARD_ID"))
	coord := mustGetenv(log, "COORDINATOR_ADDR")
	listen := getenv("SHARD_LISTEN", ":8081")
	public := getenv("SHARD_ADDR", "http://127.0.0.1:8081")
	region := os.Getenv("SHARD_REGION")
	dbPath := os.Getenv("SHARD_DB")
	maxRecords := atoiDefault(getenv("SHARD_MAX_RECORDS", ""), 100000)
	maxStorage := int64(atoiDefault(getenv("SHARD_MAX_STORAGE_BYTES", ""), 64<<20))
	tokens := strings.Split(getenv("SHARD_TOKENS", "granary-coordinator"), ",")

	store, err := openStore(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store")
	}
	defer store.Close()

	sh := shard.New(shard.Config{
		ID:              shardID,
		MaxRecords:      maxRecords,
		MaxStorageBytes: maxStorage,
		Authorized:      tokens,
	}, store)

	srv := &server{shard: sh, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/loans", srv.handleList)
	mux.HandleFunc("/loans/", srv.handleRecord)
	mux.HandleFunc("/loans/delete", srv.handleDelete)
	mux.HandleFunc("/loans/export", srv.handleExport)
	mux.HandleFunc("/loans/import", srv.handleImport)
	mux.HandleFunc("/loans/ids", srv.handleIDs)
	mux.HandleFunc("/readonly", srv.handleReadOnly)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("shard_id", shardID).Str("listen", listen).Str("public", public).Msg("shard node listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	register(context.Background(), log, coord, cluster.ShardNodeInfo{
		ShardID:    shardID,
		Endpoint:   public,
		Region:     region,
		MaxRecords: maxRecords,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Info().Msg("shard node stopped")
}

// openStore picks the storage backend: SQLite when a path is configured,
// in-memory otherwise.
func openStore(dbPath string) (storage.Store, error) {
	if dbPath == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewSQLiteStore(dbPath)
}

// register announces the shard to the coordinator, retrying a few times so a
// node can come up before its coordinator.
func register(ctx context.Context, log zerolog.Logger, coord string, info cluster.ShardNodeInfo) {
	req := cluster.RegisterRequest{Node: info}
	for attempt := 1; attempt <= 5; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := cluster.PostJSON(callCtx, coord+"/shards/register", req, nil)
		cancel()
		if err == nil {
			log.Info().Str("coordinator", coord).Msg("registered with coordinator")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("coordinator registration failed")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	log.Error().Msg("could not register with coordinator; serving anyway")
}

type server struct {
	shard *shard.Shard
	log   zerolog.Logger
}

// caller extracts the caller token from the request.
func caller(r *http.Request) string {
	return r.Header.Get(shardclient.TokenHeader)
}

// handleHealth reports liveness plus the capacity figures the coordinator's
// health checker and capacity monitor consume.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info, err := s.shard.Info()
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	resp := cluster.HealthResponse{
		Status:            "ok",
		RecordCount:       info.RecordCount,
		StorageUsedBytes:  info.StorageUsedBytes,
		StoragePercentage: info.StoragePercentage,
		ReadOnly:          info.ReadOnly,
	}
	writeJSON(w, resp)
}

// handleRecord serves GET/PUT/POST on /loans/{id}.
func (s *server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/loans/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "loan id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.shard.Get(caller(r), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, rec)

	case http.MethodPut:
		var rec cluster.LoanRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		rec.ID = id
		if err := s.shard.Put(caller(r), rec); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPost:
		var rec cluster.LoanRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := s.shard.Update(caller(r), id, rec); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleList serves GET /loans?owner=X or /loans?status=S.
func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var recs []cluster.LoanRecord
	var err error
	switch {
	case r.URL.Query().Get("owner") != "":
		recs, err = s.shard.ListByOwner(caller(r), r.URL.Query().Get("owner"))
	case r.URL.Query().Get("status") != "":
		recs, err = s.shard.ListByStatus(caller(r), r.URL.Query().Get("status"))
	default:
		http.Error(w, "owner or status query required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []cluster.LoanRecord{}
	}
	writeJSON(w, recs)
}

// handleDelete serves POST /loans/delete with a batch of IDs.
func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req cluster.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	count, err := s.shard.Delete(caller(r), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, cluster.CountResponse{Count: count})
}

// handleExport serves POST /loans/export with a batch of IDs.
func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req cluster.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	recs, err := s.shard.Export(caller(r), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []cluster.LoanRecord{}
	}
	writeJSON(w, recs)
}

// handleImport serves POST /loans/import with a batch of records.
func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req cluster.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	count, err := s.shard.Import(caller(r), req.Records)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, cluster.CountResponse{Count: count})
}

// handleIDs serves GET /loans/ids: every record ID on this shard, for the
// rebalancer to compute migration sets.
func (s *server) handleIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.shard.IDs(caller(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, ids)
}

// handleReadOnly serves POST /readonly, flipping the node's local read-only
// policy in step with the coordinator's registry flag.
func (s *server) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReadOnly bool `json:"read_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.shard.SetReadOnly(req.ReadOnly)
	s.log.Info().Bool("read_only", req.ReadOnly).Msg("read-only mode updated")
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps shard errors onto HTTP status codes. The coordinator-side
// client reverses this mapping.
func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shard.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, shard.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, shard.ErrReadOnly):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, shard.ErrCapacityExceeded):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.Is(err, shard.ErrBatchTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(log zerolog.Logger, k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatal().Str("var", k).Msg("required environment variable missing")
	}
	return v
}

func mustAtoi(log zerolog.Logger, s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatal().Str("value", s).Msg("numeric value expected")
	}
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
