// Package main implements the Granary coordinator: the control plane of the
// sharded lending data layer. It routes loan-record operations to shard
// nodes, tracks shard health and capacity, trips per-shard circuit breakers,
// scales out when shards saturate, and serves aggregated cross-shard queries
// behind a short-TTL cache.
//
// Configuration comes from an optional YAML file (-config flag) with
// environment overrides for the listen address (COORDINATOR_ADDR) and the
// caller token (GRANARY_TOKEN). See internal/config for the full schema.
//
// The periodic tasks (health checking, capacity evaluation, cache sweeping)
// each run on their own ticker in their own goroutine, so a slow health
// round never delays cache eviction or scaling decisions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrifund/granary/internal/audit"
	"github.com/agrifund/granary/internal/breaker"
	"github.com/agrifund/granary/internal/cluster"
	"github.com/agrifund/granary/internal/config"
	"github.com/agrifund/granary/internal/health"
	"github.com/agrifund/granary/internal/query"
	"github.com/agrifund/granary/internal/registry"
	"github.com/agrifund/granary/internal/router"
	"github.com/agrifund/granary/internal/scaler"
	"github.com/agrifund/granary/internal/shard"
	"github.com/agrifund/granary/internal/shardclient"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().Str("service", "coordinator").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	srv, err := newServer(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("building coordinator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Independent periodic tasks, each with its own interval and failure
	// isolation.
	go srv.checker.Start(ctx)
	go srv.monitor.Start(ctx)
	go srv.cache.StartSweeper(ctx, cfg.Cache.SweepInterval.Std())

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Str("algorithm", cfg.Routing.Algorithm).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info().Msg("coordinator stopped")
}

// server wires the coordinator's components together. Shared state lives in
// the registry and breaker bank; everything else is injected at
// construction.
type server struct {
	cfg        config.Config
	log        zerolog.Logger
	registry   *registry.Registry
	breakers   *breaker.Bank
	router     *router.Router
	client     *shardclient.Client
	checker    *health.Checker
	monitor    *scaler.Monitor
	rebalancer *scaler.Rebalancer
	aggregator *query.Aggregator
	cache      *query.Cache
	recorder   audit.Recorder
}

func newServer(cfg config.Config, log zerolog.Logger) (*server, error) {
	recorder := audit.NewLogRecorder(log)
	reg := registry.New()

	bank := breaker.NewBank(breaker.Config{
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		SuccessThreshold:     cfg.Breaker.SuccessThreshold,
		Timeout:              cfg.Breaker.Timeout.Std(),
		HalfOpenMaxCalls:     cfg.Breaker.HalfOpenMaxCalls,
		MinimumThroughput:    cfg.Breaker.MinimumThroughput,
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
	})
	bank.SetOnTransition(func(shardID int, from, to breaker.State) {
		recorder.Event(audit.CategoryBreaker,
			fmt.Sprintf("shard %d breaker %s -> %s", shardID, from, to), to != breaker.StateOpen)
	})

	strategy, err := router.NewStrategy(cfg.Routing.Algorithm)
	if err != nil {
		return nil, err
	}
	rt := router.New(reg, bank, strategy, log)

	client := shardclient.New(cfg.CallerToken, cfg.Health.Timeout.Std()*2)

	probe := func(ctx context.Context, endpoint string) (cluster.HealthResponse, time.Duration, error) {
		start := time.Now()
		resp, err := client.Health(ctx, endpoint)
		return resp, time.Since(start), err
	}
	checker := health.New(reg, probe, health.Config{
		Interval: cfg.Health.Interval.Std(),
		Timeout:  cfg.Health.Timeout.Std(),
		Retries:  cfg.Health.Retries,
	}, log)

	var prov scaler.Provisioner
	if cfg.ProvisionerURL != "" {
		prov = &httpProvisioner{url: cfg.ProvisionerURL}
	} else {
		prov = disabledProvisioner{}
	}
	monitor := scaler.NewMonitor(reg, prov, client, recorder, scaler.Config{
		Interval:         cfg.Scaler.Interval.Std(),
		StorageThreshold: cfg.Scaler.StorageThreshold,
		LatencyCeiling:   cfg.Scaler.LatencyCeiling.Std(),
		NewShardLimits: scaler.CapacityLimits{
			MaxRecords:      cfg.Shard.MaxRecords,
			MaxStorageBytes: cfg.Shard.MaxStorageBytes,
		},
	}, log)

	return &server{
		cfg:        cfg,
		log:        log,
		registry:   reg,
		breakers:   bank,
		router:     rt,
		client:     client,
		checker:    checker,
		monitor:    monitor,
		rebalancer: scaler.NewRebalancer(reg, client, recorder, log),
		aggregator: query.NewAggregator(client, cfg.Health.Timeout.Std()*2, log),
		cache:      query.NewCache(cfg.Cache.TTL.Std(), log),
		recorder:   recorder,
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/shards/register", s.handleRegister)
	mux.HandleFunc("/shards", s.handleListShards)

	mux.HandleFunc("/loans/", s.handleLoan)
	mux.HandleFunc("/query/owner/", s.handleOwnerQuery)
	mux.HandleFunc("/query/status/", s.handleStatusQuery)

	mux.HandleFunc("/admin/shards", s.handleAdminAddShard)
	mux.HandleFunc("/admin/shards/deregister", s.handleAdminDeregister)
	mux.HandleFunc("/admin/shards/readonly", s.handleAdminReadOnly)
	mux.HandleFunc("/admin/routing", s.handleAdminRouting)
	mux.HandleFunc("/admin/rebalance", s.handleAdminRebalance)
	mux.HandleFunc("/admin/breaker/reset", s.handleAdminBreakerReset)
	mux.HandleFunc("/admin/thresholds", s.handleAdminThresholds)

	return mux
}

// handleRegister accepts a shard node's announcement and adds it to the
// registry.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.Endpoint == "" {
		http.Error(w, "missing endpoint", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(registry.ShardRecord{
		ShardID:    req.Node.ShardID,
		Endpoint:   req.Node.Endpoint,
		Region:     req.Node.Region,
		MaxRecords: req.Node.MaxRecords,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info().Int("shard_id", req.Node.ShardID).Str("endpoint", req.Node.Endpoint).Msg("shard registered")
	w.WriteHeader(http.StatusNoContent)
}

// handleListShards returns the full shard catalog, retired shards included.
func (s *server) handleListShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shards := s.registry.All()
	states := make(map[int]string, len(shards))
	for _, rec := range shards {
		states[rec.ShardID] = string(s.breakers.State(rec.ShardID))
	}
	writeJSON(w, struct {
		Shards        []registry.ShardRecord `json:"shards"`
		BreakerStates map[int]string         `json:"breaker_states"`
	}{Shards: shards, BreakerStates: states})
}

// handleLoan routes single-record operations: PUT and POST (writes) route by
// the record's owner; GET routes by the ?owner= query parameter.
func (s *server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/loans/")
	if id == "" {
		http.Error(w, "loan id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			http.Error(w, "owner query parameter required", http.StatusBadRequest)
			return
		}
		target, err := s.routedShard(router.Request{AffinityKey: owner})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		var rec cluster.LoanRecord
		s.callShard(w, r, target, func(ctx context.Context) error {
			var err error
			rec, err = s.client.Get(ctx, target.Endpoint, id)
			return err
		}, func(w http.ResponseWriter) { writeJSON(w, rec) })

	case http.MethodPut, http.MethodPost:
		var rec cluster.LoanRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		rec.ID = id
		if rec.Owner == "" {
			http.Error(w, "owner required", http.StatusBadRequest)
			return
		}
		target, err := s.routedShard(router.Request{AffinityKey: rec.Owner, Write: true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.callShard(w, r, target, func(ctx context.Context) error {
			if r.Method == http.MethodPut {
				return s.client.Put(ctx, target.Endpoint, rec)
			}
			return s.client.Update(ctx, target.Endpoint, id, rec)
		}, func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) })

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// routedShard selects a shard and clears it with the breaker bank. The
// router's prefilter only excludes Open breakers, so a Half-Open shard with
// its trial slot taken can still be picked; when the bank refuses the pick,
// one reselect excluding that shard tries an alternate before giving up.
func (s *server) routedShard(req router.Request) (registry.ShardRecord, error) {
	target, err := s.router.Select(req)
	if err != nil {
		return registry.ShardRecord{}, err
	}
	if s.breakers.CanCall(target.ShardID) {
		return target, nil
	}
	req.Exclude = append(req.Exclude, target.ShardID)
	alt, err := s.router.Select(req)
	if err != nil {
		return registry.ShardRecord{}, router.ErrNoHealthyShard
	}
	if !s.breakers.CanCall(alt.ShardID) {
		return registry.ShardRecord{}, router.ErrNoHealthyShard
	}
	return alt, nil
}

// callShard runs one routed shard call with connection accounting and
// breaker reporting, then writes the response. The target has already been
// cleared with the breaker bank by routedShard.
func (s *server) callShard(w http.ResponseWriter, r *http.Request, target registry.ShardRecord, call func(ctx context.Context) error, ok func(http.ResponseWriter)) {
	if !s.registry.AcquireConnection(target.ShardID) {
		http.Error(w, "shard at connection limit", http.StatusServiceUnavailable)
		return
	}
	defer s.registry.ReleaseConnection(target.ShardID)

	start := time.Now()
	err := call(r.Context())
	latency := time.Since(start)

	// Shard-level policy rejections are the shard answering, not the shard
	// failing; only transport-level errors count against the breaker.
	success := err == nil || isPolicyError(err)
	s.breakers.RecordResult(target.ShardID, success, latency, errorKind(err))

	if err != nil {
		writeShardError(w, err)
		return
	}
	ok(w)
}

// handleOwnerQuery serves GET /query/owner/{owner}: all loans for an owner,
// aggregated across every active shard, cached.
func (s *server) handleOwnerQuery(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimPrefix(r.URL.Path, "/query/owner/")
	if owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}
	s.aggregate(w, r, query.Plan{
		Type:  query.TypeByOwner,
		Param: owner,
		Merge: mergeParam(r),
		Field: r.URL.Query().Get("field"),
		N:     atoiDefault(r.URL.Query().Get("n"), 10),
	})
}

// handleStatusQuery serves GET /query/status/{status}: all loans with a
// status, aggregated across every active shard, cached.
func (s *server) handleStatusQuery(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimPrefix(r.URL.Path, "/query/status/")
	if status == "" {
		http.Error(w, "status required", http.StatusBadRequest)
		return
	}
	s.aggregate(w, r, query.Plan{
		Type:  query.TypeByStatus,
		Param: status,
		Merge: mergeParam(r),
		Field: r.URL.Query().Get("field"),
		N:     atoiDefault(r.URL.Query().Get("n"), 10),
	})
}

// aggregate serves one fan-out query, consulting the cache first. The key
// is derived from the full plan so plans that merge differently never
// collide.
func (s *server) aggregate(w http.ResponseWriter, r *http.Request, plan query.Plan) {
	cacheKey := plan.CacheKey()
	if cached, ok := s.cache.Get(cacheKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Granary-Cache", "hit")
		_, _ = w.Write(cached)
		return
	}

	plan.Shards = s.queryCandidates()
	result, err := s.aggregator.Run(r.Context(), plan)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	buf, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Partial results are not cached; the next read retries the shards
	// that failed.
	if !result.Partial {
		s.cache.Put(cacheKey, buf, 0)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

// queryCandidates returns the shards a fan-out may touch: every active
// shard whose breaker is not open, read-only shards included since they
// still serve reads.
func (s *server) queryCandidates() []registry.ShardRecord {
	active := s.registry.ListActive()
	out := make([]registry.ShardRecord, 0, len(active))
	for _, rec := range active {
		if s.breakers.State(rec.ShardID) == breaker.StateOpen {
			continue
		}
		if rec.Health == registry.HealthUnhealthy || rec.Health == registry.HealthMaintenance {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *server) handleAdminAddShard(w http.ResponseWriter, r *http.Request) {
	var req cluster.ShardNodeInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(registry.ShardRecord{
		ShardID:    req.ShardID,
		Endpoint:   req.Endpoint,
		Region:     req.Region,
		MaxRecords: req.MaxRecords,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.recorder.Event(audit.CategoryAdmin, fmt.Sprintf("shard %d added by admin", req.ShardID), true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminDeregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShardID int `json:"shard_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.Deregister(req.ShardID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.recorder.Event(audit.CategoryAdmin, fmt.Sprintf("shard %d retired by admin", req.ShardID), true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminReadOnly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShardID  int  `json:"shard_id"`
		ReadOnly bool `json:"read_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.MarkReadOnly(req.ShardID, req.ReadOnly); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if rec, err := s.registry.Get(req.ShardID); err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.client.SetReadOnly(ctx, rec.Endpoint, req.ReadOnly); err != nil {
			s.log.Warn().Err(err).Int("shard_id", req.ShardID).Msg("node read-only push failed")
		}
	}
	s.recorder.Event(audit.CategoryAdmin,
		fmt.Sprintf("shard %d read-only set to %v by admin", req.ShardID, req.ReadOnly), true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminRouting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	strategy, err := router.NewStrategy(req.Algorithm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.router.SetStrategy(strategy)
	s.recorder.Event(audit.CategoryAdmin, "routing algorithm set to "+req.Algorithm, true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminRebalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceShardID int     `json:"source_shard_id"`
		TargetShardID int     `json:"target_shard_id"`
		Fraction      float64 `json:"fraction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	moved, err := s.rebalancer.Move(r.Context(), req.SourceShardID, req.TargetShardID, req.Fraction)
	if err != nil {
		http.Error(w, fmt.Sprintf("moved %d records before failure: %v", moved, err), http.StatusConflict)
		return
	}
	writeJSON(w, cluster.CountResponse{Count: moved})
}

func (s *server) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShardID int `json:"shard_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.breakers.Reset(req.ShardID)
	s.recorder.Event(audit.CategoryAdmin, fmt.Sprintf("shard %d breaker reset by admin", req.ShardID), true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StorageThreshold float64 `json:"storage_threshold"`
		LatencyCeilingMS int     `json:"latency_ceiling_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.monitor.SetThresholds(req.StorageThreshold, time.Duration(req.LatencyCeilingMS)*time.Millisecond)
	s.recorder.Event(audit.CategoryAdmin, "scaling thresholds updated by admin", true)
	w.WriteHeader(http.StatusNoContent)
}

// httpProvisioner asks the external provisioning collaborator for a new
// shard process.
type httpProvisioner struct {
	url string
}

func (p *httpProvisioner) CreateShard(ctx context.Context, limits scaler.CapacityLimits) (cluster.ShardNodeInfo, error) {
	var out cluster.ShardNodeInfo
	body := struct {
		MaxRecords      int   `json:"max_records"`
		MaxStorageBytes int64 `json:"max_storage_bytes"`
	}{MaxRecords: limits.MaxRecords, MaxStorageBytes: limits.MaxStorageBytes}
	if err := cluster.PostJSON(ctx, p.url+"/shards", body, &out); err != nil {
		return cluster.ShardNodeInfo{}, err
	}
	return out, nil
}

// disabledProvisioner rejects scale-out when no provisioner is configured.
type disabledProvisioner struct{}

func (disabledProvisioner) CreateShard(context.Context, scaler.CapacityLimits) (cluster.ShardNodeInfo, error) {
	return cluster.ShardNodeInfo{}, errors.New("no provisioner configured")
}

// isPolicyError reports whether err is a shard policy rejection rather than
// a transport failure. Policy rejections mean the shard is up and answering,
// so they don't count against its breaker.
func isPolicyError(err error) bool {
	return errors.Is(err, shard.ErrNotFound) ||
		errors.Is(err, shard.ErrUnauthorized) ||
		errors.Is(err, shard.ErrReadOnly) ||
		errors.Is(err, shard.ErrCapacityExceeded) ||
		errors.Is(err, shard.ErrBatchTooLarge)
}

// errorKind classifies an error for breaker diagnostics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case isPolicyError(err):
		return "policy"
	default:
		return "transport"
	}
}

// writeShardError maps a shard error back onto the status code the shard
// node itself would have used.
func writeShardError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, shard.ErrNotFound):
		http.Error(w, msg, http.StatusNotFound)
	case errors.Is(err, shard.ErrUnauthorized):
		http.Error(w, msg, http.StatusUnauthorized)
	case errors.Is(err, shard.ErrReadOnly):
		http.Error(w, msg, http.StatusConflict)
	case errors.Is(err, shard.ErrCapacityExceeded):
		http.Error(w, msg, http.StatusInsufficientStorage)
	case errors.Is(err, shard.ErrBatchTooLarge):
		http.Error(w, msg, http.StatusRequestEntityTooLarge)
	default:
		http.Error(w, msg, http.StatusBadGateway)
	}
}

func mergeParam(r *http.Request) query.MergeStrategy {
	switch r.URL.Query().Get("merge") {
	case "sum":
		return query.MergeSum
	case "average":
		return query.MergeAverage
	case "group_by":
		return query.MergeGroupBy
	case "top_n":
		return query.MergeTopN
	default:
		return query.MergeConcat
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

