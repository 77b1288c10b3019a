package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/23skdu/shardline/client"
	"github.com/23skdu/shardline/internal/health"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/middleware"
	"github.com/23skdu/shardline/internal/security"
	"github.com/23skdu/shardline/internal/sharding"
	"github.com/23skdu/shardline/internal/tenant"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type server struct {
	cfg        Config
	reg        *tenant.Registry
	hm         *health.HealthManager
	grpcHealth *grpchealth.Server
	audit      *security.AuditLogger
	logger     *zap.Logger
}

func newServer(cfg Config, reg *tenant.Registry, hm *health.HealthManager, logger *zap.Logger, audit zerolog.Logger) *server {
	return &server{
		cfg:        cfg,
		reg:        reg,
		hm:         hm,
		grpcHealth: grpchealth.NewServer(),
		audit:      security.NewAuditLogger(audit),
		logger:     logging.OrNop(logger),
	}
}

// router serves the admin API
func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(security.SecurityHeaders)
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, s.hm.GetRegistry()}
	r.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})).Methods("GET").Name("Metrics")
	r.Handle("/health", s.hm.HTTPHandler()).Methods("GET").Name("Health")
	r.HandleFunc("/tenants", s.handleGetTenants).Methods("GET").Name("GetTenants")
	r.HandleFunc("/tenants/{tenant}/shards", s.handleGetShards).Methods("GET").Name("GetShards")
	r.HandleFunc("/tenants/{tenant}/route", s.handleGetRoute).Methods("GET").Queries("key", "{key}").Name("GetRoute")

	admin := r.Methods("POST").Subrouter()
	admin.Use(security.TokenAuth(s.cfg.AdminToken))
	admin.HandleFunc("/tenants/{tenant}/shards/{shard}/blacklist", s.handlePostBlacklist).Name("PostBlacklist")
	admin.HandleFunc("/tenants/{tenant}/shards/{shard}/unblacklist", s.handlePostUnblacklist).Name("PostUnblacklist")
	return r
}

func (s *server) handleGetTenants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tenants": s.reg.Tenants()})
}

func (s *server) shardStatuses(id string) ([]client.ShardStatus, error) {
	t, err := s.reg.Tenant(id)
	if err != nil {
		return nil, err
	}
	status := t.Manager.HealthStatus()
	out := make([]client.ShardStatus, 0, len(status))
	for shard, active := range status {
		out = append(out, client.ShardStatus{Shard: shard, Name: t.ShardName(shard), Active: active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out, nil
}

func (s *server) handleGetShards(w http.ResponseWriter, r *http.Request) {
	out, err := s.shardStatuses(mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := route(s.reg, vars["tenant"], vars["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handlePostBlacklist(w http.ResponseWriter, r *http.Request) {
	s.changeBlacklist(w, r, "blacklist", s.reg.Blacklist)
}

func (s *server) handlePostUnblacklist(w http.ResponseWriter, r *http.Request) {
	s.changeBlacklist(w, r, "unblacklist", s.reg.Unblacklist)
}

func (s *server) changeBlacklist(w http.ResponseWriter, r *http.Request, op string, change func(context.Context, string, int) error) {
	vars := mux.Vars(r)
	entry := security.AuditEntry{Operation: op, Tenant: vars["tenant"], Shard: -1, IPAddress: security.ClientIP(r)}
	shard, err := strconv.Atoi(vars["shard"])
	if err != nil {
		entry.Reason = "shard must be an integer"
		s.audit.LogAuditEntry(r.Context(), entry)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": entry.Reason})
		return
	}
	entry.Shard = shard
	err = change(r.Context(), vars["tenant"], shard)
	entry.Success = err == nil
	if err != nil {
		entry.Reason = err.Error()
	}
	s.audit.LogAuditEntry(r.Context(), entry)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishHealth()
	out, err := s.shardStatuses(vars["tenant"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Blacklist changed", zap.String("tenant", vars["tenant"]), zap.Int("shard", shard), zap.String("path", r.URL.Path))
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tenant.ErrUnknownTenant):
		status = http.StatusNotFound
	case errors.Is(err, sharding.ErrInvalidShard):
		status = http.StatusBadRequest
	case errors.Is(err, sharding.ErrNoActiveShard), errors.Is(err, sharding.ErrShardBlacklisted):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// healthService names the gRPC health entry of a tenant, or of one of its shards
func healthService(tenantID string, shard int) string {
	if shard < 0 {
		return tenantID
	}
	return tenantID + "/" + strconv.Itoa(shard)
}

// publishHealth mirrors the blacklist state into the gRPC health service. A tenant
// serves while at least one of its shards is active.
func (s *server) publishHealth() {
	all := healthpb.HealthCheckResponse_SERVING
	for _, id := range s.reg.Tenants() {
		status, err := s.reg.HealthStatus(id)
		if err != nil {
			continue
		}
		tenantStatus := healthpb.HealthCheckResponse_NOT_SERVING
		for shard, active := range status {
			st := healthpb.HealthCheckResponse_NOT_SERVING
			if active {
				st = healthpb.HealthCheckResponse_SERVING
				tenantStatus = healthpb.HealthCheckResponse_SERVING
			}
			s.grpcHealth.SetServingStatus(healthService(id, shard), st)
		}
		s.grpcHealth.SetServingStatus(healthService(id, -1), tenantStatus)
		if tenantStatus != healthpb.HealthCheckResponse_SERVING {
			all = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.grpcHealth.SetServingStatus("", all)
}

// run serves the admin API and the gRPC health service until ctx ends
func (s *server) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	opts := append(s.cfg.BuildGRPCServerOptions(), middleware.ServerOptions(s.logger)...)
	grpcSrv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(grpcSrv, s.grpcHealth)
	s.publishHealth()

	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting admin server", zap.String("address", s.cfg.AdminAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Starting gRPC health server", zap.String("address", s.cfg.GRPCAddr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		return s.reg.RunProber(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.reg.Refresh(gctx); err != nil {
					s.logger.Warn("Blacklist refresh failed", zap.Error(err))
				}
				s.publishHealth()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down")
		s.grpcHealth.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
