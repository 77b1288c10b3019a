package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// statusValue is the gauge value of a status
func (s HealthStatus) statusValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// ShardCounts summarizes the shards of one tenant
type ShardCounts struct {
	Total       int `json:"total"`
	Usable      int `json:"usable"`
	Blacklisted int `json:"blacklisted"`
	Unreachable int `json:"unreachable"`
}

func (c *ShardCounts) add(o ShardCounts) {
	c.Total += o.Total
	c.Usable += o.Usable
	c.Blacklisted += o.Blacklisted
	c.Unreachable += o.Unreachable
}

// ComponentHealth represents the health of a single component. Shards is set by
// checkers that own shards.
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Shards      *ShardCounts           `json:"shards,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	System     *SystemInfo                 `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

// SystemInfo aggregates the shard counts of every tenant
type SystemInfo struct {
	Tenants   int                    `json:"tenants"`
	Shards    ShardCounts            `json:"shards"`
	PerTenant map[string]ShardCounts `json:"per_tenant,omitempty"`
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// HealthManager manages health checks for all components
type HealthManager struct {
	startTime    time.Time
	version      string
	checkers     map[string]HealthChecker
	logger       zerolog.Logger
	tracer       trace.Tracer
	checkCounter int64
	registry     *prometheus.Registry

	checkDuration   *prometheus.HistogramVec
	componentStatus *prometheus.GaugeVec
	shardCount      *prometheus.GaugeVec
}

// NewHealthManager creates a new health manager with its own metrics registry
func NewHealthManager(version string, logger zerolog.Logger, tracer trace.Tracer) *HealthManager {
	hm := &HealthManager{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]HealthChecker),
		logger:    logger,
		tracer:    tracer,
		registry:  prometheus.NewRegistry(),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardline_health_check_duration_seconds",
				Help:    "Duration of health checks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component"},
		),
		componentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardline_component_health_status",
				Help: "Current component health status (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"component"},
		),
		shardCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardline_health_shards",
				Help: "Shards per tenant by state at the last health check",
			},
			[]string{"tenant", "state"},
		),
	}
	hm.registry.MustRegister(hm.checkDuration, hm.componentStatus, hm.shardCount)
	return hm
}

// RegisterChecker registers a health checker. Checkers are registered before the first
// CheckHealth call.
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.checkers[checker.Name()] = checker
	hm.logger.Debug().Str("component", checker.Name()).Msg("Registered health checker")
}

// GetRegistry returns the prometheus registry
func (hm *HealthManager) GetRegistry() *prometheus.Registry {
	return hm.registry
}

// CheckHealth runs every registered checker in name order. The overall status is the
// worst component status.
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	ctx, span := hm.tracer.Start(ctx, "HealthManager.CheckHealth")
	defer span.End()

	count := atomic.AddInt64(&hm.checkCounter, 1)
	checkStart := time.Now()

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  checkStart,
		Uptime:     time.Since(hm.startTime),
		Version:    hm.version,
		Components: make(map[string]*ComponentHealth, len(hm.checkers)),
		System:     &SystemInfo{PerTenant: make(map[string]ShardCounts)},
		CheckCount: count,
	}

	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		start := time.Now()
		c := hm.checkers[name].Check(ctx)
		hm.checkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		hm.componentStatus.WithLabelValues(name).Set(c.Status.statusValue())
		health.Components[name] = c

		switch {
		case c.Status == StatusUnhealthy:
			health.Status = StatusUnhealthy
		case c.Status == StatusDegraded && health.Status == StatusHealthy:
			health.Status = StatusDegraded
		}

		if c.Shards != nil {
			tenant := tenantOf(name)
			health.System.Tenants++
			health.System.PerTenant[tenant] = *c.Shards
			health.System.Shards.add(*c.Shards)
			hm.recordShards(tenant, *c.Shards)
		}
	}

	span.SetAttributes(
		attribute.String("shardline.version", hm.version),
		attribute.Int64("shardline.health.check_count", count),
		attribute.String("shardline.health.overall_status", string(health.Status)),
		attribute.Int("shardline.health.tenants", health.System.Tenants),
		attribute.Int("shardline.health.blacklisted_shards", health.System.Shards.Blacklisted),
	)

	hm.logger.Info().
		Str("overall_status", string(health.Status)).
		Int("components_checked", len(names)).
		Int("shards", health.System.Shards.Total).
		Int("blacklisted_shards", health.System.Shards.Blacklisted).
		Int64("duration_ms", time.Since(checkStart).Milliseconds()).
		Msg("Health check completed")

	return health
}

func (hm *HealthManager) recordShards(tenant string, c ShardCounts) {
	hm.shardCount.WithLabelValues(tenant, "usable").Set(float64(c.Usable))
	hm.shardCount.WithLabelValues(tenant, "blacklisted").Set(float64(c.Blacklisted))
	hm.shardCount.WithLabelValues(tenant, "unreachable").Set(float64(c.Unreachable))
}

// tenantOf strips the checker prefix from a component name
func tenantOf(component string) string {
	if len(component) > len(componentPrefix) && component[:len(componentPrefix)] == componentPrefix {
		return component[len(componentPrefix):]
	}
	return component
}

// HTTPHandler returns an http handler for health checks
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	})
}
