package health

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/23skdu/shardline/internal/breaker"
	"github.com/23skdu/shardline/internal/tenant"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPingTimeout bounds the ping of a single shard
const DefaultPingTimeout = 2 * time.Second

const componentPrefix = "tenant:"

// ShardChecker reports the shards of one tenant. Blacklisted shards and shards that do
// not answer a ping degrade the tenant; a tenant without any usable shard is unhealthy.
type ShardChecker struct {
	tenant      *tenant.Tenant
	logger      zerolog.Logger
	tracer      trace.Tracer
	pingTimeout time.Duration
}

// NewShardChecker creates a checker for t
func NewShardChecker(t *tenant.Tenant, logger zerolog.Logger, tracer trace.Tracer) *ShardChecker {
	return &ShardChecker{
		tenant:      t,
		logger:      logger.With().Str("tenant", t.ID).Logger(),
		tracer:      tracer,
		pingTimeout: DefaultPingTimeout,
	}
}

func (sc *ShardChecker) Name() string {
	return componentPrefix + sc.tenant.ID
}

func (sc *ShardChecker) Check(ctx context.Context) *ComponentHealth {
	ctx, span := sc.tracer.Start(ctx, "ShardChecker.Check")
	defer span.End()

	start := time.Now()
	status := sc.tenant.Manager.HealthStatus()

	shards := make([]int, 0, len(status))
	for shard := range status {
		shards = append(shards, shard)
	}
	sort.Ints(shards)

	var blacklisted, unreachable []string
	usable := 0
	for _, shard := range shards {
		name := sc.tenant.ShardName(shard)
		if !status[shard] {
			blacklisted = append(blacklisted, name)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, sc.pingTimeout)
		err := sc.tenant.Ping(pctx, shard)
		cancel()
		if err != nil {
			sc.logger.Warn().Err(err).Str("shard", name).Msg("Shard ping failed")
			unreachable = append(unreachable, name)
			continue
		}
		usable++
	}

	duration := time.Since(start)
	health := &ComponentHealth{
		Name:        sc.Name(),
		Status:      StatusHealthy,
		Message:     "All shards active",
		LastChecked: time.Now(),
		Shards: &ShardCounts{
			Total:       len(shards),
			Usable:      usable,
			Blacklisted: len(blacklisted),
			Unreachable: len(unreachable),
		},
		Metadata: map[string]interface{}{
			"strategy":         string(sc.tenant.Manager.Strategy()),
			"response_time_ms": duration.Milliseconds(),
		},
	}
	if len(blacklisted) > 0 {
		health.Metadata["blacklisted"] = blacklisted
	}
	if len(unreachable) > 0 {
		health.Metadata["unreachable"] = unreachable
	}
	if ab := sc.tenant.AutoBlacklister; ab != nil {
		health.Metadata["breakers"] = breakerStates(ab.States())
	}

	switch {
	case usable == 0:
		health.Status = StatusUnhealthy
		health.Message = "No usable shard"
	case usable < len(shards):
		health.Status = StatusDegraded
		health.Message = strconv.Itoa(len(shards)-usable) + " of " + strconv.Itoa(len(shards)) + " shards unavailable"
	}

	span.SetAttributes(
		attribute.String("shardline.tenant", sc.tenant.ID),
		attribute.Int("shardline.health.usable_shards", usable),
		attribute.Int("shardline.health.blacklisted_shards", len(blacklisted)),
	)
	return health
}

func breakerStates(states map[string]breaker.State) map[string]string {
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}

// RegisterTenants registers a ShardChecker for every tenant of reg
func (hm *HealthManager) RegisterTenants(reg *tenant.Registry) error {
	for _, id := range reg.Tenants() {
		t, err := reg.Tenant(id)
		if err != nil {
			return err
		}
		hm.RegisterChecker(NewShardChecker(t, hm.logger, hm.tracer))
	}
	return nil
}
