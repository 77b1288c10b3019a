// Package tenant builds and indexes the per-tenant routing state: one shard manager,
// engine and executor per tenant, all sharing a bucket extractor. A Registry is the
// backend of every DAO; single-tenant use is a registry with one "default" tenant.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/shardline/internal/bucket"
	"github.com/23skdu/shardline/internal/config"
	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/engine/memdb"
	"github.com/23skdu/shardline/internal/engine/sqldb"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/sharding"
	"github.com/23skdu/shardline/internal/tracing"
	"github.com/23skdu/shardline/internal/txn"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownTenant is returned for tenant ids that are not configured
var ErrUnknownTenant = sharding.ErrUnknownTenant

// ShardInfo renders shard names for logs, metrics and rate limiting
type ShardInfo struct {
	Namespace string
}

// Name returns <namespace>_<tenant>_<idx>
func (s ShardInfo) Name(tenant string, idx int) string {
	return fmt.Sprintf("%s_%s_%d", s.Namespace, tenant, idx)
}

// Tenant is the routing state of one tenant. Only blacklist state changes after New.
type Tenant struct {
	ID       string
	Manager  sharding.Manager
	Engine   engine.Engine
	Executor *txn.Executor
	Options  config.ShardingOptions
	Shards   ShardInfo
	// AutoBlacklister is nil unless auto-blacklisting is enabled.
	AutoBlacklister *txn.AutoBlacklister

	storeDB *sql.DB
}

// ShardName returns the name of shard idx
func (t *Tenant) ShardName(idx int) string {
	return t.Shards.Name(t.ID, idx)
}

// Ping checks that shard idx answers. SQL shards are pinged through their pool;
// other engines must be able to open and close a session.
func (t *Tenant) Ping(ctx context.Context, idx int) error {
	if e, ok := t.Engine.(*sqldb.Engine); ok {
		if idx < 0 || idx >= e.NumShards() {
			return serr.WrapRoutingError(sharding.ErrInvalidShard, "ping", t.ShardName(idx))
		}
		return e.DB(idx).PingContext(ctx)
	}
	s, err := t.Engine.Open(ctx, idx)
	if err != nil {
		return err
	}
	return s.Close()
}

type settings struct {
	engines   map[string]engine.Engine
	stores    map[string]sharding.BlacklistStore
	listeners []txn.Listener
	filters   []txn.Filter
	tracer    trace.Tracer
}

// Option customizes New
type Option func(*settings)

// WithEngine serves tenant from eng instead of the configured engine
func WithEngine(tenant string, eng engine.Engine) Option {
	return func(s *settings) { s.engines[tenant] = eng }
}

// WithBlacklistStore keeps the blacklist of tenant in store instead of the configured one
func WithBlacklistStore(tenant string, store sharding.BlacklistStore) Option {
	return func(s *settings) { s.stores[tenant] = store }
}

// WithListeners registers transaction listeners on every tenant
func WithListeners(l ...txn.Listener) Option {
	return func(s *settings) { s.listeners = append(s.listeners, l...) }
}

// WithFilters registers transaction filters on every tenant. They run after the rate limit.
func WithFilters(f ...txn.Filter) Option {
	return func(s *settings) { s.filters = append(s.filters, f...) }
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// Registry indexes tenants by id
type Registry struct {
	tenants *xsync.MapOf[string, *Tenant]
	calc    *sharding.Calculator
	sg      *sharding.ScatterGather
	logger  *zap.Logger
}

// New normalizes cfg and builds every tenant. On failure everything opened so far is
// closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (reg *Registry, err error) {
	logger = logging.OrNop(logger)
	st := &settings{
		engines: make(map[string]engine.Engine),
		stores:  make(map[string]sharding.BlacklistStore),
		tracer:  tracing.Tracer(),
	}
	for _, o := range opts {
		o(st)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		tenants: xsync.NewMapOf[string, *Tenant](),
		sg:      sharding.NewScatterGather(cfg.Sharding.ScatterGatherParallelism, logger),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	extractor := bucket.NewHashExtractor(cfg.BucketCount)
	memory := sharding.NewMemoryBlacklistStore()
	managers := make(map[string]sharding.Manager, len(cfg.Tenants))
	for _, id := range cfg.TenantIDs() {
		t, err := r.build(ctx, cfg, id, extractor, memory, st)
		if err != nil {
			return nil, err
		}
		managers[id] = t.Manager
	}
	r.calc, err = sharding.NewCalculator(extractor, managers)
	if err != nil {
		return nil, err
	}
	logger.Info("Tenant registry ready", zap.Strings("tenants", cfg.TenantIDs()), zap.Int("buckets", cfg.BucketCount))
	return r, nil
}

func (r *Registry) build(ctx context.Context, cfg *config.Config, id string, extractor bucket.Extractor,
	memory *sharding.MemoryBlacklistStore, st *settings) (*Tenant, error) {
	tc := cfg.Tenants[id]
	opts := cfg.OptionsFor(id)
	logger := r.logger.With(logging.Tenant(id))
	t := &Tenant{ID: id, Options: opts, Shards: ShardInfo{Namespace: opts.ShardNamespace}}
	// registered before anything can fail so Close releases what was opened
	r.tenants.Store(id, t)

	store, ok := st.stores[id]
	if !ok {
		var err error
		if store, t.storeDB, err = openStore(ctx, tc.Blacklist, memory); err != nil {
			return nil, serr.Wrap(err, serr.ErrorTypeConfiguration, "open_blacklist_store", id)
		}
	}

	var err error
	switch sharding.Strategy(tc.Strategy) {
	case sharding.StrategyLegacy:
		t.Manager, err = sharding.NewLegacyManager(ctx, id, tc.Shards, cfg.BucketCount, store, logger)
	default:
		t.Manager, err = sharding.NewBalancedManager(ctx, id, tc.Shards, cfg.BucketCount, tc.VirtualNodes, store, logger)
	}
	if err != nil {
		return nil, err
	}

	if eng, ok := st.engines[id]; ok {
		t.Engine = eng
	} else if t.Engine, err = openEngine(tc, opts, logger); err != nil {
		return nil, err
	}
	if t.Engine.NumShards() != tc.Shards {
		return nil, serr.NewConfigurationError("new_tenant",
			fmt.Sprintf("tenant %s: engine has %d shards, %d configured", id, t.Engine.NumShards(), tc.Shards))
	}

	filters := append([]txn.Filter{txn.NewRateLimitFilter(opts.RateLimit)}, st.filters...)
	observers := []txn.Observer{
		txn.TracingObserver(st.tracer),
		txn.LoggingObserver(logger),
		txn.MetricsObserver(),
		txn.FilterObserver(filters...),
		txn.ListenerObserver(logger, st.listeners...),
	}
	if opts.AutoBlacklist.Enabled {
		t.AutoBlacklister = txn.NewAutoBlacklister(id, t.Manager, opts.AutoBlacklist.Settings, logger)
		observers = append(observers, t.AutoBlacklister.Observer())
	}
	observers = append(observers, txn.BucketKeyObserver(extractor))

	t.Executor = txn.NewExecutor(id, t.Engine, txn.Options{
		SkipReadOnlyTransaction: opts.SkipReadOnlyTransaction,
		ShardName:               t.ShardName,
	}, logger, observers...)

	logger.Info("Tenant configured",
		zap.Int("shards", tc.Shards),
		zap.String("strategy", string(t.Manager.Strategy())),
		zap.String("engine", tc.Engine.Driver),
		zap.String("blacklist_store", tc.Blacklist.Type),
		zap.Bool("auto_blacklist", opts.AutoBlacklist.Enabled))
	return t, nil
}

func openStore(ctx context.Context, bc config.BlacklistConfig, memory *sharding.MemoryBlacklistStore) (sharding.BlacklistStore, *sql.DB, error) {
	switch bc.Type {
	case config.BlacklistNoop:
		return sharding.NoopBlacklistStore{}, nil, nil
	case config.BlacklistSQL:
		d, err := sqldb.LookupDialect(bc.Driver)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open(d.Driver, bc.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := sharding.NewSQLBlacklistStore(db, d.Name)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db, nil
	default:
		return memory, nil, nil
	}
}

func openEngine(tc config.TenantConfig, opts config.ShardingOptions, logger *zap.Logger) (engine.Engine, error) {
	if tc.Engine.Driver == config.DriverMemory {
		return memdb.New(tc.Shards, memdb.WithLockTimeout(opts.LockTimeout), memdb.WithLogger(logger)), nil
	}
	d, err := sqldb.LookupDialect(tc.Engine.Driver)
	if err != nil {
		return nil, serr.Wrap(err, serr.ErrorTypeConfiguration, "open_engine", tc.Engine.Driver)
	}
	eng, err := sqldb.Open(d, tc.Engine.ShardDSNs(tc.Shards), logger)
	if err != nil {
		return nil, serr.Wrap(err, serr.ErrorTypeConfiguration, "open_engine", tc.Engine.Driver)
	}
	return eng, nil
}

// Tenant returns the tenant registered under id
func (r *Registry) Tenant(id string) (*Tenant, error) {
	t, ok := r.tenants.Load(id)
	if !ok {
		return nil, serr.WrapConfigurationError(ErrUnknownTenant, "lookup_tenant", fmt.Sprintf("tenant %q is not configured", id))
	}
	return t, nil
}

// Tenants returns the tenant ids in ascending order
func (r *Registry) Tenants() []string {
	return r.calc.Tenants()
}

// Calculator returns the shard calculator shared by all tenants
func (r *Registry) Calculator() *sharding.Calculator {
	return r.calc
}

// Executor implements dao.Backend.
func (r *Registry) Executor(tenant string) (*txn.Executor, error) {
	t, err := r.Tenant(tenant)
	if err != nil {
		return nil, err
	}
	return t.Executor, nil
}

// ShardID implements dao.Backend.
func (r *Registry) ShardID(tenant, key string) (int, error) {
	return r.calc.ShardID(tenant, key)
}

// Shards implements dao.Backend. Blacklisted shards are included: scans must see rows
// already stored there.
func (r *Registry) Shards(tenant string) ([]int, error) {
	t, err := r.Tenant(tenant)
	if err != nil {
		return nil, err
	}
	out := make([]int, t.Manager.NumShards())
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// ScatterGather implements dao.Backend.
func (r *Registry) ScatterGather() *sharding.ScatterGather {
	return r.sg
}

// Blacklist removes shard from routing for tenant
func (r *Registry) Blacklist(ctx context.Context, tenant string, shard int) error {
	t, err := r.Tenant(tenant)
	if err != nil {
		return err
	}
	return t.Manager.BlacklistShard(ctx, shard)
}

// Unblacklist returns shard to routing for tenant
func (r *Registry) Unblacklist(ctx context.Context, tenant string, shard int) error {
	t, err := r.Tenant(tenant)
	if err != nil {
		return err
	}
	return t.Manager.UnblacklistShard(ctx, shard)
}

// HealthStatus maps every shard of tenant to true when it is active
func (r *Registry) HealthStatus(tenant string) (map[int]bool, error) {
	t, err := r.Tenant(tenant)
	if err != nil {
		return nil, err
	}
	return t.Manager.HealthStatus(), nil
}

// Refresh reloads the blacklist state of every tenant from its store
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, id := range r.Tenants() {
		t, _ := r.tenants.Load(id)
		if err := t.Manager.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Probe lets every auto-blacklisted shard whose breaker cooled down prove it is back
func (r *Registry) Probe(ctx context.Context) {
	r.tenants.Range(func(_ string, t *Tenant) bool {
		if t.AutoBlacklister != nil {
			t.AutoBlacklister.Probe(ctx, t.Ping)
		}
		return true
	})
}

// RunProber probes the tenants with auto-blacklisting at their probe interval until
// ctx ends
func (r *Registry) RunProber(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	r.tenants.Range(func(_ string, t *Tenant) bool {
		if t.AutoBlacklister == nil {
			return true
		}
		interval := t.Options.AutoBlacklist.ProbeInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					t.AutoBlacklister.Probe(ctx, t.Ping)
				}
			}
		})
		return true
	})
	return g.Wait()
}

// Close closes every engine and blacklist store opened by New. Engines passed through
// WithEngine are closed too.
func (r *Registry) Close() error {
	var errs []error
	r.tenants.Range(func(id string, t *Tenant) bool {
		if t.Engine != nil {
			if err := t.Engine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tenant %s engine: %w", id, err))
			}
		}
		if t.storeDB != nil {
			if err := t.storeDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tenant %s blacklist store: %w", id, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}
