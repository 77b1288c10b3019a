// Package config loads the tenant topology: which tenants exist, how many shards each
// has, how buckets are assigned, where the shards live and how operations on them are
// executed.
package config

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/shardline/internal/breaker"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/limiter"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SHARDLINE_BUCKET_COUNT
const EnvPrefix = "SHARDLINE"

// ShardPlaceholder is replaced by the shard index in DSN templates
const ShardPlaceholder = "{shard}"

// Engine drivers besides the database/sql dialect names
const DriverMemory = "memdb"

// Blacklist store types
const (
	BlacklistNoop   = "noop"
	BlacklistMemory = "memory"
	BlacklistSQL    = "sql"
)

// AutoBlacklist configures the circuit breakers that blacklist failing shards
type AutoBlacklist struct {
	Enabled bool `mapstructure:"enabled"`
	// ProbeInterval is how often blacklisted shards are pinged for recovery.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	breaker.Settings `mapstructure:",squash"`
}

// ShardingOptions tune how operations of a tenant are executed
type ShardingOptions struct {
	// SkipReadOnlyTransaction runs read-only operations without begin/commit.
	SkipReadOnlyTransaction bool `mapstructure:"skip_read_only_transaction"`
	// ScatterGatherParallelism bounds concurrent shards in cross-shard reads. 1 is serial.
	ScatterGatherParallelism int            `mapstructure:"scatter_gather_parallelism"`
	LockTimeout              time.Duration  `mapstructure:"lock_timeout"`
	AutoBlacklist            AutoBlacklist  `mapstructure:"auto_blacklist"`
	RateLimit                limiter.Config `mapstructure:"rate_limit"`
	// ShardNamespace prefixes shard names: <namespace>_<tenant>_<index>.
	ShardNamespace string `mapstructure:"shard_namespace"`
}

// EngineConfig locates the shards of a tenant
type EngineConfig struct {
	// Driver is memdb or a dialect name: sqlite, sqlite3, postgres, mysql, duckdb.
	Driver string `mapstructure:"driver"`
	// DSN is a template; {shard} is replaced by the shard index.
	DSN string `mapstructure:"dsn"`
	// DSNs lists one DSN per shard and takes precedence over DSN.
	DSNs []string `mapstructure:"dsns"`
}

// ShardDSNs returns the DSN of every shard
func (e EngineConfig) ShardDSNs(shards int) []string {
	if len(e.DSNs) > 0 {
		return e.DSNs
	}
	out := make([]string, shards)
	for i := range out {
		out[i] = strings.ReplaceAll(e.DSN, ShardPlaceholder, strconv.Itoa(i))
	}
	return out
}

// BlacklistConfig selects where blacklist state is kept
type BlacklistConfig struct {
	Type   string `mapstructure:"type"`
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// TenantConfig describes one tenant
type TenantConfig struct {
	Shards       int             `mapstructure:"shards"`
	Strategy     string          `mapstructure:"strategy"`
	VirtualNodes int             `mapstructure:"virtual_nodes"`
	Engine       EngineConfig    `mapstructure:"engine"`
	Blacklist    BlacklistConfig `mapstructure:"blacklist"`
	// Sharding overrides the global options for this tenant when set.
	Sharding *ShardingOptions `mapstructure:"sharding"`
}

// Config is the whole topology
type Config struct {
	BucketCount int                     `mapstructure:"bucket_count"`
	Sharding    ShardingOptions         `mapstructure:"sharding"`
	Tenants     map[string]TenantConfig `mapstructure:"tenants"`
}

// DefaultShardingOptions returns the options used when nothing is configured
func DefaultShardingOptions() ShardingOptions {
	return ShardingOptions{
		ScatterGatherParallelism: 1,
		LockTimeout:              5 * time.Second,
		ShardNamespace:           "connectionpool",
		AutoBlacklist: AutoBlacklist{
			ProbeInterval: 10 * time.Second,
			Settings: breaker.Settings{
				HalfOpenProbes:      1,
				Cooldown:            30 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
	}
}

// Default returns a configuration with a single in-memory default tenant
func Default() Config {
	return Config{
		BucketCount: 1024,
		Sharding:    DefaultShardingOptions(),
		Tenants: map[string]TenantConfig{
			"default": {
				Shards:    2,
				Strategy:  "balanced",
				Engine:    EngineConfig{Driver: DriverMemory},
				Blacklist: BlacklistConfig{Type: BlacklistMemory},
			},
		},
	}
}

// Load reads a YAML, JSON or TOML file. Keys can be overridden through SHARDLINE_*
// environment variables. Tenant ids are case-insensitive and reported in lower case.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, serr.WrapConfigurationError(err, "load_config", path)
	}
	return decode(v)
}

// Read parses a configuration of the given format ("yaml", "json", ...) from r
func Read(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, serr.WrapConfigurationError(err, "read_config", format)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	cfg.Tenants = nil
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, serr.WrapConfigurationError(err, "decode_config", "unmarshal")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills the per-tenant defaults: balanced strategy, in-memory engine and
// in-memory blacklist store
func (c *Config) Normalize() {
	if c.BucketCount == 0 {
		c.BucketCount = 1024
	}
	for id, t := range c.Tenants {
		if t.Strategy == "" {
			t.Strategy = "balanced"
		}
		if t.Engine.Driver == "" {
			t.Engine.Driver = DriverMemory
		}
		if t.Blacklist.Type == "" {
			t.Blacklist.Type = BlacklistMemory
		}
		c.Tenants[id] = t
	}
}

// Validate checks the topology
func (c *Config) Validate() error {
	if c.BucketCount <= 0 {
		return serr.NewConfigurationError("validate_config", "bucket_count must be positive")
	}
	if len(c.Tenants) == 0 {
		return serr.NewConfigurationError("validate_config", "at least one tenant is required")
	}
	for _, id := range c.TenantIDs() {
		t := c.Tenants[id]
		fail := func(format string, args ...any) error {
			return serr.NewConfigurationError("validate_config", fmt.Sprintf("tenant %s: ", id)+fmt.Sprintf(format, args...))
		}
		if t.Shards <= 0 {
			return fail("shards must be positive")
		}
		if t.Shards > c.BucketCount {
			return fail("%d shards exceed %d buckets", t.Shards, c.BucketCount)
		}
		if t.Strategy != "legacy" && t.Strategy != "balanced" {
			return fail("unknown strategy %q", t.Strategy)
		}
		if t.Engine.Driver != DriverMemory {
			if t.Engine.DSN == "" && len(t.Engine.DSNs) == 0 {
				return fail("engine %s needs a dsn", t.Engine.Driver)
			}
			if len(t.Engine.DSNs) > 0 && len(t.Engine.DSNs) != t.Shards {
				return fail("%d dsns for %d shards", len(t.Engine.DSNs), t.Shards)
			}
		}
		switch t.Blacklist.Type {
		case BlacklistNoop, BlacklistMemory:
		case BlacklistSQL:
			if t.Blacklist.Driver == "" || t.Blacklist.DSN == "" {
				return fail("sql blacklist store needs driver and dsn")
			}
		default:
			return fail("unknown blacklist store %q", t.Blacklist.Type)
		}
		if opts := c.OptionsFor(id); opts.ScatterGatherParallelism < 0 {
			return fail("scatter_gather_parallelism must not be negative")
		}
	}
	return nil
}

// TenantIDs returns the configured tenants in ascending order
func (c *Config) TenantIDs() []string {
	out := make([]string, 0, len(c.Tenants))
	for id := range c.Tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OptionsFor returns the effective sharding options of tenant
func (c *Config) OptionsFor(tenant string) ShardingOptions {
	if t, ok := c.Tenants[tenant]; ok && t.Sharding != nil {
		return *t.Sharding
	}
	return c.Sharding
}
