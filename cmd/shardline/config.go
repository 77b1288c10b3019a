package main

import (
	"errors"
	"time"

	"github.com/23skdu/shardline/internal/tracing"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// EnvPrefix prefixes every process setting, e.g. SHARDLINE_ADMIN_ADDR
const EnvPrefix = "SHARDLINE"

// Config holds the process settings. The tenant topology is a separate file, see
// internal/config.
type Config struct {
	AdminAddr    string `envconfig:"ADMIN_ADDR"`
	GRPCAddr     string `envconfig:"GRPC_ADDR"`
	TopologyPath string `envconfig:"TOPOLOGY"`
	LogFormat    string `envconfig:"LOG_FORMAT"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	// AdminToken, when set, is required as a bearer token on blacklist changes.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// HealthInterval is how often shard health is published to the gRPC health service.
	HealthInterval  time.Duration `envconfig:"HEALTH_INTERVAL"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`

	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM"`
	GRPCMaxConcurrentStreams     uint32        `envconfig:"GRPC_MAX_CONCURRENT_STREAMS"`

	Tracing tracing.Config `ignored:"true"`
}

// Config validation errors
var (
	ErrInvalidAdminAddr      = errors.New("admin_addr cannot be empty")
	ErrInvalidGRPCAddr       = errors.New("grpc_addr cannot be empty")
	ErrInvalidLogFormat      = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel       = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidHealthInterval = errors.New("health_interval must be positive")
	ErrInvalidKeepAliveTime  = errors.New("keepalive_time must be positive")
	ErrInvalidMaxStreams     = errors.New("grpc_max_concurrent_streams must be > 0")
)

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		AdminAddr:                    "0.0.0.0:9090",
		GRPCAddr:                     "0.0.0.0:3000",
		LogFormat:                    "json",
		LogLevel:                     "info",
		HealthInterval:               5 * time.Second,
		ShutdownTimeout:              10 * time.Second,
		KeepAliveTime:                2 * time.Hour,
		KeepAliveTimeout:             20 * time.Second,
		KeepAliveMinTime:             5 * time.Minute,
		KeepAlivePermitWithoutStream: false,
		GRPCMaxConcurrentStreams:     250,
		Tracing: tracing.Config{
			ServiceName:    "shardline",
			ServiceVersion: Version,
			SampleRate:     1,
		},
	}
}

// LoadConfig applies SHARDLINE_* environment variables on top of DefaultConfig
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg.Tracing); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.AdminAddr == "" {
		return ErrInvalidAdminAddr
	}
	if cfg.GRPCAddr == "" {
		return ErrInvalidGRPCAddr
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.HealthInterval <= 0 {
		return ErrInvalidHealthInterval
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	if cfg.GRPCMaxConcurrentStreams == 0 {
		return ErrInvalidMaxStreams
	}
	return nil
}

// BuildGRPCServerOptions returns the options of the gRPC health server
func (c *Config) BuildGRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.KeepAliveTime,
			Timeout: c.KeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             c.KeepAliveMinTime,
			PermitWithoutStream: c.KeepAlivePermitWithoutStream,
		}),
		grpc.MaxConcurrentStreams(c.GRPCMaxConcurrentStreams),
	}
}
