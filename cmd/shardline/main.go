package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/shardline/client"
	"github.com/23skdu/shardline/internal/config"
	"github.com/23skdu/shardline/internal/health"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/tenant"
	"github.com/23skdu/shardline/internal/tracing"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Version is set at build time
var Version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "shardline",
		Short:         "shard routing and transaction coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API, metrics and the gRPC health service",
		Long: `Build every tenant of the topology and serve the admin API and the gRPC health service.
Settings can be given as flags or as SHARDLINE_<FLAG> environment variables (e.g. SHARDLINE_ADMIN_ADDR).`,
		RunE: runServe,
	}
	routeCmd = &cobra.Command{
		Use:   "route <tenant> <key>",
		Short: "Print the bucket and shard a key routes to",
		Args:  cobra.ExactArgs(2),
		RunE:  runRoute,
	}
	blacklistCmd = &cobra.Command{
		Use:   "blacklist <tenant> <shard>",
		Short: "Remove a shard from routing on a running server",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runAdmin(cmd, args, "blacklist") },
	}
	unblacklistCmd = &cobra.Command{
		Use:   "unblacklist <tenant> <shard>",
		Short: "Return a shard to routing on a running server",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runAdmin(cmd, args, "unblacklist") },
	}
	healthCmd = &cobra.Command{
		Use:   "health [tenant[/shard]]",
		Short: "Query the gRPC health service of a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHealth,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of shardline",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shardline %s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("topology", "", "Tenant topology file (YAML, JSON or TOML). Empty serves one in-memory default tenant")
	flags.String("admin-addr", "0.0.0.0:9090", "Address of the admin API and /metrics")
	flags.String("grpc-addr", "0.0.0.0:3000", "Address of the gRPC health service")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, console)")
	flags.String("admin-token", "", "Bearer token required on blacklist changes")

	rootCmd.AddCommand(serveCmd, routeCmd, blacklistCmd, unblacklistCmd, healthCmd, versionCmd)
}

// initConfig loads .env files and lets SHARDLINE_* variables override flags
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("shardline")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// processConfig merges defaults, environment and flags into a validated Config
func processConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return cfg, err
	}
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return cfg, err
	}
	for flag, dst := range map[string]*string{
		"topology":    &cfg.TopologyPath,
		"admin-addr":  &cfg.AdminAddr,
		"grpc-addr":   &cfg.GRPCAddr,
		"log-level":   &cfg.LogLevel,
		"log-format":  &cfg.LogFormat,
		"admin-token": &cfg.AdminToken,
	} {
		if viper.IsSet(flag) {
			*dst = viper.GetString(flag)
		}
	}
	return cfg, ValidateConfig(&cfg)
}

func loadTopology(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := processConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stdout})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	topo, err := loadTopology(cfg.TopologyPath)
	if err != nil {
		return err
	}
	reg, err := tenant.New(ctx, topo, logger, tenant.WithTracer(tracing.Tracer()))
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("Closing tenants failed", zap.Error(err))
		}
	}()

	zl, err := logging.NewZerolog(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stdout})
	if err != nil {
		return err
	}
	hm := health.NewHealthManager(Version, zl, tracing.Tracer())
	if err := hm.RegisterTenants(reg); err != nil {
		return err
	}

	logger.Info("shardline starting", zap.String("version", Version), zap.Strings("tenants", reg.Tenants()))
	return newServer(cfg, reg, hm, logger, zl).run(ctx)
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := processConfig(cmd)
	if err != nil {
		return err
	}
	topo, err := loadTopology(cfg.TopologyPath)
	if err != nil {
		return err
	}
	reg, err := tenant.New(cmd.Context(), topo, nil)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	res, err := route(reg, args[0], args[1])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func route(reg *tenant.Registry, id, key string) (client.Route, error) {
	t, err := reg.Tenant(id)
	if err != nil {
		return client.Route{}, err
	}
	bucketID, err := reg.Calculator().BucketID(id, key)
	if err != nil {
		return client.Route{}, err
	}
	shard, err := reg.ShardID(id, key)
	if err != nil {
		return client.Route{}, err
	}
	return client.Route{Tenant: id, Key: key, Bucket: bucketID, Shard: shard, Name: t.ShardName(shard)}, nil
}

func newClient(cfg Config) *client.Client {
	return client.New(cfg.AdminAddr, client.WithToken(cfg.AdminToken), client.WithGRPCAddr(cfg.GRPCAddr), client.WithTimeout(5*time.Second))
}

func runAdmin(cmd *cobra.Command, args []string, action string) error {
	cfg, err := processConfig(cmd)
	if err != nil {
		return err
	}
	shard, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("shard must be an integer: %w", err)
	}
	c := newClient(cfg)
	change := c.Blacklist
	if action == "unblacklist" {
		change = c.Unblacklist
	}
	out, err := change(cmd.Context(), args[0], shard)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := processConfig(cmd)
	if err != nil {
		return err
	}
	service := ""
	if len(args) == 1 {
		service = args[0]
	}
	c := newClient(cfg)
	defer func() { _ = c.Close() }()

	st, err := c.Health(cmd.Context(), service)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), st.String())
	if st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", service, st)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
