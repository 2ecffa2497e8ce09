package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fastpath-db/fastpath/cmd/server/config"
	"github.com/fastpath-db/fastpath/pkg/cache"
	"github.com/fastpath-db/fastpath/pkg/driver"
	"github.com/fastpath-db/fastpath/pkg/engine"
	"github.com/fastpath-db/fastpath/pkg/metrics"
	"github.com/fastpath-db/fastpath/pkg/pool"
	"github.com/fastpath-db/fastpath/pkg/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fastpath",
		Short: "Low-latency query execution layer for PostgreSQL",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the query execution server",
		RunE:  runServe,
	}

	flags := serveCmd.Flags()
	flags.String("config", "", "Path to config file")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("primary-url", "", "Primary database URL")
	flags.String("replica-url", "", "Read replica database URL")
	flags.String("analytics-url", "", "Analytics database URL")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.Bool("log-pretty", false, "Human-readable log output")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("FASTPATH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pools, err := pool.NewManager(ctx, managerConfig(cfg), driver.NewPostgresDriver(), logger)
	if err != nil {
		return fmt.Errorf("failed to create pools: %w", err)
	}

	results, err := buildResultCache(ctx, cfg, logger)
	if err != nil {
		pools.Close()
		return err
	}

	var collector metrics.Collector = metrics.NoOp{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		collector = prom
		metricsHandler = prom.Handler()
	}

	eng := engine.New(pools, engine.Options{
		QueryTimeout:      cfg.QueryTimeout(),
		CacheTTL:          cfg.CacheTTL(),
		EnablePrepared:    cfg.Execution.EnablePreparedStatements,
		EnableOptimizer:   cfg.Execution.EnableQueryOptimization,
		StatementCapacity: cfg.Execution.StatementCacheCapacity,
		SlowThreshold:     cfg.SlowQueryThreshold(),
		ResultCache:       results,
		Collector:         collector,
	}, logger)
	defer eng.Close()

	srv := server.New(cfg.ListenAddr, eng, metricsHandler, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if path := viper.GetString("config"); path != "" {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Flags and environment override the file.
	if v := viper.GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := viper.GetString("primary-url"); v != "" {
		cfg.Database.Primary.URL = v
	}
	if v := viper.GetString("replica-url"); v != "" {
		cfg.Database.ReadReplica.URL = v
	}
	if v := viper.GetString("analytics-url"); v != "" {
		cfg.Database.Analytics.URL = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if viper.GetBool("log-pretty") {
		cfg.Logging.Pretty = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	var logger zerolog.Logger
	if cfg.Logging.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

func managerConfig(cfg *config.Config) pool.ManagerConfig {
	return pool.ManagerConfig{
		PrimaryURL:     cfg.Database.Primary.URL,
		ReadReplicaURL: cfg.Database.ReadReplica.URL,
		AnalyticsURL:   cfg.Database.Analytics.URL,
		Primary:        poolConfig(cfg.Database.Primary),
		ReadReplica:    poolConfig(cfg.Database.ReadReplica),
		Analytics:      poolConfig(cfg.Database.Analytics),
	}
}

func poolConfig(pc config.PoolConfig) pool.Config {
	return pool.Config{
		MinSize:              pc.MinSize,
		MaxSize:              pc.MaxSize,
		AcquireTimeout:       time.Duration(pc.AcquireTimeoutMillis) * time.Millisecond,
		IdleTimeout:          time.Duration(pc.IdleTimeoutSeconds) * time.Second,
		MaxConsecutiveErrors: pc.MaxConsecutiveErrors,
	}
}

func buildResultCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.ResultCache, error) {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPass, cfg.Cache.RedisDB, logger)
	}
	return cache.NewMemoryCache(logger), nil
}
