// Command indexer is the composition root for the chain address indexer:
// it loads configuration, wires the rate limiter, RPC client, address
// cache, store and metrics together, starts the scheduler and the
// operational HTTP API, and owns process lifecycle (signal handling,
// graceful shutdown). Mirrors the shape of walletserver/main.go (load
// config -> construct services -> register routes -> listen), extended
// with cobra subcommands per cmd/synnergy/main.go's cobra-root style
// (SPEC_FULL.md §4.9).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chainindexer/internal/api"
	"chainindexer/internal/batch"
	"chainindexer/internal/cache"
	"chainindexer/internal/clock"
	"chainindexer/internal/config"
	"chainindexer/internal/metrics"
	"chainindexer/internal/ratelimiter"
	"chainindexer/internal/rpc"
	"chainindexer/internal/scheduler"
	"chainindexer/internal/store"
	"chainindexer/pkg/utils"
)

var (
	configDir  string
	configName string
	configEnv  string
)

func main() {
	root := &cobra.Command{Use: "indexer"}
	// Flag defaults fall back to CHAININDEXER_CONFIG_DIR/CHAININDEXER_ENV
	// so a containerized deployment can pin these without a wrapper
	// script, the same env-or-default idiom pkg/utils/env.go provides for
	// the rest of the teacher's services.
	root.PersistentFlags().StringVar(&configDir, "config-dir", utils.EnvOrDefault("CHAININDEXER_CONFIG_DIR", "config"), "directory containing the YAML config file(s)")
	root.PersistentFlags().StringVar(&configName, "config", "default", "base config file name (without extension)")
	root.PersistentFlags().StringVar(&configEnv, "env", utils.EnvOrDefault("CHAININDEXER_ENV", ""), "optional environment overlay config file name (without extension)")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCheckCmd())
	root.AddCommand(showConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the batch scheduler and the operational HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-check",
		Short: "verify the five tables the store depends on exist, without running any DDL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateCheck()
		},
	}
}

func showConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "print the effective configuration (defaults + file + environment overlay) as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configDir, configName, configEnv)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	return cfg, log, nil
}

// migrateCheck connects to the configured store and verifies the five
// tables in spec.md §6 exist. It runs no DDL itself — migrations remain
// out of scope per spec.md §1 — it only fails fast with a clear error
// instead of the batch processor discovering missing tables mid-run
// (SPEC_FULL.md "Supplemented Features" 4).
func migrateCheck() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer pool.Close()

	tables := []string{"address", "chain_info", "address_chain", "status", "api_call_failure_log"}
	for _, table := range tables {
		var exists bool
		row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table)
		if err := row.Scan(&exists); err != nil {
			return fmt.Errorf("check table %q: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %q is missing; run migrations before starting the indexer", table)
		}
	}
	log.Info("migrate-check: all required tables are present")
	return nil
}

func serve() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer pool.Close()

	clk := clock.System
	st := store.New(pool, log)
	limiter := ratelimiter.NewWithClock(cfg.Batch.RateLimitPerMinute, clk)
	rpcClient := rpc.New(cfg.RPC.Endpoint, time.Duration(cfg.RPC.TimeoutSeconds)*time.Second)
	addrCache := cache.New(cache.Config{
		Enabled:             cfg.Cache.Enabled,
		MaxSize:             cfg.Cache.MaxSize,
		DefaultValue:        cfg.Cache.DefaultValue,
		DecayAmount:         cfg.Cache.DecayAmount,
		LRUEvictionEnabled:  cfg.Cache.LRUEvictionEnabled,
		BatchEvictionSize:   cfg.Cache.BatchEvictionSize,
		MemoryCheckEnabled:  cfg.Cache.MemoryCheckEnabled,
		TargetMemoryPercent: cfg.Cache.TargetMemoryPercent,
		MinCacheSize:        cfg.Cache.MinCacheSize,
	})
	m := metrics.New(clk, prometheus.DefaultRegisterer)

	processor := batch.New(batch.Config{
		BatchSize:              cfg.Batch.Size,
		MaxConcurrentRPCCalls:  cfg.Batch.MaxConcurrentRPCCalls,
		ChainExternalID:        cfg.Batch.ChainID,
		PrefetchEnabled:        cfg.Batch.PrefetchEnabled,
		MaxConsecutiveFailures: cfg.Batch.MaxConsecutiveFailures,
	}, rpcClient, limiter, addrCache, st, m, clk, log)

	interval, err := time.ParseDuration(cfg.Batch.Schedule)
	if err != nil {
		return fmt.Errorf("parse batch.schedule: %w", err)
	}
	sched := scheduler.New(interval, processor, log)
	sched.Start(ctx)

	ctrl := api.NewController(processor, addrCache, log)
	router := api.NewRouter(ctrl, log)
	httpServer := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: router}

	go func() {
		log.WithField("addr", cfg.HTTP.ListenAddr).Info("indexer: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("indexer: http server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("indexer: shutdown signal received")

	processor.RequestStop()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("indexer: http server did not shut down cleanly")
	}

	for deadline := time.Now().Add(15 * time.Second); processor.IsRunning() && time.Now().Before(deadline); {
		time.Sleep(100 * time.Millisecond)
	}

	return nil
}
