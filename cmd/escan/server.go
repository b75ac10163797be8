package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/escanlabs/escan/internal/config"
	"github.com/escanlabs/escan/internal/db"
	"github.com/escanlabs/escan/internal/kv"
	"github.com/escanlabs/escan/internal/logging"
	"github.com/escanlabs/escan/internal/metrics"
	"github.com/escanlabs/escan/internal/ratelimit"
	"github.com/escanlabs/escan/internal/scan"
	"github.com/escanlabs/escan/internal/server"
	"github.com/escanlabs/escan/internal/session"
	"github.com/escanlabs/escan/internal/tools"
)

var serverFlags struct {
	configPath string
	addr       string
	dbPath     string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the scan runtime HTTP server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverFlags.configPath, "config", getEnv("ESCAN_CONFIG", ""), "path to YAML config file")
	serverCmd.Flags().StringVar(&serverFlags.addr, "addr", "", "listen address (overrides config)")
	serverCmd.Flags().StringVar(&serverFlags.dbPath, "db", "", "sqlite database path (overrides config; empty disables durability)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverFlags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverFlags.addr != "" {
		cfg.Server.Addr = serverFlags.addr
	}
	if serverFlags.dbPath != "" {
		cfg.Storage.DBPath = serverFlags.dbPath
	}

	if cfg.UsingDevKeys() {
		logger.Warn("running with development signing keys; set ESCAN_SESSION_KEY and ESCAN_ROLE_KEY in production")
	}

	var store kv.Store
	var database *sql.DB
	if cfg.Storage.DBPath != "" {
		d, err := db.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer d.Close()
		database = d
		store = kv.NewSQLite(d)
		logger.Info("durable storage enabled", zap.String("path", cfg.Storage.DBPath))
	} else {
		store = kv.NewMemory()
		logger.Warn("no database configured; sessions, rate limits, and metrics are process-local")
	}

	collector := metrics.NewCollector()
	ctx := context.Background()
	if cfg.Flags["metrics-persistence"] {
		if err := collector.LoadFrom(ctx, store); err != nil {
			logger.Warn("failed to load persisted metrics", zap.Error(err))
		}
	}

	sessions := session.NewStore(session.Options{
		SessionSecret: []byte(cfg.Secrets.SessionKey),
		RoleSecret:    []byte(cfg.Secrets.RoleKey),
		KV:            store,
		Logger:        logger.Named("session"),
	})
	sessions.StartSweeper()
	defer sessions.Close()

	limiter := ratelimit.New(store)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	runtime := tools.NewRuntime(tools.Options{
		Registry: registry,
		Sessions: sessions,
		Limiter:  limiter,
		Metrics:  collector,
		DB:       database,
		KV:       store,
		Flags:    cfg.Flags,
		AdminKey: cfg.Secrets.AdminKey,
		Logger:   logger.Named("tools"),
	})

	timeout := time.Duration(cfg.Scan.TimeoutSeconds) * time.Second
	orchestrator := scan.NewOrchestrator(
		scan.NewClient(timeout, cfg.Scan.RequestsPerSecond),
		timeout,
		logger.Named("scan"),
	)

	srv := &server.Server{
		Runtime:      runtime,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Limiter:      limiter,
		DB:           database,
		AdminKey:     cfg.Secrets.AdminKey,
		Logger:       logger.Named("http"),
	}

	managed := server.NewManagedServer(cfg.Server.Addr, srv.Handler(), logger.Named("http"))
	managed.Start()
	if err := managed.WaitForStartup(250 * time.Millisecond); err != nil {
		return err
	}
	logger.Info("server started", logging.Addr(cfg.Server.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	managed.Shutdown(shutdownCtx)

	if cfg.Flags["metrics-persistence"] {
		if err := collector.PersistTo(shutdownCtx, store); err != nil {
			logger.Warn("failed to persist metrics on shutdown", zap.Error(err))
		}
	}

	return nil
}
