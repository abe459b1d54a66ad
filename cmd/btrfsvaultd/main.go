// Command btrfsvaultd is the scheduled, incremental, encrypted Btrfs
// backup daemon: it snapshots the configured subvolumes, ships them to a
// remote host over SSH, tracks what has already been sent in a local
// ledger, and exposes an HTTP API for on-demand backup/restore control,
// settings, and live progress over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"

	"github.com/btrfsvault/btrfsvault/internal/api"
	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/db"
	"github.com/btrfsvault/btrfsvault/internal/healthcheck"
	"github.com/btrfsvault/btrfsvault/internal/hostresolve"
	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/metrics"
	"github.com/btrfsvault/btrfsvault/internal/orchestrator"
	"github.com/btrfsvault/btrfsvault/internal/restore"
	"github.com/btrfsvault/btrfsvault/internal/scheduler"
	"github.com/btrfsvault/btrfsvault/internal/snapshot"
	"github.com/btrfsvault/btrfsvault/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
)

type runtimeConfig struct {
	httpAddr   string
	configPath string
	dbPath     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &runtimeConfig{}

	root := &cobra.Command{
		Use:   "btrfsvaultd",
		Short: "btrfsvaultd — scheduled, encrypted Btrfs snapshot backup daemon",
		Long: `btrfsvaultd snapshots configured Btrfs subvolumes, encrypts and ships
them to a remote host over SSH, and enforces a retention policy across
local snapshots, current-month incrementals, and older monthly fulls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BTRFSVAULT_HTTP_ADDR", ":8420"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("BTRFSVAULT_CONFIG", "/var/lib/btrfsvault/settings.json"), "Path to the settings JSON file")
	root.PersistentFlags().StringVar(&cfg.dbPath, "db-path", envOrDefault("BTRFSVAULT_DB_PATH", "/var/lib/btrfsvault/btrfsvault.db"), "Path to the SQLite ledger database")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BTRFSVAULT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("btrfsvaultd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The websocket hub is created early and the logger is given a hook
	// that mirrors every log entry onto its "logs" topic, so the live log
	// fanout covers startup messages too, not just messages emitted after
	// the HTTP server comes up.
	hub := websocket.NewHub()
	go hub.Run(ctx)
	logger = logger.WithOptions(zap.Hooks(func(e zapcore.Entry) error {
		hub.Publish(websocket.TopicLogs, websocket.Message{
			Type:  websocket.MsgLog,
			Topic: websocket.TopicLogs,
			Payload: websocket.LogLine{
				Level:     e.Level.String(),
				Message:   e.Message,
				Timestamp: e.Time.Format(time.RFC3339),
			},
		})
		return nil
	}))

	// --- 1. Settings ---
	appCfg, err := config.Load(cfg.configPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	subvols := config.Subvolumes()

	logger.Info("starting btrfsvaultd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("client_name", appCfg.ClientName),
		zap.String("remote", appCfg.UnraidTailscaleName),
	)

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		DSN:      cfg.dbPath,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store := ledger.New(gormDB)

	// --- 3. Components ---
	snaps := snapshot.New(appCfg.SnapshotDir, subvols, logger)
	resolver := hostresolve.New(appCfg.UseTailscale, logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	pub := &hubPublisher{hub: hub}

	orch := orchestrator.New(appCfg, subvols, store, snaps, resolver, m, pub, logger)
	restoreEngine := restore.New(appCfg, resolver, pub, logger)

	// --- 4. Scheduler ---
	sched, err := scheduler.New(func() error {
		return orch.Start(orchestrator.Options{})
	}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Reload(appCfg); err != nil {
		return fmt.Errorf("failed to schedule backups: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 5. Startup health check ---
	report := healthcheck.Run(ctx, appCfg, resolver, logger)
	if !report.Healthy() {
		logger.Warn("one or more startup checks failed, daemon is starting anyway")
	}

	// --- 6. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Orchestrator: orch,
		Restore:      restoreEngine,
		Ledger:       store,
		Scheduler:    sched,
		Hub:          hub,
		Config:       appCfg,
		ConfigPath:   cfg.configPath,
		Resolver:     resolver,
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down btrfsvaultd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("btrfsvaultd stopped")
	return nil
}

// hubPublisher adapts the orchestrator's and restore engine's bare
// Publish(topic, v) interface onto the websocket hub's typed Message
// envelope.
type hubPublisher struct {
	hub *websocket.Hub
}

func (p *hubPublisher) Publish(topic string, v any) {
	p.hub.Publish(topic, websocket.Message{
		Type:    websocket.MsgProgress,
		Topic:   topic,
		Payload: v,
	})
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
