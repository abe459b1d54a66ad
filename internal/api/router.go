package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/healthcheck"
	"github.com/btrfsvault/btrfsvault/internal/hostresolve"
	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/orchestrator"
	"github.com/btrfsvault/btrfsvault/internal/restore"
	"github.com/btrfsvault/btrfsvault/internal/scheduler"
	"github.com/btrfsvault/btrfsvault/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main.go after every component is initialized and passed
// to NewRouter as a single struct to keep the constructor manageable.
type RouterConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Restore      *restore.Engine
	Ledger       ledger.Ledger
	Scheduler    *scheduler.Scheduler
	Hub          *websocket.Hub
	Config       *config.Config
	ConfigPath   string
	Resolver     *hostresolve.Resolver
	Logger       *zap.Logger
}

// NewRouter builds the fully configured chi router. Routes are registered
// at bare paths with no version prefix, matching the external interface
// the daemon exposes — there is no GUI bundled by this process, and no
// authentication middleware, since the daemon has no user accounts and is
// expected to run on a private or mesh network.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	backupHandler := NewBackupHandler(cfg.Orchestrator, cfg.Ledger, cfg.Logger)
	restoreHandler := NewRestoreHandler(cfg.Restore, cfg.Logger)
	browseHandler := NewBrowseHandler(cfg.Config, cfg.Resolver, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.ConfigPath, cfg.Config, cfg.Scheduler, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
	setupHandler := NewSetupHandler(cfg.Config, cfg.Logger)

	r.Route("/backup", func(r chi.Router) {
		r.Post("/start", backupHandler.Start)
		r.Get("/status", backupHandler.Status)
		r.Delete("/cancel", backupHandler.Cancel)
		r.Get("/history", backupHandler.History)
		r.Get("/history/{id}", backupHandler.HistoryByID)
		r.Get("/browse", browseHandler.Browse)
	})

	r.Route("/restore", func(r chi.Router) {
		r.Post("/start", restoreHandler.Start)
		r.Post("/verify", restoreHandler.Verify)
		r.Get("/status", restoreHandler.Status)
		r.Get("/available-dates", browseHandler.AvailableDates)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", settingsHandler.Get)
		r.Put("/", settingsHandler.Update)
	})

	r.Route("/ws", func(r chi.Router) {
		r.Get("/progress", wsHandler.Progress)
		r.Get("/logs", wsHandler.Logs)
	})

	r.Get("/setup/script", setupHandler.Script)

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// healthHandler re-runs the startup checks on demand so an operator or
// monitoring probe can see current dependency health, not just the state
// at process start.
func healthHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
		defer cancel()
		report := healthcheck.Run(ctx, cfg.Config, cfg.Resolver, cfg.Logger)
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		JSON(w, status, report)
	}
}
