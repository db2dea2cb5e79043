package app

import (
	"context"
	"fmt"
	"net/http"

	"chatrelay/internal/retention"
	"chatrelay/pkg/config"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/migrate"
	"chatrelay/pkg/state"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/validation"
)

// App groups the server components and their lifecycle.
type App struct {
	cfg       *config.Config
	sources   string
	version   string
	commit    string
	buildDate string

	gw              *gateway.Gateway
	srv             *http.Server
	retentionCancel context.CancelFunc
	watcherCancel   context.CancelFunc
	state           string
}

// New initializes resources that do not need a running context: config
// validation, runtime credentials, the state dir layout, the store and
// the schema sync. It does not start the gateway, the sweeper or the
// HTTP server; call Run to start those and block until shutdown.
func New(cfg *config.Config, sources, version, commit, buildDate string) (*App, error) {
	// validate effective config early and fail fast
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	// outside production an empty signing secret falls back to a fixed
	// development value so local setups work out of the box
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = "chatrelay-dev-secret"
		logger.Warn("jwt_secret_fallback", "msg", "using built-in development secret; set JWT_SECRET for real deployments")
	}

	// runtime credentials queried globally after startup
	rc := &config.RuntimeConfig{JWTSecret: cfg.Security.JWTSecret, AdminKeys: map[string]struct{}{}}
	for _, k := range cfg.Security.AdminKeys {
		rc.AdminKeys[k] = struct{}{}
	}
	config.SetRuntime(rc)

	// runtime folder layout under the DB path
	if err := state.EnsureStateDirs(cfg.Server.DBPath); err != nil {
		return nil, fmt.Errorf("failed to ensure state directories under %s: %w", cfg.Server.DBPath, err)
	}
	if err := logger.AttachAuditFileSink(state.PathsVar.Audit); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err.Error())
	}

	// open store
	if err := store.Open(state.PathsVar.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	// bring the stored schema up to the binary's version
	if _, err := migrate.Run(context.Background(), migrate.CurrentSchema); err != nil {
		return nil, fmt.Errorf("schema sync failed: %w", err)
	}

	// payload bounds for the relay pipeline; zero fields keep defaults
	validation.SetLimits(validation.Limits{MaxTextLen: cfg.Gateway.MaxTextLen})

	a := &App{
		cfg:       cfg,
		sources:   sources,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		gw:        gateway.New(cfg),
		state:     "initialized",
	}
	return a, nil
}

// Run starts the gateway workers, the retention scheduler, the store
// watcher and the HTTP server, and blocks until ctx is canceled or a
// fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.gw.Start()

	retention.SetConfig(a.cfg.Retention)
	cancel, err := retention.Start(ctx, a.cfg.Retention)
	if err != nil {
		return err
	}
	a.retentionCancel = cancel

	a.watcherCancel = telemetry.StartStoreWatcher(ctx, telemetry.DefaultWatchConfig())

	a.printBanner()
	a.state = "running"

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown tears components down in dependency order: stop accepting
// requests, stop the sweeper and the watcher, drain the gateway, then
// close the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	logger.Info("shutdown_requested")

	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown_http_error", "error", err)
		}
	}

	if a.retentionCancel != nil {
		a.retentionCancel()
	}

	if a.watcherCancel != nil {
		a.watcherCancel()
	}

	if a.gw != nil {
		a.gw.Shutdown()
	}

	if err := store.Close(); err != nil {
		logger.Error("shutdown_store_close_error", "error", err)
		return err
	}

	a.state = "stopped"
	logger.Info("shutdown_complete")
	return nil
}
