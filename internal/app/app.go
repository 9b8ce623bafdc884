package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"larkgate/internal/config"
	"larkgate/internal/gateway"
	"larkgate/internal/idp"
	"larkgate/internal/router"
	"larkgate/internal/sessions"
	"larkgate/internal/supervisor"
	"larkgate/internal/tokenstore"
	"larkgate/pkg/logging"
)

// shutdownTimeout bounds the graceful teardown of the HTTP server and the
// worker fleet.
const shutdownTimeout = 30 * time.Second

// Application owns every component of the gateway. All components are
// ordinary values constructed here and handed to each other by reference;
// there is no process-wide state beyond this object.
type Application struct {
	cfg      *config.Config
	store    *tokenstore.Store
	broker   *idp.Broker
	registry *sessions.Registry
	sup      *supervisor.Supervisor
	server   *gateway.Server
}

// New constructs the application from configuration. No worker is spawned
// and no socket is bound until Run.
func New(cfg *config.Config, version string) (*Application, error) {
	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stdout)
	logging.Info("Bootstrap", "Starting larkgate %s", version)
	logging.Debug("Bootstrap", "Configuration: %s", cfg.String())

	store, err := tokenstore.New(cfg.DataDir, tokenstore.Options{
		CacheTTL:      cfg.TokenTTL(),
		EncryptionKey: cfg.TokenEncryptionKey(),
		Watch:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token store: %w", err)
	}

	idpClient := idp.NewClient(cfg.IdPBaseURL, cfg.IdPAppID, cfg.IdPAppSecret, cfg.IdPRedirectURI)
	broker := idp.NewBroker(idpClient, store)

	registry := sessions.New(cfg.MaxSessions, cfg.SessionTTL())

	sup := supervisor.New(supervisor.Config{
		WorkerBin:    cfg.WorkerBin,
		AppID:        cfg.IdPAppID,
		AppSecret:    cfg.IdPAppSecret,
		DefaultPort:  cfg.WorkerDefaultPort,
		BasePort:     cfg.WorkerBasePort,
		PortWindow:   cfg.PortWindow,
		MaxInstances: cfg.MaxInstances,
		IdleTimeout:  cfg.IdleTimeout(),
	}, store)

	rt := router.New(sup, registry, broker)
	router.SetVersion(version)

	srv := gateway.New(cfg, rt, broker, registry, sup, version)

	return &Application{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		registry: registry,
		sup:      sup,
		server:   srv,
	}, nil
}

// Run brings the gateway up and blocks until the context is cancelled or a
// termination signal arrives. Shutdown tears down all workers; they are
// re-spawned lazily on the next request after a restart.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.sup.Initialize(ctx); err != nil {
		teardownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.sup.Shutdown(teardownCtx)
		cancel()
		a.cleanup()
		return fmt.Errorf("failed to initialize worker supervisor: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Start()
	}()

	go a.snapshotLoop(ctx)

	// Under systemd, report readiness once the default worker is up and the
	// listener is being served.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Debug("Bootstrap", "sd_notify failed: %v", err)
	} else if sent {
		logging.Debug("Bootstrap", "Reported readiness to systemd")
	}

	select {
	case err := <-serveErr:
		a.cleanup()
		if err != nil {
			return fmt.Errorf("gateway server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Bootstrap", "Shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Bootstrap", "HTTP server shutdown: %v", err)
	}
	if err := a.sup.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Bootstrap", "Supervisor shutdown: %v", err)
	}
	a.cleanup()

	logging.Info("Bootstrap", "Shutdown complete")
	return nil
}

// snapshotLoop periodically logs a status snapshot of the worker fleet and
// the session table.
func (a *Application) snapshotLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.SnapshotInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			instances := a.sup.Counters()
			stats := a.registry.Stats()
			logging.Info("Snapshot", "workers total=%d user=%d running=%d default=%s sessions total=%d authenticated=%d recent=%d",
				instances.TotalInstances, instances.UserInstances, instances.RunningInstances,
				instances.DefaultInstanceStatus, stats.TotalSessions, stats.AuthenticatedSessions, stats.RecentSessions)
		case <-ctx.Done():
			return
		}
	}
}

// cleanup releases background resources that are not tied to Run's
// lifecycle ordering.
func (a *Application) cleanup() {
	a.broker.Stop()
	a.store.Stop()
}
