package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/me/gobridge/internal/bridge"
	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/config"
	"github.com/me/gobridge/internal/cycle"
	"github.com/me/gobridge/internal/logging"
	"github.com/me/gobridge/internal/metrics"
	"github.com/me/gobridge/internal/mqtt"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/server"
	"github.com/me/gobridge/internal/store"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// resolveDBPath returns cfg.DBPath or ~/.gobridge/bridged.db.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".gobridge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "bridged.db"), nil
}

// assembly is the wired daemon before it runs.
type assembly struct {
	registry *bridge.Registry
	values   *channel.Store
	services []bridge.Service
	handler  http.Handler
}

// assemble wires every component described by cfg.
func assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*assembly, error) {
	coord, err := cycle.New(cfg.CoordinatorConfig(), logger)
	if err != nil {
		return nil, err
	}
	a := &assembly{
		registry: bridge.NewRegistry(coord, logger),
		values:   channel.NewStore(),
	}
	fail := func(err error) (*assembly, error) {
		return nil, multierr.Append(err, a.registry.Close())
	}

	dbPath, err := resolveDBPath(cfg.Server.DBPath)
	if err != nil {
		return fail(err)
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	a.registry.OnClose(st)
	if err := st.Migrate(ctx); err != nil {
		return fail(fmt.Errorf("migrate database: %w", err))
	}
	logger.Info("database ready", "path", dbPath)

	recorder := store.NewRecorder(st, logger)
	a.services = append(a.services,
		recorder,
		store.NewPruner(st, cfg.History.Retention, cfg.History.PruneInterval, logger),
	)

	deps := bridge.Deps{
		Coordinator: coord,
		Values:      a.values,
		Recorders:   []scheduler.Recorder{recorder},
		Listeners:   make(map[string]scheduler.Listener),
		Logger:      logger,
	}
	serverOpts := []server.Option{server.WithStore(st)}

	if cfg.Metrics.Enabled {
		m := metrics.New(cfg.Metrics.Prefix)
		a.registry.OnClose(m)
		deps.Metrics = m
		serverOpts = append(serverOpts, server.WithMetricsHandler(m.Handler()))
	}

	if cfg.MQTT.Broker != "" {
		mb := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Root:     cfg.MQTT.Root,
			QoS:      cfg.MQTT.QoS,
			Retain:   cfg.MQTT.Retain,
			Timeout:  cfg.MQTT.Timeout,
		}, a.values, a.registry.TriggerWriteAll, logger)
		deps.Listeners["mqtt"] = mb
		a.services = append(a.services, mb)
	}

	for _, bc := range cfg.Bridges {
		b, err := bridge.Build(bc, cfg.LoopConfig(), deps)
		if err != nil {
			return fail(err)
		}
		if err := a.registry.Register(b); err != nil {
			return fail(err)
		}
	}

	a.handler = server.New(cfg.Server, a.registry, a.values, logger, serverOpts...).Handler()
	return a, nil
}

// httpService serves h on addr until ctx is done, then shuts down gracefully.
func httpService(addr string, h http.Handler, logger *slog.Logger) bridge.Service {
	return bridge.ServiceFunc(func(ctx context.Context) error {
		httpServer := &http.Server{Addr: addr, Handler: h}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("server starting", "addr", addr)
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})
}

// runDaemon assembles and runs the daemon until ctx is cancelled.
func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	services := append(a.services, httpService(cfg.Server.Addr, a.handler, logger))
	runErr := a.registry.Run(ctx, services...)
	logger.Info("shutting down")
	return multierr.Append(runErr, a.registry.Close())
}

// buildOnly builds every bridge without running it, so expression and
// device errors surface before deployment.
func buildOnly(cfg config.Config) error {
	quiet := logging.Discard()
	coord, err := cycle.New(cfg.CoordinatorConfig(), quiet)
	if err != nil {
		return err
	}
	reg := bridge.NewRegistry(coord, quiet)
	deps := bridge.Deps{Coordinator: coord, Values: channel.NewStore(), Logger: quiet}
	var errs error
	for _, bc := range cfg.Bridges {
		b, err := bridge.Build(bc, cfg.LoopConfig(), deps)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, reg.Register(b))
	}
	return errs
}
