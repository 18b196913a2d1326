package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/config"
	httpserver "github.com/fyrsmithlabs/memvault/internal/http"
)

var (
	serveHost  string
	servePort  int
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the memvault HTTP API: turn processing, fetch, memory listing,
secret scrubbing and Prometheus metrics.

Governor thresholds are reloaded when the config file changes.

Examples:
  # Serve on the configured address
  memvault serve

  # Serve on all interfaces
  memvault serve --host 0.0.0.0 --port 9191`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		return runServe(ctx, cfg, serveWatch)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload governor thresholds when the config file changes")
}

// runServe serves until ctx is cancelled, then drains within the
// configured shutdown timeout.
func runServe(ctx context.Context, cfg *config.Config, watch bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.close(context.Background())
	}()

	srv, err := httpserver.NewServer(httpserver.Deps{
		Store:    a.store,
		Gateway:  a.gateway,
		Pipeline: a.pipeline,
		Scrubber: a.scrubber,
	}, a.logger.Underlying(), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	if watch {
		stopWatch := a.watchConfig(ctx)
		defer stopWatch()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info(ctx, "memvault listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("store", a.store.Root()),
		)
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return <-errCh
}

// watchConfig feeds config file changes to reload. A missing file or
// directory disables watching; it is not an error.
func (a *app) watchConfig(ctx context.Context) func() {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return func() {}
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		a.logger.Debug(ctx, "config file not found, not watching", zap.String("path", path))
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	w, err := config.NewWatcher(path)
	if err != nil {
		cancel()
		a.logger.Warn(ctx, "config watcher unavailable", zap.Error(err))
		return func() {}
	}
	if err := w.Start(ctx); err != nil {
		a.logger.Warn(ctx, "config watcher failed to start", zap.Error(err))
		w.Stop()
		cancel()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-w.Updates():
				if !ok {
					return
				}
				applyOverrides(cfg)
				a.reload(ctx, cfg)
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				if !errors.Is(err, context.Canceled) {
					a.logger.Warn(ctx, "config reload failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		w.Stop()
		<-done
	}
}
