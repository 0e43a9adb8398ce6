package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/logwatch/internal/config"
	"github.com/tripwire/logwatch/internal/handler"
	"github.com/tripwire/logwatch/internal/metrics"
	"github.com/tripwire/logwatch/internal/status"
	"github.com/tripwire/logwatch/internal/watch"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the configured files until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/logwatch/config.yaml", "path to the logwatch YAML configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.Int("interval_s", cfg.Interval),
		slog.Int("handlers", len(cfg.Handlers)),
		slog.String("status_addr", cfg.Status.Addr),
	)

	var pub *rsa.PublicKey
	if cfg.Status.JWTPublicKey != "" {
		if pub, err = status.LoadRSAPublicKey(cfg.Status.JWTPublicKey); err != nil {
			return err
		}
	}

	built, err := handler.FromConfig(ctx, cfg.Handlers, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Close(); err != nil {
			logger.Warn("sink close error", slog.Any("error", err))
		}
	}()

	m := metrics.New()
	w := watch.New(cfg.Include,
		watch.WithLogger(logger),
		watch.WithMetrics(m),
		watch.WithInterval(cfg.PollInterval()),
		watch.WithQueueCapacity(cfg.QueueCapacity),
		watch.WithExclude(cfg.Exclude...),
		watch.WithWatchNewFiles(cfg.WatchNewFiles),
		watch.WithMaxLinesPerCycle(cfg.MaxLinesPerCycle),
	)
	for _, dir := range cfg.Directories {
		w.AddDirectory(dir)
	}
	for _, rule := range built.Rules {
		w.RegisterHandler(rule)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := w.Start(gctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		return nil
	})

	if cfg.Status.Addr != "" {
		srv := &http.Server{
			Addr:         cfg.Status.Addr,
			Handler:      status.NewRouter(status.NewServer(w, m.Handler(), logger), pub),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			BaseContext:  func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			logger.Info("status server listening", slog.String("addr", cfg.Status.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown error", slog.Any("error", err))
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("logwatch exited", slog.Any("error", err))
	return err
}
