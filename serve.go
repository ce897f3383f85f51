package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dashterm/auth"
	"dashterm/config"
	"dashterm/db"
	"dashterm/handlers"
	"dashterm/logging"
	"dashterm/metrics"
	"dashterm/models"
	"dashterm/terminal"
	"dashterm/websocket"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logCfg := logging.DefaultConfig()
			logCfg.Level = cfg.LogLevel
			logCfg.Development = cfg.LogDev
			logCfg.File = cfg.LogFile
			logger, err := logging.New(logCfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	user, err := config.LoadUser(cfg.ConfigFile)
	if err != nil {
		logger.Warn("using default terminal settings", zap.Error(err))
	}

	store, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("preferences database opened", zap.String("path", cfg.DBPath()))

	token, err := auth.Generate(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to initialize auth token: %w", err)
	}
	defer func() { _ = token.Cleanup() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mgr := terminal.NewManager(user.Terminal, logger, metrics.NewTerminal(reg))

	hub := websocket.NewHub(token, logger)
	mgr.OnLifecycle(hub.NotifyLifecycle)

	if err := os.MkdirAll(filepath.Dir(cfg.ConfigFile), 0o755); err != nil {
		logger.Warn("config directory unavailable", zap.Error(err))
	}
	watcher, err := config.NewWatcher(cfg.ConfigFile, logger, func(u config.UserConfig) {
		mgr.SetDefaults(u.Terminal)
		hub.Broadcast(models.HubMessage{Type: websocket.HubConfigReloaded, Path: cfg.ConfigFile})
	})
	if err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Terminal:     handlers.NewTerminalHandler(mgr, rate.NewLimiter(rate.Limit(cfg.SpawnRPS), cfg.SpawnBurst), logger),
		Settings:     handlers.NewSettingsHandler(store, user.Display.FontSize, hub, logger),
		Hub:          hub.HandleWebSocket,
		Stream:       websocket.NewStreamHandler(mgr, token, logger, nil),
		RequireToken: token.Middleware,
		Gatherer:     reg,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("dashterm host starting",
			zap.String("addr", cfg.Address()),
			zap.String("token_file", token.Path()),
			zap.String("version", currentVersion()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		herr := srv.Shutdown(sctx)
		if herr != nil {
			herr = fmt.Errorf("http shutdown: %w", herr)
		}
		return errors.Join(herr, mgr.Shutdown(sctx))
	})

	return g.Wait()
}
