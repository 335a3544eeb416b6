package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devicemux/backend/internal/adb"
	"github.com/devicemux/backend/internal/config"
	"github.com/devicemux/backend/internal/mux"
	"github.com/devicemux/backend/internal/session"
	"github.com/devicemux/backend/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Server.AuthToken == config.AutoToken {
		tok, err := config.GenerateToken()
		if err != nil {
			return fmt.Errorf("failed to generate auth token: %w", err)
		}
		cfg.Server.AuthToken = tok
		fmt.Fprintf(cmd.OutOrStdout(), "auth token: %s\n", tok)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := newBackend(cfg, logger)
	broadcaster := ws.NewBroadcaster(cfg.Server.MaxConnections, logger)
	registry := mux.NewRegistry(backend, broadcaster, mux.Options{
		Debounce: cfg.Broadcast.Debounce,
		Ceiling:  cfg.Broadcast.Ceiling,
		Logger:   logger,
	})
	sessions := session.NewManager(registry, broadcaster, logger)

	opts := ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
		Logger:         logger,
	}
	if useMock {
		logger.Info("starting in mock mode")
	} else {
		logger.Info("starting with adb backend", "adb", fmt.Sprintf("%s:%d", cfg.ADB.Host, cfg.ADB.Port))
		opts.Processes = adb.ServerProcesses
	}
	server := ws.NewServer(registry, sessions, broadcaster, opts)

	err = server.ListenAndServe(ctx, cfg.Addr())

	logger.Info("shutting down")
	sessions.Close()
	registry.Close()
	broadcaster.Close()
	return err
}
