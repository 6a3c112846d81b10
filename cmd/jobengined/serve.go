package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobengine/internal/api"
	"jobengine/internal/config"
	"jobengine/internal/core"
	"jobengine/internal/logging"
	"jobengine/internal/mcp"
	"jobengine/internal/notify"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with the HTTP API, the MCP stdio server, or both",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
}

func serve(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	// stdout belongs to the MCP protocol when it runs on stdio.
	var logOut io.Writer = os.Stdout
	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		logOut = os.Stderr
	}
	logger, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.JSON, logOut)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var bark *notify.BarkNotifier
	if cfg.Notification.Bark.Enabled {
		if bark, err = notify.NewBarkNotifier(cfg.Notification.Bark.URL); err != nil {
			return err
		}
	}

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.close()

	if bark != nil {
		go notify.NewFailureNotifier(e.broker, bark, logger).Run(ctx)
	}
	if err := e.manager.Recover(ctx); err != nil {
		logger.Errorw("startup recovery incomplete", "error", err)
	}
	e.pool.Start(ctx)
	e.timers.Start()
	logger.Infow("scheduler started",
		"slots", cfg.Pool.Slots, "tick", cfg.Pool.TickInterval, "store", cfg.Store.Driver,
		"state_dir", cfg.StateDir, "mode", cfg.Mode)

	mcpServer := mcp.NewMCPServer(e.manager, e.store, logger, cfg.Location())
	errs := make(chan error, 2)

	var server *api.Server
	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		server = api.NewServer(e.manager, e.pool, e.registry, e.store, e.broker, api.Options{
			Addr:      cfg.Server.Addr,
			AuthToken: cfg.Server.AuthToken,
			Location:  cfg.Location(),
			Defaults: api.JobDefaults{
				Trigger:      core.TriggerKind(cfg.Jobs.DefaultTrigger),
				Action:       cfg.Jobs.DefaultAction,
				HistoryLimit: cfg.Jobs.HistoryLimit,
			},
			MCP:      mcpServer,
			Gatherer: e.metrics,
			Logger:   logger,
		})
		go func() {
			logger.Infow("http server listening", "addr", cfg.Server.Addr)
			errs <- server.Start()
		}()
	}
	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		go func() {
			errs <- mcpServer.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Infow("shutdown requested")
	case err := <-errs:
		if err != nil {
			logger.Errorw("server stopped", "error", err)
		} else {
			logger.Infow("server stopped")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("http server shutdown", "error", err)
		}
	}
	e.timers.Stop()
	e.pool.Stop(shutdownCtx)
	logger.Infow("shutdown complete")
	return nil
}
