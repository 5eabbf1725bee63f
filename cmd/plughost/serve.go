// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/host"
	"github.com/holomush/plughost/internal/observability"
	"github.com/holomush/plughost/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var healthInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load every installed plugin and run until interrupted",
		Long: `Load every plugin found in the plugin directories, re-enable those
that were enabled before, and keep them running. Metrics and health
endpoints are served on --observability-addr; plugin health is checked
every --health-interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, healthInterval)
		},
	}
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 30*time.Second, "plugin health check interval (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, healthInterval time.Duration) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	var (
		h      *host.Host
		server *observability.Server
	)
	opts := []host.Option{host.WithLogger(logger)}
	if cfg.Observability.Addr != "" {
		server = observability.NewServer(cfg.Observability.Addr, func() bool { return h.Ready() })
		opts = append(opts, host.WithObserver(server.Metrics()))
	}
	if h, err = host.New(ctx, cfg, opts...); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if closeErr := h.Close(shutdownCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if server != nil {
		errCh, startErr := server.Start()
		if startErr != nil {
			return fmt.Errorf("failed to start observability server: %w", startErr)
		}
		go monitorServerErrors(ctx, cancel, errCh, "observability")
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if stopErr := server.Stop(shutdownCtx); stopErr != nil {
				slog.Warn("error stopping observability server", "error", stopErr)
			}
		}()
		slog.Info("observability server started", "addr", server.Addr())
	}

	failures, err := h.LoadAll(ctx)
	if err != nil {
		return err
	}
	for id, failure := range failures {
		errutil.LogWarn(nil, "plugin failed to load", failure, "plugin", id)
	}

	if healthInterval > 0 {
		go watchHealth(ctx, h, healthInterval)
	}

	cmd.Println("plughost serving", h.Manager().Registry().Len(), "plugins")
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// watchHealth checks every plugin on each tick until ctx is done. The
// manager publishes the resulting state counts to its observer.
func watchHealth(ctx context.Context, h *host.Host, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, status := range h.Manager().HealthCheckAll(ctx) {
				if !status.Healthy {
					slog.Warn("plugin unhealthy", "plugin", id, "state", status.State.String(), "message", status.Message)
				}
			}
		}
	}
}

func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
