// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/host"
	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/pkg/errutil"
)

// NewRootCmd creates the root command for the plughost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "plughost - a plugin host with a marketplace",
		Long: `plughost loads Lua, Go and native plugins, routes messages to them
under per-plugin security policies, and installs plugins from registry
sources.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().Bool("json", false, "print results as JSON")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPluginCmd())
	cmd.AddCommand(NewMarketCmd())
	cmd.AddCommand(NewSecurityCmd())

	return cmd
}

// loadConfig loads the configuration and installs the default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.SetDefault("plughost", version, cfg.Log.Format, level), nil
}

// openHost builds the host from the command's configuration. The caller
// closes it.
func openHost(cmd *cobra.Command) (*host.Host, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return host.New(cmd.Context(), cfg, host.WithLogger(logger))
}

// withHost runs fn against a host. When load is set every installed plugin
// is loaded first so the registry reflects the plugin directories.
func withHost(cmd *cobra.Command, load bool, fn func(ctx context.Context, h *host.Host) error) (err error) {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() {
		if closeErr := h.Close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if load {
		failures, loadErr := h.LoadAll(ctx)
		if loadErr != nil {
			return loadErr
		}
		for id, failure := range failures {
			errutil.LogWarn(nil, "plugin failed to load", failure, "plugin", id)
		}
	}
	return fn(ctx, h)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// table writes rows under header, tab separated columns aligned.
func table(w io.Writer, header string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, header)
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// parseSettings turns repeated key=value flags into a configuration map.
// Values are decoded as YAML scalars so numbers and booleans keep their
// type; nil is returned when no settings were given.
func parseSettings(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, oops.Code(errutil.CodeInvalidArgument).
				With("setting", pair).
				Errorf("setting %q must be key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
