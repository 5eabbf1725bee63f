// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/host"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// NewPluginCmd creates the plugin subcommand tree.
func NewPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage installed plugins",
	}
	cmd.AddCommand(
		newPluginListCmd(),
		newPluginInstallCmd(),
		newPluginUninstallCmd(),
		newPluginEnableCmd(),
		newPluginDisableCmd(),
		newPluginConfigureCmd(),
		newPluginBlockCmd(true),
		newPluginBlockCmd(false),
		newPluginHealthCmd(),
		newPluginSendCmd(),
		newPluginUpdateCmd(),
	)
	return cmd
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, true, func(_ context.Context, h *host.Host) error {
				statuses := h.Manager().List()
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), statuses)
				}
				rows := make([][]string, 0, len(statuses))
				for _, st := range statuses {
					rows = append(rows, []string{
						st.Info.ID, st.Info.Name, st.Info.Version, string(st.Type), st.State.String(), yesNo(st.Enabled),
					})
				}
				return table(cmd.OutOrStdout(), "ID\tNAME\tVERSION\tRUNTIME\tSTATE\tENABLED", rows)
			})
		},
	}
}

func newPluginInstallCmd() *cobra.Command {
	var settings []string
	cmd := &cobra.Command{
		Use:   "install <dir|archive>",
		Short: "Install a plugin from a directory or a zip/tar archive",
		Long: `Install a plugin. A directory is installed in place; an archive is
unpacked into the first plugin directory. Dependencies listed in the
manifest are installed with luarocks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSettings(settings)
			if err != nil {
				return err
			}
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				var res *host.InstallResult
				if info, statErr := os.Stat(args[0]); statErr == nil && info.IsDir() {
					res, err = h.InstallDir(ctx, args[0], cfg)
				} else {
					res, err = h.InstallArchive(ctx, args[0], cfg)
				}
				if err != nil {
					return err
				}
				return printInstall(cmd, res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&settings, "set", nil, "plugin setting as key=value (repeatable)")
	return cmd
}

func printInstall(cmd *cobra.Command, res *host.InstallResult) error {
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "installed %s %s (%s) into %s\n", res.Report.PluginID, res.Report.Version, res.Report.Type, res.Dir)
	for _, w := range res.Report.Warnings {
		_, _ = fmt.Fprintf(out, "warning: %s\n", w)
	}
	if deps := res.Dependencies; deps != nil {
		for _, dep := range sortedKeys(deps.Failed) {
			_, _ = fmt.Fprintf(out, "dependency %s failed: %v\n", dep, deps.Failed[dep])
		}
	}
	return nil
}

func newPluginUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Uninstall a plugin and forget its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				if err := h.Manager().Uninstall(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
				return err
			})
		},
	}
}

func newPluginEnableCmd() *cobra.Command {
	var settings []string
	cmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Initialize and activate a plugin",
		Long: `Initialize and activate a plugin. Without --set the stored
configuration is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSettings(settings)
			if err != nil {
				return err
			}
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				if err := h.Manager().Enable(ctx, args[0], cfg); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", args[0])
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&settings, "set", nil, "plugin setting as key=value (repeatable)")
	return cmd
}

func newPluginDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Deactivate a plugin and keep it installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				if err := h.Manager().Disable(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
				return err
			})
		},
	}
}

func newPluginConfigureCmd() *cobra.Command {
	var settings []string
	cmd := &cobra.Command{
		Use:   "configure <id>",
		Short: "Validate, apply and store a new plugin configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSettings(settings)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = map[string]any{}
			}
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				if err := h.Manager().UpdateConfig(ctx, args[0], cfg); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "configured %s\n", args[0])
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&settings, "set", nil, "plugin setting as key=value (repeatable)")
	return cmd
}

func newPluginBlockCmd(block bool) *cobra.Command {
	use, short, verb := "unblock <id>", "Allow a blocked plugin to be enabled again", "unblocked"
	if block {
		use, short, verb = "block <id>", "Deactivate a plugin and refuse to enable it", "blocked"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				var err error
				if block {
					err = h.Manager().Block(ctx, args[0])
				} else {
					err = h.Manager().Unblock(ctx, args[0])
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return err
			})
		},
	}
}

func newPluginHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run a health check on every plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				results := h.Manager().HealthCheckAll(ctx)
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				rows := make([][]string, 0, len(results))
				for _, id := range sortedKeys(results) {
					st := results[id]
					rows = append(rows, []string{id, yesNo(st.Healthy), st.State.String(), st.Message})
				}
				return table(cmd.OutOrStdout(), "ID\tHEALTHY\tSTATE\tMESSAGE", rows)
			})
		},
	}
}

func newPluginSendCmd() *cobra.Command {
	var (
		msgType  string
		chatID   string
		sender   string
		instance string
	)
	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Dispatch a message to every active plugin that accepts it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := pluginpkg.MessageType(msgType)
			if !t.Valid() {
				return fmt.Errorf("unknown message type %q", msgType)
			}
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				msg := pluginpkg.NewMessageContext(instance, chatID, sender, t, strings.Join(args, " "))
				results := h.Manager().Dispatch(ctx, msg)
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				rows := make([][]string, 0, len(results))
				for _, id := range sortedKeys(results) {
					res := results[id]
					rows = append(rows, []string{id, strconv.FormatBool(res.Success), res.Response, res.Error})
				}
				return table(cmd.OutOrStdout(), "PLUGIN\tSUCCESS\tRESPONSE\tERROR", rows)
			})
		},
	}
	cmd.Flags().StringVar(&msgType, "type", string(pluginpkg.MessageText), "message type")
	cmd.Flags().StringVar(&chatID, "chat", "cli", "chat id")
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender id")
	cmd.Flags().StringVar(&instance, "instance", "cli", "platform instance id")
	return cmd
}

func newPluginUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update [id...]",
		Short: "Update plugins to the newest registry version",
		Long: `Update the named plugins, or every plugin with an available update
when no id is given. Updated plugins are reloaded with their stored
configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				ids := args
				if len(ids) == 0 {
					updates, err := h.CheckUpdates(ctx)
					if err != nil {
						return err
					}
					ids = sortedKeys(updates)
				}
				results := make([]*host.UpdateResult, 0, len(ids))
				for _, id := range ids {
					res, err := h.UpdatePlugin(ctx, id)
					if err != nil {
						return err
					}
					results = append(results, res)
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				rows := make([][]string, 0, len(results))
				for _, res := range results {
					rows = append(rows, []string{res.PluginID, res.From, res.To, yesNo(res.Updated)})
				}
				return table(cmd.OutOrStdout(), "ID\tFROM\tTO\tUPDATED", rows)
			})
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
