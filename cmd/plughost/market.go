// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/host"
	"github.com/holomush/plughost/internal/marketplace"
)

// NewMarketCmd creates the market subcommand tree.
func NewMarketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Browse and install plugins from registry sources",
	}
	cmd.AddCommand(
		newMarketSourcesCmd(),
		newMarketRefreshCmd(),
		newMarketSearchCmd(),
		newMarketInfoCmd(),
		newMarketCategoriesCmd(),
		newMarketDownloadCmd(),
		newMarketUpdatesCmd(),
		newMarketInstallCmd(),
		newMarketClearCacheCmd(),
	)
	return cmd
}

func newMarketSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List registry sources in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, false, func(_ context.Context, h *host.Host) error {
				sources := h.Marketplace().Sources()
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), sources)
				}
				rows := make([][]string, 0, len(sources))
				for _, src := range sources {
					rows = append(rows, []string{
						src.Name, string(src.Type), strconv.Itoa(src.Priority), yesNo(src.Enabled), src.RegistryURL,
					})
				}
				return table(cmd.OutOrStdout(), "NAME\tTYPE\tPRIORITY\tENABLED\tURL", rows)
			})
		},
	}
}

func newMarketRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the registry from the first reachable source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, false, func(ctx context.Context, h *host.Host) error {
				if err := h.Marketplace().RefreshRegistry(ctx, true); err != nil {
					return err
				}
				src, _ := h.Marketplace().CurrentSource()
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "registry refreshed from %s\n", src.Name)
				return err
			})
		},
	}
}

func newMarketSearchCmd() *cobra.Command {
	var opts marketplace.SearchOptions
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search active registry plugins",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Query = strings.Join(args, " ")
			return withHost(cmd, false, func(ctx context.Context, h *host.Host) error {
				plugins, err := h.Marketplace().SearchPlugins(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), plugins)
				}
				rows := make([][]string, 0, len(plugins))
				for _, p := range plugins {
					rows = append(rows, []string{p.ID, p.Name, p.Versions.Latest, p.Category, p.Description})
				}
				return table(cmd.OutOrStdout(), "ID\tNAME\tLATEST\tCATEGORY\tDESCRIPTION", rows)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Category, "category", "", "only plugins in this category")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "only plugins carrying any of these tags")
	cmd.Flags().BoolVar(&opts.FeaturedOnly, "featured", false, "only featured plugins")
	cmd.Flags().BoolVar(&opts.VerifiedOnly, "verified", false, "only verified plugins")
	return cmd
}

func newMarketInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show a registry plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, false, func(ctx context.Context, h *host.Host) error {
				p, err := h.Marketplace().PluginDetails(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), p)
				}
				return table(cmd.OutOrStdout(), "FIELD\tVALUE", [][]string{
					{"id", p.ID},
					{"name", p.Name},
					{"description", p.Description},
					{"author", p.Author.Name},
					{"license", p.License},
					{"latest", p.Versions.Latest},
					{"stable", p.Versions.Stable},
					{"min host", p.Compatibility.MinHostVersion},
					{"permissions", strings.Join(p.Permissions, ", ")},
					{"dependencies", strings.Join(p.Dependencies, ", ")},
					{"verified", yesNo(p.Verified)},
				})
			})
		},
	}
}

func newMarketCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List registry categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, false, func(ctx context.Context, h *host.Host) error {
				categories, err := h.Marketplace().Categories(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), categories)
				}
				rows := make([][]string, 0, len(categories))
				for _, c := range categories {
					rows = append(rows, []string{c.ID, c.Name, c.Description})
				}
				return table(cmd.OutOrStdout(), "ID\tNAME\tDESCRIPTION", rows)
			})
		},
	}
}

// releaseFlags are shared by the commands that resolve a release.
type releaseFlags struct {
	version string
	source  string
}

func (f *releaseFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.version, "version", "", "release version (default: newest stable)")
	cmd.Flags().StringVar(&f.source, "source", "", "hosting service to download from (github, gitee)")
}

func newMarketDownloadCmd() *cobra.Command {
	var rel releaseFlags
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download a plugin archive into the cache and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, false, func(ctx context.Context, h *host.Host) error {
				path, err := h.Marketplace().DownloadPlugin(ctx, args[0], rel.version, marketplace.SourceType(rel.source))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			})
		},
	}
	rel.register(cmd)
	return cmd
}

func newMarketUpdatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "updates",
		Short: "List installed plugins with a newer registry version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				updates, err := h.CheckUpdates(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), updates)
				}
				rows := make([][]string, 0, len(updates))
				for _, id := range sortedKeys(updates) {
					rows = append(rows, []string{id, updates[id].Current, updates[id].Latest})
				}
				return table(cmd.OutOrStdout(), "ID\tCURRENT\tLATEST", rows)
			})
		},
	}
}

func newMarketInstallCmd() *cobra.Command {
	var (
		rel      releaseFlags
		settings []string
	)
	cmd := &cobra.Command{
		Use:   "install <id>",
		Short: "Download and install a registry plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSettings(settings)
			if err != nil {
				return err
			}
			return withHost(cmd, true, func(ctx context.Context, h *host.Host) error {
				res, err := h.InstallFromMarketplace(ctx, args[0], rel.version, marketplace.SourceType(rel.source), cfg)
				if err != nil {
					return err
				}
				return printInstall(cmd, res)
			})
		},
	}
	rel.register(cmd)
	cmd.Flags().StringArrayVar(&settings, "set", nil, "plugin setting as key=value (repeatable)")
	return cmd
}

func newMarketClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove the cached registry and downloaded archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHost(cmd, false, func(_ context.Context, h *host.Host) error {
				if err := h.Marketplace().ClearCache(); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "marketplace cache cleared")
				return err
			})
		},
	}
}
