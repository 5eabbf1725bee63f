// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg provides XDG Base Directory paths for plughost.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

const appName = "plughost"

func base(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, append(fallback, appName)...)...)
}

// ConfigDir returns the XDG config directory for plughost.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string { return base("XDG_CONFIG_HOME", ".config") }

// DataDir returns the XDG data directory for plughost.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string { return base("XDG_DATA_HOME", ".local", "share") }

// StateDir returns the XDG state directory for plughost.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() string { return base("XDG_STATE_HOME", ".local", "state") }

// CacheDir returns the XDG cache directory for plughost.
// Checks XDG_CACHE_HOME first, falls back to ~/.cache.
func CacheDir() string { return base("XDG_CACHE_HOME", ".cache") }

// ConfigFile is the default configuration file.
func ConfigFile() string { return filepath.Join(ConfigDir(), "config.yaml") }

// PluginsDir is the default directory plugins are installed into.
func PluginsDir() string { return filepath.Join(DataDir(), "plugins") }

// DepsDir is the private Lua dependency tree used in bundle mode.
func DepsDir() string { return filepath.Join(DataDir(), "deps") }

// MarketplaceCacheDir holds the registry snapshot and downloaded archives.
func MarketplaceCacheDir() string { return filepath.Join(CacheDir(), "marketplace") }

// SettingsFile is the default file-backed key-value store.
func SettingsFile() string { return filepath.Join(StateDir(), "settings.json") }

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code(errutil.CodeStorageFailed).With("dir", path).Wrapf(err, "create directory")
	}
	return nil
}
