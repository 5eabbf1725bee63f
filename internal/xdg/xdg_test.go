// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirs(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		fn       func() string
		custom   string
		fallback string
	}{
		{"config", "XDG_CONFIG_HOME", ConfigDir, "/custom/config/plughost", "/home/tester/.config/plughost"},
		{"data", "XDG_DATA_HOME", DataDir, "/custom/data/plughost", "/home/tester/.local/share/plughost"},
		{"state", "XDG_STATE_HOME", StateDir, "/custom/state/plughost", "/home/tester/.local/state/plughost"},
		{"cache", "XDG_CACHE_HOME", CacheDir, "/custom/cache/plughost", "/home/tester/.cache/plughost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", "/home/tester")
			t.Setenv(tt.env, "/custom/"+tt.name)
			assert.Equal(t, tt.custom, tt.fn())

			t.Setenv(tt.env, "")
			assert.Equal(t, tt.fallback, tt.fn())
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/c")
	t.Setenv("XDG_DATA_HOME", "/d")
	t.Setenv("XDG_STATE_HOME", "/s")
	t.Setenv("XDG_CACHE_HOME", "/k")

	assert.Equal(t, "/c/plughost/config.yaml", ConfigFile())
	assert.Equal(t, "/d/plughost/plugins", PluginsDir())
	assert.Equal(t, "/d/plughost/deps", DepsDir())
	assert.Equal(t, "/k/plughost/marketplace", MarketplaceCacheDir())
	assert.Equal(t, "/s/plughost/settings.json", SettingsFile())
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
