// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/marketplace"
	"github.com/holomush/plughost/pkg/errutil"
)

func isolate(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(root, "state"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(root, "cache"))
	return root
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	root := isolate(t)

	cfg, err := config.Load(flags(t))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{filepath.Join(root, "data", "plughost", "plugins")}, cfg.Plugins.Dirs)
	assert.Equal(t, kvstore.DriverFile, cfg.KV.Driver)
	assert.Equal(t, filepath.Join(root, "state", "plughost", "settings.json"), cfg.KV.Path)
	assert.True(t, cfg.KV.Migrate)
	assert.Equal(t, filepath.Join(root, "cache", "plughost", "marketplace"), cfg.Marketplace.CacheDir)
	assert.Equal(t, marketplace.DefaultCacheTTL, cfg.Marketplace.CacheTTL)
	assert.Equal(t, marketplace.DefaultDownloadTimeout, cfg.Marketplace.DownloadTimeout)
	assert.Empty(t, cfg.Marketplace.Sources)
	assert.Equal(t, "auto", cfg.Installer.Mode)
}

func TestLoad_DefaultFileIsRead(t *testing.T) {
	root := isolate(t)
	dir := filepath.Join(root, "config", "plughost")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := config.Load(flags(t))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_FileAndFlagPrecedence(t *testing.T) {
	root := isolate(t)
	path := filepath.Join(root, "plughost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  format: text
  level: warn
kv:
  driver: memory
marketplace:
  cache_ttl: 15m
  sources:
    - name: corp
      type: http
      registry_url: https://plugins.example.com/registry.json
      priority: 0
      timeout: 3s
      enabled: true
security:
  trusted_keys:
    - "corp=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
`), 0o600))

	cfg, err := config.Load(flags(t, "--config", path, "--log-level", "error", "--plugins-dir", "/a", "--plugins-dir", "/b"))
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.Log.Format, "file overrides default")
	assert.Equal(t, "error", cfg.Log.Level, "flag overrides file")
	assert.Equal(t, []string{"/a", "/b"}, cfg.Plugins.Dirs)
	assert.Equal(t, kvstore.DriverMemory, cfg.KV.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Marketplace.CacheTTL)
	require.Len(t, cfg.Marketplace.Sources, 1)
	src := cfg.Marketplace.Sources[0]
	assert.Equal(t, "corp", src.Name)
	assert.Equal(t, marketplace.SourceHTTP, src.Type)
	assert.Equal(t, 3*time.Second, src.Timeout)
	assert.True(t, src.Enabled)
	assert.Equal(t, []string{"corp=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}, cfg.Security.TrustedKeys)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	root := isolate(t)
	_, err := config.Load(flags(t, "--config", filepath.Join(root, "missing.yaml")))
	errutil.AssertErrorCode(t, err, errutil.CodeConfigInvalid)
}

func TestLoad_MalformedFile(t *testing.T) {
	root := isolate(t)
	path := filepath.Join(root, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unterminated\n"), 0o600))

	_, err := config.Load(flags(t, "--config", path))
	errutil.AssertErrorCode(t, err, errutil.CodeConfigInvalid)
}

func TestLoad_NilFlagSet(t *testing.T) {
	isolate(t)
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func validConfig(t *testing.T) config.Config {
	t.Helper()
	isolate(t)
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	return *cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"log format", func(c *config.Config) { c.Log.Format = "xml" }},
		{"log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"host version", func(c *config.Config) { c.Host.Version = "next" }},
		{"no plugin dirs", func(c *config.Config) { c.Plugins.Dirs = nil }},
		{"unknown driver", func(c *config.Config) { c.KV.Driver = "etcd" }},
		{"file driver without path", func(c *config.Config) { c.KV.Path = "" }},
		{"postgres without dsn", func(c *config.Config) { c.KV.Driver = kvstore.DriverPostgres }},
		{"redis without addr", func(c *config.Config) { c.KV.Driver = kvstore.DriverRedis }},
		{"no cache dir", func(c *config.Config) { c.Marketplace.CacheDir = "" }},
		{"zero ttl", func(c *config.Config) { c.Marketplace.CacheTTL = 0 }},
		{"zero download timeout", func(c *config.Config) { c.Marketplace.DownloadTimeout = 0 }},
		{"source without url", func(c *config.Config) {
			c.Marketplace.Sources = []marketplace.Source{{Name: "x", Type: marketplace.SourceHTTP}}
		}},
		{"duplicate source", func(c *config.Config) {
			src := marketplace.Source{Name: "x", Type: marketplace.SourceHTTP, RegistryURL: "https://x"}
			c.Marketplace.Sources = []marketplace.Source{src, src}
		}},
		{"unknown source type", func(c *config.Config) {
			c.Marketplace.Sources = []marketplace.Source{{Name: "x", Type: "ftp", RegistryURL: "ftp://x"}}
		}},
		{"trusted key format", func(c *config.Config) { c.Security.TrustedKeys = []string{"corp=not-base64!"} }},
		{"installer mode", func(c *config.Config) { c.Installer.Mode = "release" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			errutil.AssertErrorCode(t, cfg.Validate(), errutil.CodeConfigInvalid)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig(t)
	cfg.Log.Format = "xml"
	cfg.Installer.Mode = "release"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
	assert.Contains(t, err.Error(), "installer.mode")
}
