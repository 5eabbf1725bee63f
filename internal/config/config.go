// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the plugin host configuration from defaults, an
// optional YAML file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/plughost/internal/installer"
	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/internal/marketplace"
	"github.com/holomush/plughost/internal/plugin/security"
	"github.com/holomush/plughost/internal/xdg"
	"github.com/holomush/plughost/pkg/errutil"
)

// Config is the complete host configuration.
type Config struct {
	Log           LogConfig           `koanf:"log"`
	Host          HostConfig          `koanf:"host"`
	Plugins       PluginsConfig       `koanf:"plugins"`
	KV            kvstore.Config      `koanf:"kv"`
	Marketplace   MarketplaceConfig   `koanf:"marketplace"`
	Security      SecurityConfig      `koanf:"security"`
	Installer     InstallerConfig     `koanf:"installer"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// HostConfig identifies the host to plugins.
type HostConfig struct {
	Version string `koanf:"version"`
}

// PluginsConfig locates plugin code.
type PluginsConfig struct {
	Dirs    []string `koanf:"dirs"`
	DepsDir string   `koanf:"deps_dir"`
}

// MarketplaceConfig configures the marketplace client. An empty Sources
// list uses the built-in sources.
type MarketplaceConfig struct {
	CacheDir        string               `koanf:"cache_dir"`
	CacheTTL        time.Duration        `koanf:"cache_ttl"`
	DownloadTimeout time.Duration        `koanf:"download_timeout"`
	Sources         []marketplace.Source `koanf:"sources"`
}

// SecurityConfig configures the security manager.
type SecurityConfig struct {
	PoliciesFile string   `koanf:"policies_file"`
	TrustedKeys  []string `koanf:"trusted_keys"`
}

// InstallerConfig configures dependency installation.
type InstallerConfig struct {
	Mode     string `koanf:"mode"`
	LuaRocks string `koanf:"luarocks"`
}

// ObservabilityConfig configures the metrics and health endpoint.
// An empty address disables it.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults returns the built-in configuration values as koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"log.format":                   logging.FormatJSON,
		"log.level":                    "info",
		"host.version":                 "1.0.0",
		"plugins.dirs":                 []string{xdg.PluginsDir()},
		"plugins.deps_dir":             xdg.DepsDir(),
		"kv.driver":                    kvstore.DriverFile,
		"kv.path":                      xdg.SettingsFile(),
		"kv.migrate":                   true,
		"marketplace.cache_dir":        xdg.MarketplaceCacheDir(),
		"marketplace.cache_ttl":        marketplace.DefaultCacheTTL.String(),
		"marketplace.download_timeout": marketplace.DefaultDownloadTimeout.String(),
		"installer.mode":               string(installer.ModeAuto),
		"installer.luarocks":           "luarocks",
		"observability.addr":           "127.0.0.1:9110",
	}
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-format":         "log.format",
	"log-level":          "log.level",
	"plugins-dir":        "plugins.dirs",
	"deps-dir":           "plugins.deps_dir",
	"kv-driver":          "kv.driver",
	"kv-path":            "kv.path",
	"kv-dsn":             "kv.dsn",
	"redis-addr":         "kv.redis_addr",
	"cache-dir":          "marketplace.cache_dir",
	"policies":           "security.policies_file",
	"trusted-key":        "security.trusted_keys",
	"installer-mode":     "installer.mode",
	"observability-addr": "observability.addr",
}

// RegisterFlags adds the configuration flags to fs. Unset flags never
// override the file or the defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "configuration file (default: XDG_CONFIG_HOME/plughost/config.yaml)")
	fs.String("log-format", "", "log format (json or text)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.StringSlice("plugins-dir", nil, "plugin directory (repeatable)")
	fs.String("deps-dir", "", "private dependency tree for bundle mode")
	fs.String("kv-driver", "", "settings store driver (memory, file, postgres, redis)")
	fs.String("kv-path", "", "settings file for the file driver")
	fs.String("kv-dsn", "", "PostgreSQL DSN for the postgres driver")
	fs.String("redis-addr", "", "Redis address for the redis driver")
	fs.String("cache-dir", "", "marketplace cache directory")
	fs.String("policies", "", "security policy YAML file")
	fs.StringSlice("trusted-key", nil, "trusted signing key as <id>=<base64 ed25519 key> (repeatable)")
	fs.String("installer-mode", "", "dependency install mode (auto, bundle, development)")
	fs.String("observability-addr", "", "metrics and health listen address (empty disables)")
}

// Load builds the configuration. The file named by the --config flag is
// required when the flag is set; the default file is optional.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, oops.Code(errutil.CodeConfigInvalid).With("key", key).Wrap(err)
		}
	}

	path, explicit := xdg.ConfigFile(), false
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path, explicit = f.Value.String(), true
		}
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, oops.Code(errutil.CodeConfigInvalid).
				With("path", path).
				Wrapf(err, "load configuration file")
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatText {
		add("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is not a level", c.Log.Level)
	}
	if _, err := semver.NewVersion(c.Host.Version); err != nil {
		add("host.version %q is not a semantic version", c.Host.Version)
	}
	if len(c.Plugins.Dirs) == 0 {
		add("plugins.dirs must name at least one directory")
	}
	switch c.KV.Driver {
	case kvstore.DriverMemory:
	case kvstore.DriverFile:
		if c.KV.Path == "" {
			add("kv.path is required for the file driver")
		}
	case kvstore.DriverPostgres:
		if c.KV.DSN == "" {
			add("kv.dsn is required for the postgres driver")
		}
	case kvstore.DriverRedis:
		if c.KV.RedisAddr == "" {
			add("kv.redis_addr is required for the redis driver")
		}
	default:
		add("kv.driver must be memory, file, postgres or redis, got %q", c.KV.Driver)
	}
	if c.Marketplace.CacheDir == "" {
		add("marketplace.cache_dir is required")
	}
	if c.Marketplace.CacheTTL <= 0 {
		add("marketplace.cache_ttl must be positive")
	}
	if c.Marketplace.DownloadTimeout <= 0 {
		add("marketplace.download_timeout must be positive")
	}
	names := make(map[string]bool, len(c.Marketplace.Sources))
	for i, src := range c.Marketplace.Sources {
		if src.Name == "" || src.RegistryURL == "" {
			add("marketplace.sources[%d] needs a name and registry_url", i)
		}
		if names[src.Name] {
			add("marketplace.sources[%d] repeats the name %q", i, src.Name)
		}
		names[src.Name] = true
		switch src.Type {
		case marketplace.SourceLocal, marketplace.SourceGitHub, marketplace.SourceGitee, marketplace.SourceHTTP:
		default:
			add("marketplace.sources[%d].type %q is not local, github, gitee or http", i, src.Type)
		}
	}
	for i, key := range c.Security.TrustedKeys {
		if _, _, err := security.ParseTrustedKey(key); err != nil {
			add("security.trusted_keys[%d] is not an ed25519 public key: %v", i, err)
		}
	}
	if _, err := installer.ParseMode(c.Installer.Mode); err != nil {
		add("installer.mode must be auto, bundle or development, got %q", c.Installer.Mode)
	}

	if len(errs) > 0 {
		return oops.Code(errutil.CodeConfigInvalid).In("config").Wrap(errors.Join(errs...))
	}
	return nil
}
