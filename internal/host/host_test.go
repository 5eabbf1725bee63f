// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/host"
	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/marketplace"
	"github.com/holomush/plughost/internal/observability"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

const greeterLua = `
Plugin = {}
Plugin.__index = Plugin

function Plugin.new(class, info)
  local self = setmetatable({}, class)
  self.prefix = "hello"
  return self
end

Plugin.supported_message_types = {"text"}
Plugin.platform_type = "test"

function Plugin:initialize(cfg)
  if cfg.prefix then self.prefix = cfg.prefix end
end

function Plugin:process_message(msg)
  return self.prefix .. "%s" .. msg.content
end
`

func greeterManifest(version string) string {
	return fmt.Sprintf(`{"plugin_id":"greeter","name":"Greeter","version":%q,"entry_point":"main.lua","dependencies":["lua-cjson"]}`, version)
}

// separator distinguishes the code of each published greeter version.
func separator(version string) string {
	if version == "1.0.0" {
		return ", "
	}
	return "! "
}

// registry serves a registry document and greeter zipballs. Publishing a
// version makes it the registry's latest.
type registry struct {
	srv *httptest.Server

	mu       sync.Mutex
	latest   string
	releases []marketplace.Release
	broken   bool
}

func newRegistry(t *testing.T) *registry {
	t.Helper()
	r := &registry{}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	r.publish("1.0.0")
	return r
}

func (r *registry) publish(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = version
	r.releases = append(r.releases, marketplace.Release{
		Version:    version,
		ZipballURL: r.srv.URL + "/greeter-" + version + ".zip",
	})
}

func (r *registry) breakArchives() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = true
}

func (r *registry) ListReleases(context.Context, marketplace.Repository) ([]marketplace.Release, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]marketplace.Release(nil), r.releases...), nil
}

func (r *registry) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	latest, broken := r.latest, r.broken
	r.mu.Unlock()

	if req.URL.Path == "/registry.json" {
		_, _ = fmt.Fprintf(w, `{"version":"1","plugins":[{
			"plugin_id":"greeter","name":"Greeter","description":"Greets",
			"repository":{"github":{"url":"https://github.com/plughost/greeter"}},
			"version":{"latest":%q},"status":"active"}]}`, latest)
		return
	}
	version := strings.TrimSuffix(strings.TrimPrefix(req.URL.Path, "/greeter-"), ".zip")
	code := fmt.Sprintf(greeterLua, separator(version))
	if broken {
		code = "this is not lua"
	}

	data, err := greeterZip(version, code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func greeterZip(version, code string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	root := "plughost-greeter-" + version + "/"
	for name, body := range map[string]string{
		root + "plugin.json": greeterManifest(version),
		root + "main.lua":    code,
	} {
		f, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write([]byte(body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return nil, nil
}

type fixture struct {
	host     *host.Host
	cfg      *config.Config
	registry *registry
	runner   *recordingRunner
	metrics  *observability.Metrics
}

func testConfig(t *testing.T, registryURL string) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Log:     config.LogConfig{Format: "json", Level: "info"},
		Host:    config.HostConfig{Version: "1.0.0"},
		Plugins: config.PluginsConfig{Dirs: []string{filepath.Join(root, "plugins")}, DepsDir: filepath.Join(root, "deps")},
		KV:      kvstore.Config{Driver: kvstore.DriverMemory},
		Marketplace: config.MarketplaceConfig{
			CacheDir:        filepath.Join(root, "cache"),
			CacheTTL:        time.Hour,
			DownloadTimeout: time.Minute,
			Sources: []marketplace.Source{{
				Name:        "test",
				Type:        marketplace.SourceHTTP,
				RegistryURL: registryURL + "/registry.json",
				Timeout:     5 * time.Second,
				Enabled:     true,
			}},
		},
		Installer: config.InstallerConfig{Mode: "development"},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := newRegistry(t)
	cfg := testConfig(t, reg.srv.URL)
	runner := &recordingRunner{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	h, err := host.New(context.Background(), cfg,
		host.WithDependencyRunner(runner),
		host.WithObserver(metrics),
		host.WithMarketplaceOptions(marketplace.WithReleaseLister(marketplace.SourceGitHub, reg)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return &fixture{host: h, cfg: cfg, registry: reg, runner: runner, metrics: metrics}
}

func dispatch(t *testing.T, h *host.Host, content string) string {
	t.Helper()
	msg := pluginpkg.NewMessageContext("inst", "chat", "alice", pluginpkg.MessageText, content)
	results := h.Manager().Dispatch(context.Background(), msg)
	require.Contains(t, results, "greeter")
	require.True(t, results["greeter"].Success, results["greeter"].Error)
	return results["greeter"].Response
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := host.New(context.Background(), nil)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidArgument)

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.KV.Driver = "etcd"
	_, err = host.New(context.Background(), cfg)
	errutil.AssertErrorCode(t, err, errutil.CodeConfigInvalid)
}

func TestNew_MissingPoliciesFile(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Security.PoliciesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := host.New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestHost_LoadAllMarksReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := filepath.Join(f.host.PluginsDir(), "greeter")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(greeterManifest("1.0.0")), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(fmt.Sprintf(greeterLua, ", ")), 0o600))

	assert.False(t, f.host.Ready())
	failures, err := f.host.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.True(t, f.host.Ready())

	statuses := f.host.Manager().List()
	require.Len(t, statuses, 1)
	assert.Equal(t, "greeter", statuses[0].Info.ID)
	assert.False(t, statuses[0].Enabled)

	require.NoError(t, f.host.Manager().Enable(ctx, "greeter", map[string]any{"prefix": "hi"}))
	assert.Equal(t, "hi, bob", dispatch(t, f.host, "bob"))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues("greeter", "success")), 0)

	require.NoError(t, f.host.Close(ctx))
	assert.False(t, f.host.Ready())
}

func TestHost_InstallDir(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(t.TempDir(), "greeter")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(greeterManifest("1.0.0")), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(fmt.Sprintf(greeterLua, ", ")), 0o600))

	res, err := f.host.InstallDir(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "greeter", res.Report.PluginID)
	assert.Equal(t, []string{"lua-cjson"}, res.Dependencies.Installed)
	assert.Equal(t, [][]string{{"luarocks", "install", "lua-cjson"}}, f.runner.calls)

	_, err = f.host.InstallDir(context.Background(), t.TempDir(), nil)
	errutil.AssertErrorCode(t, err, errutil.CodeStructureInvalid)
}

func TestHost_InstallArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, err := greeterZip("1.0.0", fmt.Sprintf(greeterLua, ", "))
	require.NoError(t, err)
	archive := filepath.Join(t.TempDir(), "greeter.zip")
	require.NoError(t, os.WriteFile(archive, data, 0o600))

	res, err := f.host.InstallArchive(ctx, archive, map[string]any{"prefix": "ok"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.host.PluginsDir(), "greeter"), res.Dir)
	require.NoError(t, f.host.Manager().Enable(ctx, "greeter", nil))
	assert.Equal(t, "ok, eve", dispatch(t, f.host, "eve"))

	_, err = f.host.InstallArchive(ctx, archive, nil)
	errutil.AssertErrorCode(t, err, errutil.CodePluginExists)
}

func TestHost_InstallFromMarketplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.host.InstallFromMarketplace(ctx, "greeter", "", "", map[string]any{"prefix": "hey"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Report.Version)
	assert.Equal(t, filepath.Join(f.host.PluginsDir(), "greeter"), res.Dir)
	assert.FileExists(t, filepath.Join(res.Dir, "main.lua"))
	assert.Equal(t, []string{"lua-cjson"}, res.Dependencies.Installed)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.DownloadsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.LifecycleTotal.WithLabelValues("install", "success")), 0)

	require.NoError(t, f.host.Manager().Enable(ctx, "greeter", nil))
	assert.Equal(t, "hey, ann", dispatch(t, f.host, "ann"))

	_, err = f.host.InstallFromMarketplace(ctx, "greeter", "", "", nil)
	errutil.AssertErrorCode(t, err, errutil.CodePluginExists)

	_, err = f.host.InstallFromMarketplace(ctx, "unknown", "", "", nil)
	errutil.AssertErrorCode(t, err, errutil.CodeMarketplaceNotFound)
}

func TestHost_InstallFromMarketplace_RemovesDirectoryOnFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.breakArchives()

	_, err := f.host.InstallFromMarketplace(context.Background(), "greeter", "1.0.0", "", nil)
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(f.host.PluginsDir(), "greeter"))
	_, installed := f.host.Manager().Registry().Get("greeter")
	assert.False(t, installed)
}

func TestHost_UpdatePlugin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.host.InstallFromMarketplace(ctx, "greeter", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.host.Manager().Enable(ctx, "greeter", map[string]any{"prefix": "yo"}))

	res, err := f.host.UpdatePlugin(ctx, "greeter")
	require.NoError(t, err)
	assert.False(t, res.Updated, "already at latest")

	f.registry.publish("1.1.0")
	require.NoError(t, f.host.Marketplace().RefreshRegistry(ctx, true))

	updates, err := f.host.CheckUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]marketplace.UpdateInfo{"greeter": {Current: "1.0.0", Latest: "1.1.0"}}, updates)

	res, err = f.host.UpdatePlugin(ctx, "greeter")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "1.0.0", res.From)
	assert.Equal(t, "1.1.0", res.To)
	assert.NotEmpty(t, res.HashBefore)
	assert.NotEqual(t, res.HashBefore, res.HashAfter)

	info, ok := f.host.Manager().Registry().Info("greeter")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", info.Version)
	assert.Equal(t, "yo! sam", dispatch(t, f.host, "sam"), "reloaded plugin keeps its config and stays enabled")
}

func TestHost_UpdatePlugin_NotInstalled(t *testing.T) {
	f := newFixture(t)
	_, err := f.host.UpdatePlugin(context.Background(), "greeter")
	errutil.AssertErrorCode(t, err, errutil.CodePluginNotFound)
}

func TestHost_UpdatePlugin_FailedReloadKeepsRunningPlugin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.host.InstallFromMarketplace(ctx, "greeter", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.host.Manager().Enable(ctx, "greeter", map[string]any{"prefix": "yo"}))
	mainBefore, err := os.ReadFile(filepath.Join(res.Dir, "main.lua"))
	require.NoError(t, err)

	f.registry.publish("1.1.0")
	f.registry.breakArchives()
	require.NoError(t, f.host.Marketplace().RefreshRegistry(ctx, true))

	_, err = f.host.UpdatePlugin(ctx, "greeter")
	errutil.AssertErrorCode(t, err, errutil.CodeLoadFailed)

	info, ok := f.host.Manager().Registry().Info("greeter")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, "yo, sam", dispatch(t, f.host, "sam"))

	mainAfter, err := os.ReadFile(filepath.Join(res.Dir, "main.lua"))
	require.NoError(t, err)
	assert.Equal(t, string(mainBefore), string(mainAfter), "previous files are restored")
	assert.NoDirExists(t, filepath.Join(f.host.PluginsDir(), ".greeter.old"))

	entries, err := os.ReadDir(f.host.PluginsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging directories are left behind")
	assert.Equal(t, "greeter", entries[0].Name())
}

func TestHost_BlockedPluginNeverReachesDependenciesOrPluginsDir(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.host.Manager().Block(ctx, "greeter"))

	dir := filepath.Join(t.TempDir(), "greeter")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(greeterManifest("1.0.0")), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(fmt.Sprintf(greeterLua, ", ")), 0o600))
	_, err := f.host.InstallDir(ctx, dir, nil)
	errutil.AssertErrorCode(t, err, errutil.CodeSecurityViolation)

	data, err := greeterZip("1.0.0", fmt.Sprintf(greeterLua, ", "))
	require.NoError(t, err)
	archive := filepath.Join(t.TempDir(), "greeter.zip")
	require.NoError(t, os.WriteFile(archive, data, 0o600))
	_, err = f.host.InstallArchive(ctx, archive, nil)
	errutil.AssertErrorCode(t, err, errutil.CodeSecurityViolation)

	assert.Empty(t, f.runner.calls, "dependencies are not installed for a rejected plugin")
	entries, err := os.ReadDir(f.host.PluginsDir())
	if err == nil {
		assert.Empty(t, entries)
	}
	_, installed := f.host.Manager().Registry().Get("greeter")
	assert.False(t, installed)
}
