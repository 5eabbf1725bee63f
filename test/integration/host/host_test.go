// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package host_test

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/host"
	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/marketplace"
	"github.com/holomush/plughost/pkg/errutil"
	"github.com/holomush/plughost/pkg/plugin"
)

// echoDir is the Lua echo plugin shipped with the repository.
func echoDir() string {
	_, file, _, ok := runtime.Caller(0)
	Expect(ok).To(BeTrue())
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "plugins", "echo")
}

// copyDir copies the flat plugin directory src into dst.
func copyDir(src, dst string) {
	Expect(os.MkdirAll(dst, 0o750)).To(Succeed())
	entries, err := os.ReadDir(src)
	Expect(err).NotTo(HaveOccurred())
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(filepath.Join(dst, e.Name()), data, 0o600)).To(Succeed())
	}
}

var _ = Describe("Plugin host on PostgreSQL", func() {
	var (
		cfg        *config.Config
		pluginsDir string
	)

	newHost := func() *host.Host {
		h, err := host.New(env.ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	send := func(h *host.Host, content string) *plugin.ProcessResult {
		msg := plugin.NewMessageContext("it", "chat", "alice", plugin.MessageText, content)
		return h.Manager().Dispatch(env.ctx, msg)["echo"]
	}

	BeforeEach(func() {
		root := GinkgoT().TempDir()
		pluginsDir = filepath.Join(root, "plugins")
		copyDir(echoDir(), filepath.Join(pluginsDir, "echo"))

		cfg = &config.Config{
			Log:     config.LogConfig{Format: "json", Level: "error"},
			Host:    config.HostConfig{Version: "1.0.0"},
			Plugins: config.PluginsConfig{Dirs: []string{pluginsDir}, DepsDir: filepath.Join(root, "deps")},
			KV:      kvstore.Config{Driver: kvstore.DriverPostgres, DSN: env.dsn, Migrate: true},
			Marketplace: config.MarketplaceConfig{
				CacheDir:        filepath.Join(root, "cache"),
				CacheTTL:        time.Hour,
				DownloadTimeout: time.Minute,
				Sources: []marketplace.Source{{
					Name: "none", Type: marketplace.SourceLocal, RegistryURL: filepath.Join(root, "registry.json"), Enabled: true,
				}},
			},
			Installer: config.InstallerConfig{Mode: "development"},
		}

		// The database is shared by every test.
		h := newHost()
		Expect(h.Settings().Delete(env.ctx, "echo")).To(Succeed())
		Expect(h.Close(env.ctx)).To(Succeed())
	})

	It("restores enabled plugins and their configuration after a restart", func() {
		h := newHost()
		failures, err := h.LoadAll(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(failures).To(BeEmpty())

		Expect(h.Manager().Enable(env.ctx, "echo", map[string]any{"prefix": "> "})).To(Succeed())
		Expect(send(h, "hello").Response).To(Equal("> hello"))
		Expect(h.Close(env.ctx)).To(Succeed())

		h = newHost()
		defer func() { _ = h.Close(env.ctx) }()
		_, err = h.LoadAll(env.ctx)
		Expect(err).NotTo(HaveOccurred())

		statuses := h.Manager().List()
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Enabled).To(BeTrue())
		Expect(statuses[0].State).To(Equal(plugin.StateActive))
		Expect(send(h, "again").Response).To(Equal("> again"))
	})

	It("keeps a disabled plugin inactive across restarts", func() {
		h := newHost()
		_, err := h.LoadAll(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Manager().Enable(env.ctx, "echo", map[string]any{})).To(Succeed())
		Expect(h.Manager().Disable(env.ctx, "echo")).To(Succeed())
		Expect(h.Close(env.ctx)).To(Succeed())

		h = newHost()
		defer func() { _ = h.Close(env.ctx) }()
		_, err = h.LoadAll(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(send(h, "quiet")).To(BeNil())
	})

	It("forgets a plugin's settings when it is uninstalled", func() {
		h := newHost()
		defer func() { _ = h.Close(env.ctx) }()
		_, err := h.LoadAll(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Manager().Enable(env.ctx, "echo", map[string]any{"prefix": "x"})).To(Succeed())

		Expect(h.Manager().Uninstall(env.ctx, "echo")).To(Succeed())
		_, stored := h.Settings().Config("echo")
		Expect(stored).To(BeFalse())

		err = h.Manager().Enable(env.ctx, "echo", nil)
		Expect(errutil.HasCode(err, errutil.CodePluginNotFound)).To(BeTrue())
	})
})
