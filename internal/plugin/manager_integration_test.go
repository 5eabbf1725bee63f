// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plughost/internal/kvstore"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/plughost/internal/plugin/lua"
	"github.com/holomush/plughost/internal/plugin/security"
	"github.com/holomush/plughost/internal/plugin/settings"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

const greeterScript = `
local Greeter = {}
Greeter.__index = Greeter

function Greeter.new(class, info)
  return setmetatable({ id = info.plugin_id, greeting = "hello" }, class)
end

Greeter.supported_message_types = { "text" }
Greeter.platform_type = "chat"

function Greeter:config_schema()
  return { greeting = { type = "string", default = "hello" } }
end

function Greeter:initialize(cfg)
  self.greeting = cfg.greeting
  host.kv_set("greeting", cfg.greeting)
end

function Greeter:process_message(msg)
  if msg.content == "run" then
    local ok, err = pcall(host.exec, "uptime")
    if not ok then
      return { response = "refused", error = tostring(err) }
    end
  end
  local stored = host.kv_get("greeting")
  return stored .. ", " .. msg.sender
end

return Greeter
`

func writeLuaDir(root, id, script string, permissions string) string {
	dir := filepath.Join(root, id)
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	manifest := `{"plugin_id":"` + id + `","name":"` + id + `","version":"1.0.0",
"entry_point":"main.lua","class_name":"Greeter","permissions":[` + permissions + `]}`
	Expect(os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o600)).To(Succeed())
	return dir
}

var _ = Describe("Manager with the Lua backend", func() {
	var (
		ctx      context.Context
		root     string
		kv       *kvstore.Memory
		store    *settings.Store
		guard    *security.Manager
		registry *plugin.Registry
		manager  *plugin.Manager
	)

	newManager := func() *plugin.Manager {
		hf := hostfunc.New(guard, hostfunc.WithKVStore(kv), hostfunc.WithConfigSource(store))
		loader := plugin.NewLoader([]string{root}, pluginlua.NewBackend(pluginlua.WithHostFunctions(hf)))
		registry = plugin.NewRegistry()
		return plugin.NewManager(registry, loader, guard, store)
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		kv = kvstore.NewMemory()
		store = settings.New(kv)
		Expect(store.Load(ctx)).To(Succeed())

		var err error
		guard, err = security.NewManager()
		Expect(err).NotTo(HaveOccurred())
		manager = newManager()
	})

	AfterEach(func() {
		Expect(manager.Close(ctx)).To(Succeed())
	})

	Describe("a plugin granted storage access", func() {
		BeforeEach(func() {
			dir := writeLuaDir(root, "greeter", greeterScript, `"database.read","database.write"`)
			_, err := manager.Install(ctx, dir, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(guard.SetPolicy("greeter", security.Policy{
				Allowed: []string{"database.*", "message.process"},
			})).To(Succeed())
		})

		It("processes messages through host functions once enabled", func() {
			Expect(manager.Enable(ctx, "greeter", map[string]any{"greeting": "howdy"})).To(Succeed())

			results := manager.Dispatch(ctx, pluginpkg.NewMessageContext("i", "c", "ana", pluginpkg.MessageText, "hi"))
			Expect(results).To(HaveKey("greeter"))
			Expect(results["greeter"].Success).To(BeTrue(), results["greeter"].Error)
			Expect(results["greeter"].Response).To(Equal("howdy, ana"))
		})

		It("restores the enabled plugin after a restart", func() {
			Expect(manager.Enable(ctx, "greeter", map[string]any{"greeting": "again"})).To(Succeed())
			Expect(manager.Close(ctx)).To(Succeed())

			store = settings.New(kv)
			Expect(store.Load(ctx)).To(Succeed())
			manager = newManager()

			failures, err := manager.LoadAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(failures).To(BeEmpty())

			rt, ok := registry.Get("greeter")
			Expect(ok).To(BeTrue())
			Expect(rt.State()).To(Equal(pluginpkg.StateActive))
			Expect(rt.Config()).To(HaveKeyWithValue("greeting", "again"))
		})

		It("reports health for every plugin", func() {
			Expect(manager.Enable(ctx, "greeter", map[string]any{})).To(Succeed())
			health := manager.HealthCheckAll(ctx)
			Expect(health).To(HaveKey("greeter"))
			Expect(health["greeter"].Healthy).To(BeTrue())
		})
	})

	Describe("a plugin requesting a denied permission", func() {
		It("installs and enables but is refused at call time", func() {
			dir := writeLuaDir(root, "greeter", greeterScript, `"system.command","database.read","database.write"`)
			_, err := manager.Install(ctx, dir, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(guard.SetPolicy("greeter", security.Policy{
				Allowed: []string{"database.*", "system.command"},
				Denied:  []string{"system.*"},
			})).To(Succeed())

			Expect(manager.Enable(ctx, "greeter", map[string]any{})).To(Succeed())
			Expect(guard.CheckPermission("greeter", "system.command")).To(BeFalse())

			results := manager.Dispatch(ctx, pluginpkg.NewMessageContext("i", "c", "ana", pluginpkg.MessageText, "run"))
			Expect(results["greeter"].Success).To(BeFalse())
			Expect(results["greeter"].Response).To(Equal("refused"))
			Expect(results["greeter"].Error).To(ContainSubstring("permission denied"))
		})
	})

	Describe("a script with a syntax error", func() {
		It("fails to install and leaves nothing behind", func() {
			dir := writeLuaDir(root, "broken", "Greeter = {", "")
			_, err := manager.Install(ctx, dir, nil)
			Expect(errutil.Code(err)).To(Equal(errutil.CodeLoadFailed))
			Expect(registry.Len()).To(BeZero())
			_, ok := store.Get("broken")
			Expect(ok).To(BeFalse())
		})
	})
})
