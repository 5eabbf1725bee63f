// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// Registry is the in-memory index of loaded plugins: id to live runtime
// and id to info record. Ids are unique.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*pluginpkg.Runtime
	infos    map[string]pluginpkg.Info
	types    map[string]Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]*pluginpkg.Runtime),
		infos:    make(map[string]pluginpkg.Info),
		types:    make(map[string]Type),
	}
}

// Register adds a runtime. Duplicate ids are rejected.
func (r *Registry) Register(rt *pluginpkg.Runtime, typ Type) error {
	id := rt.ID()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runtimes[id]; ok {
		return oops.Code(errutil.CodePluginExists).
			With("plugin", id).
			Errorf("plugin %s is already registered", id)
	}
	r.runtimes[id] = rt
	r.infos[id] = rt.Info()
	r.types[id] = typ
	return nil
}

// Replace swaps the runtime registered under rt's id, or adds it.
func (r *Registry) Replace(rt *pluginpkg.Runtime, typ Type) {
	id := rt.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[id] = rt
	r.infos[id] = rt.Info()
	r.types[id] = typ
}

// Unregister removes a plugin and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.runtimes[id]
	delete(r.runtimes, id)
	delete(r.infos, id)
	delete(r.types, id)
	return ok
}

// Get returns the runtime for id.
func (r *Registry) Get(id string) (*pluginpkg.Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	return rt, ok
}

// Info returns the info record for id.
func (r *Registry) Info(id string) (pluginpkg.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[id]
	if !ok {
		return pluginpkg.Info{}, false
	}
	return info.Clone(), true
}

// TypeOf returns the backend type a plugin was loaded with.
func (r *Registry) TypeOf(id string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// IDs returns the sorted ids of all registered plugins.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns all runtimes ordered by id.
func (r *Registry) List() []*pluginpkg.Runtime {
	return r.Filter(func(*pluginpkg.Runtime) bool { return true })
}

// Infos returns the info records of all plugins ordered by id.
func (r *Registry) Infos() []pluginpkg.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]pluginpkg.Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Filter returns the runtimes, ordered by id, for which keep returns true.
func (r *Registry) Filter(keep func(*pluginpkg.Runtime) bool) []*pluginpkg.Runtime {
	r.mu.RLock()
	all := make([]*pluginpkg.Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		all = append(all, rt)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	out := all[:0]
	for _, rt := range all {
		if keep(rt) {
			out = append(out, rt)
		}
	}
	return out
}

// WithCapability returns plugins offering the capability set.
func (r *Registry) WithCapability(c pluginpkg.Capability) []*pluginpkg.Runtime {
	return r.Filter(func(rt *pluginpkg.Runtime) bool { return rt.Implements(c) })
}

// ServicePlatforms returns plugins that process messages.
func (r *Registry) ServicePlatforms() []*pluginpkg.Runtime {
	return r.WithCapability(pluginpkg.CapabilityService)
}

// HealthReporters returns plugins that report health.
func (r *Registry) HealthReporters() []*pluginpkg.Runtime {
	return r.WithCapability(pluginpkg.CapabilityHealth)
}

// Configurables returns plugins that accept configuration.
func (r *Registry) Configurables() []*pluginpkg.Runtime {
	return r.WithCapability(pluginpkg.CapabilityConfigurable)
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runtimes)
}
