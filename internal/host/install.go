// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"context"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/installer"
	"github.com/holomush/plughost/internal/marketplace"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// InstallResult is the outcome of installing a plugin through the host.
type InstallResult struct {
	Report       *plugin.InstallReport       `json:"report"`
	Dependencies *installer.DependencyReport `json:"dependencies"`
	Dir          string                      `json:"dir"`
}

// UpdateResult is the outcome of UpdatePlugin.
type UpdateResult struct {
	PluginID   string                `json:"plugin_id"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	Updated    bool                  `json:"updated"`
	HashBefore string                `json:"hash_before,omitempty"`
	HashAfter  string                `json:"hash_after,omitempty"`
	Report     *plugin.InstallReport `json:"report,omitempty"`
}

// InstallDir installs the plugin in dir in place: structure and
// compatibility are checked, the security checks run, then dependencies
// are installed and the plugin handed to the manager.
func (h *Host) InstallDir(ctx context.Context, dir string, cfg map[string]any) (*InstallResult, error) {
	m, err := h.installer.ValidateStructure(dir)
	if err != nil {
		return nil, err
	}
	if err := h.installer.CheckCompatibility(m); err != nil {
		return nil, err
	}
	if _, err := h.manager.Preflight(dir); err != nil {
		return nil, err
	}
	deps := h.installer.InstallDependencies(ctx, m)
	report, err := h.manager.Install(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}
	return &InstallResult{Report: report, Dependencies: deps, Dir: dir}, nil
}

// InstallFromMarketplace downloads a plugin from the marketplace, unpacks
// it into the plugins directory and installs it. An empty version selects
// the newest stable release; an empty sourceType lets the client choose.
// The unpacked directory is removed again when the install fails.
func (h *Host) InstallFromMarketplace(
	ctx context.Context,
	id, version string,
	sourceType marketplace.SourceType,
	cfg map[string]any,
) (*InstallResult, error) {
	if _, exists := h.manager.Registry().Get(id); exists {
		return nil, oops.Code(errutil.CodePluginExists).
			In("host").
			With("plugin", id).
			Errorf("plugin %s is already installed", id)
	}
	archive, err := h.market.DownloadPlugin(ctx, id, version, sourceType)
	if err != nil {
		return nil, err
	}
	res, err := h.installArchive(ctx, archive, id, cfg)
	if err != nil {
		return nil, err
	}
	h.logger.Info("plugin installed from marketplace", "plugin", id, "version", res.Report.Version)
	return res, nil
}

// InstallArchive unpacks a local zip or tar archive into the plugins
// directory and installs the plugin it contains.
func (h *Host) InstallArchive(ctx context.Context, path string, cfg map[string]any) (*InstallResult, error) {
	return h.installArchive(ctx, path, "", cfg)
}

// installArchive requires the archive's manifest to name wantID unless
// wantID is empty. The security checks run on the staging directory, so a
// rejected plugin never reaches the plugins directory.
func (h *Host) installArchive(ctx context.Context, path, wantID string, cfg map[string]any) (*InstallResult, error) {
	u, err := h.installer.Unpack(ctx, path, h.PluginsDir())
	if err != nil {
		return nil, err
	}
	defer u.Discard()
	if wantID != "" && u.Manifest.ID != wantID {
		return nil, mismatch(wantID, u.Manifest.ID)
	}
	if _, err := h.manager.Preflight(u.Dir); err != nil {
		return nil, err
	}
	res, err := h.installer.Place(u, h.PluginsDir(), false)
	if err != nil {
		return nil, err
	}

	deps := h.installer.InstallDependencies(ctx, res.Manifest)
	report, err := h.manager.Install(ctx, res.Dir, cfg)
	if err != nil {
		h.discard(res.Dir)
		return nil, err
	}
	return &InstallResult{Report: report, Dependencies: deps, Dir: res.Dir}, nil
}

func mismatch(id, manifestID string) error {
	return oops.Code(errutil.CodeManifestInvalid).
		In("host").
		With("plugin", id).
		With("manifest_id", manifestID).
		Errorf("archive for %s contains plugin %s", id, manifestID)
}

func (h *Host) discard(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		errutil.LogWarn(h.logger, "failed to remove plugin directory", err, "dir", dir)
	}
}

// CheckUpdates compares every installed plugin with the registry.
func (h *Host) CheckUpdates(ctx context.Context) (map[string]marketplace.UpdateInfo, error) {
	installed := make(map[string]string)
	for _, info := range h.manager.Registry().Infos() {
		installed[info.ID] = info.Version
	}
	return h.market.CheckPluginUpdates(ctx, installed)
}

// UpdatePlugin replaces an installed plugin with the registry's latest
// version when it is newer and reloads it. The new archive is unpacked and
// checked beside the installed plugin; an archive identical to the
// installed code is not reloaded. When the reload fails the previous files
// are restored and the running plugin is left as it was. Only plugins
// living in <plugins dir>/<id> can be updated.
func (h *Host) UpdatePlugin(ctx context.Context, id string) (*UpdateResult, error) {
	info, ok := h.manager.Registry().Info(id)
	if !ok {
		return nil, oops.Code(errutil.CodePluginNotFound).In("host").With("plugin", id).Errorf("plugin %s is not installed", id)
	}
	dir, _ := h.manager.Dir(id)
	if filepath.Base(dir) != id {
		return nil, oops.Code(errutil.CodeInvalidArgument).
			In("host").
			With("plugin", id).
			With("dir", dir).
			Errorf("plugin %s was not installed into a directory named after its id", id)
	}
	result := &UpdateResult{PluginID: id, From: info.Version, To: info.Version}

	updates, err := h.market.CheckPluginUpdates(ctx, map[string]string{id: info.Version})
	if err != nil {
		return nil, err
	}
	update, ok := updates[id]
	if !ok {
		h.logger.Info("plugin is up to date", "plugin", id, "version", info.Version)
		return result, nil
	}

	if result.HashBefore, err = h.security.CalculateHash(dir); err != nil {
		return nil, err
	}
	archive, err := h.market.DownloadPlugin(ctx, id, update.Latest, "")
	if err != nil {
		return nil, err
	}
	pluginsDir := filepath.Dir(dir)
	u, err := h.installer.Unpack(ctx, archive, pluginsDir)
	if err != nil {
		return nil, err
	}
	defer u.Discard()
	if u.Manifest.ID != id {
		return nil, mismatch(id, u.Manifest.ID)
	}
	if _, err := h.manager.PreflightReload(id, u.Dir); err != nil {
		return nil, err
	}
	if result.HashAfter, err = h.security.CalculateHash(u.Dir); err != nil {
		return nil, err
	}
	if result.HashAfter == result.HashBefore {
		h.logger.Warn("downloaded archive matches installed plugin", "plugin", id, "version", update.Latest)
		return result, nil
	}

	res, err := h.installer.Place(u, pluginsDir, true)
	if err != nil {
		return nil, err
	}
	h.installer.InstallDependencies(ctx, res.Manifest)
	if result.Report, err = h.manager.Reload(ctx, id); err != nil && result.Report == nil {
		if rbErr := res.Rollback(); rbErr != nil {
			errutil.LogError(h.logger, "failed to restore plugin directory", rbErr, "plugin", id)
		}
		return nil, err
	}
	if commitErr := res.Commit(); commitErr != nil {
		errutil.LogWarn(h.logger, "failed to remove previous plugin directory", commitErr, "plugin", id)
	}
	if err != nil {
		return nil, err
	}
	result.To = result.Report.Version
	result.Updated = true
	h.logger.Info("plugin updated", "plugin", id, "from", result.From, "to", result.To)
	return result, nil
}
