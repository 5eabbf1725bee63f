// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// ValidateManifest applies the install-time manifest rules: required
// fields, id and version syntax, known permission tokens and an entry
// point carrying the runtime's source extension.
func (m *Manager) ValidateManifest(mf *plugin.Manifest) error {
	if mf == nil {
		return oops.Code(errutil.CodeManifestInvalid).Errorf("manifest is nil")
	}
	fail := oops.Code(errutil.CodeManifestInvalid).In("security").With("plugin", mf.ID)

	for field, value := range map[string]string{
		"plugin_id":   mf.ID,
		"name":        mf.Name,
		"version":     mf.Version,
		"entry_point": mf.EntryPoint,
	} {
		if strings.TrimSpace(value) == "" {
			return fail.With("field", field).Errorf("%s is required", field)
		}
	}
	if !plugin.ValidID(mf.ID) {
		return fail.Errorf("plugin_id %q contains characters other than letters, digits, underscore or hyphen", mf.ID)
	}
	if !plugin.ValidVersion(mf.Version) {
		return fail.Errorf("version %q must be 2-4 dot-separated non-negative integers", mf.Version)
	}
	for _, perm := range mf.Permissions {
		if !Known(perm) {
			return fail.With("permission", perm).Errorf("unknown permission %q", perm)
		}
	}

	runtime := mf.Runtime
	if runtime == "" {
		runtime = plugin.TypeLua
	}
	if ext := runtime.EntryExtension(); ext != "" && !strings.EqualFold(filepath.Ext(mf.EntryPoint), ext) {
		return fail.With("entry_point", mf.EntryPoint).
			Errorf("entry_point must end in %s for %s plugins", ext, runtime)
	}

	if risk := HighestRisk(mf.Permissions); risk >= RiskHigh {
		m.logger.Warn("plugin requests high-risk permissions",
			"plugin", mf.ID, "risk", risk.String(), "permissions", mf.Permissions)
	}
	return nil
}
