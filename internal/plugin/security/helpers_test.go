// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin/security"
)

const echoManifest = `{
  "plugin_id": "echo",
  "name": "Echo",
  "version": "1.0.0",
  "entry_point": "main.lua",
  "class_name": "EchoPlugin"
}`

// writePlugin creates a plugin directory containing files keyed by
// relative path.
func writePlugin(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

func newManager(t *testing.T, opts ...security.Option) *security.Manager {
	t.Helper()
	m, err := security.NewManager(opts...)
	require.NoError(t, err)
	return m
}
