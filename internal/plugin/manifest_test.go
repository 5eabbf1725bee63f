// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

func TestParseManifest_LuaPlugin(t *testing.T) {
	data := `{
  "plugin_id": "echo",
  "name": "Echo",
  "version": "1.2.0",
  "description": "Echoes text back",
  "author": "plughost",
  "entry_point": "main.lua",
  "class_name": "EchoPlugin",
  "dependencies": ["lua-cjson"],
  "min_host_version": "1.0.0",
  "supported_os": ["linux", "darwin"],
  "permissions": ["message.process", "config.read"],
  "tags": ["demo"],
  "config_schema": {
    "type": "object",
    "properties": {"prefix": {"type": "string", "default": "> "}},
    "required": ["prefix"]
  }
}`
	m, err := plugin.ParseManifest([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "echo", m.ID)
	assert.Equal(t, plugin.TypeLua, m.Runtime, "runtime defaults to lua")
	assert.Equal(t, "EchoPlugin", m.ClassOrDefault())
	assert.Equal(t, []string{"lua-cjson"}, m.Dependencies)

	info := m.Info()
	assert.Equal(t, "echo", info.ID)
	assert.True(t, info.HasPermission("config.read"))

	schema, err := m.Schema()
	require.NoError(t, err)
	assert.True(t, schema["prefix"].Required)
	assert.Equal(t, "> ", schema["prefix"].Default)
}

func TestParseManifest_BinaryPlugin(t *testing.T) {
	data := `{"plugin_id":"shout","name":"Shout","version":"2.1","runtime":"binary","entry_point":"shout-linux-amd64"}`
	m, err := plugin.ParseManifest([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, plugin.TypeBinary, m.Runtime)
	assert.Equal(t, "Plugin", m.ClassOrDefault())
	assert.Empty(t, plugin.TypeBinary.EntryExtension())
}

func TestParseManifest_Rejections(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"not json", `plugin_id: echo`},
		{"missing id", `{"name":"Echo","version":"1.0","entry_point":"main.lua"}`},
		{"id with space", `{"plugin_id":"my plugin","name":"Echo","version":"1.0","entry_point":"main.lua"}`},
		{"id with slash", `{"plugin_id":"my/plugin","name":"Echo","version":"1.0","entry_point":"main.lua"}`},
		{"version with letter", `{"plugin_id":"echo","name":"Echo","version":"1.2.a","entry_point":"main.lua"}`},
		{"single component version", `{"plugin_id":"echo","name":"Echo","version":"1","entry_point":"main.lua"}`},
		{"five component version", `{"plugin_id":"echo","name":"Echo","version":"1.2.3.4.5","entry_point":"main.lua"}`},
		{"missing entry", `{"plugin_id":"echo","name":"Echo","version":"1.0"}`},
		{"entry escapes dir", `{"plugin_id":"echo","name":"Echo","version":"1.0","entry_point":"../evil.lua"}`},
		{"unknown runtime", `{"plugin_id":"echo","name":"Echo","version":"1.0","entry_point":"main.py","runtime":"python"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.data))
			errutil.AssertErrorCode(t, err, errutil.CodeManifestInvalid)
		})
	}
}

func TestValidVersion(t *testing.T) {
	for _, v := range []string{"1.0", "1.2.0", "0.0.0.1", "10.20.30"} {
		assert.True(t, plugin.ValidVersion(v), v)
	}
	for _, v := range []string{"", "1", "1.2.a", "v1.2", "1..2", "1.2.3.4.5", "-1.0"} {
		assert.False(t, plugin.ValidVersion(v), v)
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, plugin.ValidID("echo_bot-2"))
	assert.False(t, plugin.ValidID("echo bot"))
	assert.False(t, plugin.ValidID("echo/bot"))
	assert.False(t, plugin.ValidID("écho"))
	assert.False(t, plugin.ValidID(""))
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	_, err := plugin.LoadManifest(dir)
	errutil.AssertErrorCode(t, err, errutil.CodeManifestInvalid)

	writeFile(t, filepath.Join(dir, plugin.ManifestFile),
		`{"plugin_id":"echo","name":"Echo","version":"1.0.0","entry_point":"main.lua"}`)
	m, err := plugin.LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.ID)
}
