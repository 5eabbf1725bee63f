// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package installer_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/installer"
	"github.com/holomush/plughost/pkg/errutil"
)

type entry struct {
	name string
	body string
}

func zipArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeXGlobalHeader, Name: "pax_global_header", PAXRecords: map[string]string{"comment": "sha"}}))
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, data []byte, newWriter func(io.Writer) (io.WriteCloser, error)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := newWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func gzipWriter(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil }

func zstdWriter(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) }

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func echoFiles(prefix string) []entry {
	return []entry{
		{prefix + "plugin.json", echoManifest},
		{prefix + "main.lua", "return {}"},
		{prefix + "lib/util.lua", "return 1"},
	}
}

func TestInstallArchive_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format installer.Format
		data   func(t *testing.T) []byte
	}{
		{"zipball with top-level directory", installer.FormatZip, func(t *testing.T) []byte {
			return zipArchive(t, echoFiles("plughost-echo-abc123/")...)
		}},
		{"flat zip", installer.FormatZip, func(t *testing.T) []byte {
			return zipArchive(t, echoFiles("")...)
		}},
		{"tar.gz", installer.FormatTarGz, func(t *testing.T) []byte {
			return compress(t, tarArchive(t, echoFiles("echo-1.0.0/")...), gzipWriter)
		}},
		{"tar.zst", installer.FormatTarZst, func(t *testing.T) []byte {
			return compress(t, tarArchive(t, echoFiles("")...), zstdWriter)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeArchive(t, "archive.bin", tt.data(t))
			format, err := installer.DetectFormat(archive)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)

			pluginsDir := t.TempDir()
			inst := installer.New(installer.WithMode(installer.ModeDevelopment))
			res, err := inst.InstallArchive(context.Background(), archive, pluginsDir)
			require.NoError(t, err)

			assert.Equal(t, "echo", res.Manifest.ID)
			assert.Equal(t, filepath.Join(pluginsDir, "echo"), res.Dir)
			assert.False(t, res.Replaced)
			assert.FileExists(t, filepath.Join(res.Dir, "main.lua"))
			assert.FileExists(t, filepath.Join(res.Dir, "lib", "util.lua"))

			entries, err := os.ReadDir(pluginsDir)
			require.NoError(t, err)
			require.Len(t, entries, 1, "staging directory is removed")
		})
	}
}

func TestInstallArchive_ExistingAndReplace(t *testing.T) {
	inst := installer.New(installer.WithMode(installer.ModeDevelopment))
	pluginsDir := t.TempDir()
	ctx := context.Background()

	first := writeArchive(t, "v1.zip", zipArchive(t, echoFiles("")...))
	_, err := inst.InstallArchive(ctx, first, pluginsDir)
	require.NoError(t, err)

	_, err = inst.InstallArchive(ctx, first, pluginsDir)
	errutil.AssertErrorCode(t, err, errutil.CodePluginExists)

	second := writeArchive(t, "v2.zip", zipArchive(t,
		entry{"plugin.json", `{"plugin_id":"echo","name":"Echo","version":"2.0.0","entry_point":"main.lua"}`},
		entry{"main.lua", "return { v = 2 }"},
	))
	res, err := inst.ReplaceFromArchive(ctx, second, pluginsDir)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, "2.0.0", res.Manifest.Version)

	body, err := os.ReadFile(filepath.Join(pluginsDir, "echo", "main.lua"))
	require.NoError(t, err)
	assert.Equal(t, "return { v = 2 }", string(body))
	assert.NoFileExists(t, filepath.Join(pluginsDir, "echo", "lib", "util.lua"))
	assert.NoDirExists(t, filepath.Join(pluginsDir, ".echo.old"))
}

func TestPlace_RollbackRestoresPreviousContents(t *testing.T) {
	inst := installer.New(installer.WithMode(installer.ModeDevelopment))
	pluginsDir := t.TempDir()
	ctx := context.Background()

	_, err := inst.InstallArchive(ctx, writeArchive(t, "v1.zip", zipArchive(t, echoFiles("")...)), pluginsDir)
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(pluginsDir, "echo", "main.lua"))
	require.NoError(t, err)

	second := writeArchive(t, "v2.zip", zipArchive(t,
		entry{"plugin.json", `{"plugin_id":"echo","name":"Echo","version":"2.0.0","entry_point":"main.lua"}`},
		entry{"main.lua", "return { v = 2 }"},
	))
	u, err := inst.Unpack(ctx, second, pluginsDir)
	require.NoError(t, err)
	defer u.Discard()
	assert.Equal(t, "2.0.0", u.Manifest.Version)

	res, err := inst.Place(u, pluginsDir, true)
	require.NoError(t, err)
	require.NotEmpty(t, res.Backup)
	assert.DirExists(t, res.Backup)

	require.NoError(t, res.Rollback())
	after, err := os.ReadFile(filepath.Join(pluginsDir, "echo", "main.lua"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.NoDirExists(t, filepath.Join(pluginsDir, ".echo.old"))

	entries, err := os.ReadDir(pluginsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging and backup directories are removed")
}

func TestUnpack_DiscardLeavesPluginsDirUntouched(t *testing.T) {
	inst := installer.New(installer.WithMode(installer.ModeDevelopment))
	pluginsDir := t.TempDir()

	u, err := inst.Unpack(context.Background(), writeArchive(t, "v1.zip", zipArchive(t, echoFiles("")...)), pluginsDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(u.Dir, "plugin.json"))
	u.Discard()

	entries, err := os.ReadDir(pluginsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallArchive_IncompatibleCopiesNothing(t *testing.T) {
	inst := installer.New(installer.WithOS("linux"), installer.WithMode(installer.ModeDevelopment))
	pluginsDir := t.TempDir()
	archive := writeArchive(t, "p.zip", zipArchive(t,
		entry{"plugin.json", `{"plugin_id":"maconly","name":"Mac","version":"1.0.0","entry_point":"main.lua","supported_os":["macos"]}`},
		entry{"main.lua", "return {}"},
	))

	_, err := inst.InstallArchive(context.Background(), archive, pluginsDir)
	errutil.AssertErrorCode(t, err, errutil.CodeIncompatible)

	entries, err := os.ReadDir(pluginsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallArchive_Rejections(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
		code string
	}{
		{"path traversal", func(t *testing.T) []byte {
			return zipArchive(t, entry{"../evil.lua", "x"}, entry{"plugin.json", echoManifest})
		}, errutil.CodeArchiveInvalid},
		{"absolute tar path", func(t *testing.T) []byte {
			return compress(t, tarArchive(t, entry{"/etc/evil", "x"}), gzipWriter)
		}, errutil.CodeArchiveInvalid},
		{"not an archive", func(*testing.T) []byte {
			return []byte("plain text")
		}, errutil.CodeArchiveInvalid},
		{"no manifest", func(t *testing.T) []byte {
			return zipArchive(t, entry{"a/main.lua", ""}, entry{"b/main.lua", ""})
		}, errutil.CodeStructureInvalid},
		{"missing entry point", func(t *testing.T) []byte {
			return zipArchive(t, entry{"plugin.json", echoManifest})
		}, errutil.CodeStructureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pluginsDir := t.TempDir()
			archive := writeArchive(t, "bad.bin", tt.data(t))
			inst := installer.New(installer.WithMode(installer.ModeDevelopment))

			_, err := inst.InstallArchive(context.Background(), archive, pluginsDir)
			errutil.AssertErrorCode(t, err, tt.code)

			entries, err := os.ReadDir(pluginsDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
