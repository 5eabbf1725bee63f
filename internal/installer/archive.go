// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package installer

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// Extraction limits.
const (
	maxExtractedBytes = 256 << 20
	maxArchiveEntries = 10000
)

// Format is a supported archive encoding.
type Format string

// Archive formats.
const (
	FormatZip    Format = "zip"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectFormat sniffs the archive format from the first bytes of path.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path) //nolint:gosec // archive path comes from the download cache or the operator
	if err != nil {
		return "", oops.Code(errutil.CodeArchiveInvalid).With("path", path).Wrap(err)
	}
	defer func() { _ = f.Close() }()

	head, err := bufio.NewReader(f).Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", oops.Code(errutil.CodeArchiveInvalid).With("path", path).Wrap(err)
	}
	switch {
	case bytes.HasPrefix(head, magicZip):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGz, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZst, nil
	default:
		return "", oops.Code(errutil.CodeArchiveInvalid).With("path", path).Errorf("unrecognized archive format")
	}
}

// Result describes an installed plugin directory. After a replace, Backup
// holds the previous contents until Commit or Rollback.
type Result struct {
	Manifest *plugin.Manifest
	Dir      string
	Replaced bool
	Backup   string
}

// Commit drops the backup of a replaced directory.
func (r *Result) Commit() error {
	if r.Backup == "" {
		return nil
	}
	if err := os.RemoveAll(r.Backup); err != nil {
		return oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", r.Backup).Wrap(err)
	}
	r.Backup = ""
	return nil
}

// Rollback removes the installed directory and, after a replace, puts the
// previous contents back.
func (r *Result) Rollback() error {
	if err := os.RemoveAll(r.Dir); err != nil {
		return oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", r.Dir).Wrap(err)
	}
	if r.Backup == "" {
		return nil
	}
	if err := os.Rename(r.Backup, r.Dir); err != nil {
		return oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", r.Dir).Wrap(err)
	}
	r.Backup = ""
	return nil
}

// Unpacked is an extracted plugin waiting in a staging directory inside the
// plugins directory. Dir is the plugin root within the staging directory.
type Unpacked struct {
	Manifest *plugin.Manifest
	Dir      string
	staging  string
}

// Discard removes the staging directory. It is a no-op after Place.
func (u *Unpacked) Discard() {
	if u.staging != "" {
		_ = os.RemoveAll(u.staging)
	}
}

// Unpack extracts a plugin archive into a staging directory under
// pluginsDir and checks its structure and compatibility. Nothing outside
// the staging directory is touched.
func (i *Installer) Unpack(ctx context.Context, archivePath, pluginsDir string) (*Unpacked, error) {
	if err := os.MkdirAll(pluginsDir, 0o750); err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", pluginsDir).Wrap(err)
	}
	staging, err := os.MkdirTemp(pluginsDir, ".staging-*")
	if err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", pluginsDir).Wrap(err)
	}
	u := &Unpacked{staging: staging}
	fail := func(err error) (*Unpacked, error) {
		u.Discard()
		return nil, err
	}

	if err := Extract(ctx, archivePath, staging); err != nil {
		return fail(err)
	}
	root, err := manifestRoot(staging)
	if err != nil {
		return fail(err)
	}
	m, err := i.ValidateStructure(root)
	if err != nil {
		return fail(err)
	}
	if err := i.CheckCompatibility(m); err != nil {
		return fail(err)
	}
	u.Manifest, u.Dir = m, root
	return u, nil
}

// Place moves an unpacked plugin to pluginsDir/<plugin_id>. An existing
// directory is an error unless replace is set, in which case it is kept as
// the result's Backup.
func (i *Installer) Place(u *Unpacked, pluginsDir string, replace bool) (*Result, error) {
	m := u.Manifest
	target := filepath.Join(pluginsDir, m.ID)
	res := &Result{Manifest: m, Dir: target}
	if _, err := os.Stat(target); err == nil {
		if !replace {
			return nil, oops.Code(errutil.CodePluginExists).
				In("installer").
				With("plugin", m.ID).
				With("dir", target).
				Errorf("plugin directory %s already exists", target)
		}
		backup, err := swapDir(u.Dir, target)
		if err != nil {
			return nil, err
		}
		res.Replaced, res.Backup = true, backup
	} else if err := os.Rename(u.Dir, target); err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", target).Wrap(err)
	}
	u.Discard()
	u.staging = ""

	i.logger.Info("plugin archive installed", "plugin", m.ID, "version", m.Version, "dir", target, "replaced", res.Replaced)
	return res, nil
}

// InstallArchive unpacks a plugin archive into pluginsDir/<plugin_id>.
// The archive is extracted into a staging directory first and the plugin
// is checked for structure and compatibility before anything is copied
// into pluginsDir. An existing plugin directory is an error.
func (i *Installer) InstallArchive(ctx context.Context, archivePath, pluginsDir string) (*Result, error) {
	return i.installArchive(ctx, archivePath, pluginsDir, false)
}

// ReplaceFromArchive is InstallArchive for updates: an existing plugin
// directory is swapped out for the new contents and its backup dropped.
func (i *Installer) ReplaceFromArchive(ctx context.Context, archivePath, pluginsDir string) (*Result, error) {
	return i.installArchive(ctx, archivePath, pluginsDir, true)
}

func (i *Installer) installArchive(ctx context.Context, archivePath, pluginsDir string, replace bool) (*Result, error) {
	u, err := i.Unpack(ctx, archivePath, pluginsDir)
	if err != nil {
		return nil, err
	}
	defer u.Discard()
	res, err := i.Place(u, pluginsDir, replace)
	if err != nil {
		return nil, err
	}
	if err := res.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// swapDir moves src to target and returns where the previous target was
// moved to.
func swapDir(src, target string) (string, error) {
	backup := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old")
	_ = os.RemoveAll(backup)
	if err := os.Rename(target, backup); err != nil {
		return "", oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", target).Wrap(err)
	}
	if err := os.Rename(src, target); err != nil {
		_ = os.Rename(backup, target)
		return "", oops.Code(errutil.CodeStorageFailed).In("installer").With("dir", target).Wrap(err)
	}
	return backup, nil
}

// manifestRoot finds the plugin directory inside an extracted archive:
// the staging root itself, or its single top-level directory as produced
// by source zipballs and tarballs.
func manifestRoot(staging string) (string, error) {
	if _, err := os.Stat(filepath.Join(staging, plugin.ManifestFile)); err == nil {
		return staging, nil
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", oops.Code(errutil.CodeArchiveInvalid).Wrap(err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		candidate := filepath.Join(staging, dirs[0])
		if _, err := os.Stat(filepath.Join(candidate, plugin.ManifestFile)); err == nil {
			return candidate, nil
		}
	}
	return "", oops.Code(errutil.CodeStructureInvalid).
		In("installer").
		Errorf("archive does not contain %s at its root or in a single top-level directory", plugin.ManifestFile)
}

// Extract unpacks archivePath into dest. Entries that would escape dest,
// links and special files are rejected.
func Extract(ctx context.Context, archivePath, dest string) error {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return err
	}
	w := &extractor{ctx: ctx, dest: dest}

	switch format {
	case FormatZip:
		err = w.zip(archivePath)
	case FormatTarGz, FormatTarZst:
		err = w.compressedTar(archivePath, format)
	}
	if err != nil {
		return oops.Code(errutil.CodeArchiveInvalid).
			In("installer").
			With("path", archivePath).
			With("format", string(format)).
			Wrap(err)
	}
	return nil
}

type extractor struct {
	ctx     context.Context
	dest    string
	written int64
	entries int
}

func (x *extractor) target(name string) (string, error) {
	x.entries++
	if x.entries > maxArchiveEntries {
		return "", errors.New("archive has too many entries")
	}
	if err := x.ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(clean) {
		return "", errors.New("archive entry escapes destination: " + name)
	}
	return filepath.Join(x.dest, clean), nil
}

func (x *extractor) writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600) //nolint:gosec // path is checked by target
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(r, maxExtractedBytes-x.written+1))
	x.written += n
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if x.written > maxExtractedBytes {
		return errors.New("archive expands beyond the size limit")
	}
	return nil
}

func (x *extractor) zip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if zr != nil {
			_ = zr.Close()
		}
		return err
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		target, err := x.target(f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = x.writeFile(target, rc, mode)
			_ = rc.Close()
			if err != nil {
				return err
			}
		default:
			return errors.New("unsupported archive entry type: " + f.Name)
		}
	}
	return nil
}

func (x *extractor) compressedTar(path string, format Format) error {
	f, err := os.Open(path) //nolint:gosec // see DetectFormat
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	}
	return x.tar(r)
}

func (x *extractor) tar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			continue
		case tar.TypeDir:
			target, err := x.target(hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			target, err := x.target(hdr.Name)
			if err != nil {
				return err
			}
			if err := x.writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			return errors.New("unsupported archive entry type: " + hdr.Name)
		}
	}
}
