// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// CalculateHash returns the hex SHA-256 over every regular file in dir
// (manifest included) in sorted path order. The signature file and
// dot-directories are excluded so signing does not change the hash.
// A symbolic link anywhere else fails the hash.
func (m *Manager) CalculateHash(dir string) (string, error) {
	return HashDir(dir)
}

// HashDir is CalculateHash without a Manager.
func HashDir(dir string) (string, error) {
	fail := oops.Code(errutil.CodeSecurityViolation).In("security").With("path", dir)

	if _, err := os.Stat(filepath.Join(dir, plugin.ManifestFile)); err != nil {
		return "", fail.Wrapf(err, "manifest missing")
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return oops.With("file", filepath.ToSlash(rel)).Errorf("symbolic link %s is not allowed in a plugin", filepath.ToSlash(rel))
		}
		if !d.Type().IsRegular() || d.Name() == SignatureFile {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fail.Wrapf(err, "list plugin files")
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		_, _ = io.WriteString(h, rel)
		_, _ = h.Write([]byte{0})
		if err := hashFile(h, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return "", fail.With("file", rel).Wrap(err)
		}
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from walking the plugin directory
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
