// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// File is a Store persisted as a single JSON document. Every write
// rewrites the document through a temporary file and an atomic rename.
type File struct {
	path string

	mu     sync.RWMutex
	data   map[string]map[string]json.RawMessage
	closed bool
}

// Compile-time interface check.
var _ Store = (*File)(nil)

// OpenFile opens or creates the store at path.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, oops.Code(errutil.CodeConfigInvalid).Errorf("kv file path is required")
	}
	f := &File{path: path, data: make(map[string]map[string]json.RawMessage)}

	raw, err := os.ReadFile(path) //nolint:gosec // path comes from host configuration
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, oops.Code(errutil.CodeStorageFailed).With("path", path).Wrapf(err, "read kv file")
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f.data); err != nil {
			return nil, oops.Code(errutil.CodeStorageFailed).With("path", path).Wrapf(err, "parse kv file")
		}
	}
	return f, nil
}

// Get implements Store.
func (f *File) Get(_ context.Context, section, key string, out any) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, ErrClosed
	}
	raw, ok := f.data[section][key]
	if !ok {
		return false, nil
	}
	return true, decode(section, key, raw, out)
}

// Set implements Store.
func (f *File) Set(_ context.Context, section, key string, value any) error {
	raw, err := encode(section, key, value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.data[section] == nil {
		f.data[section] = make(map[string]json.RawMessage)
	}
	prev, had := f.data[section][key]
	f.data[section][key] = raw
	if err := f.flush(); err != nil {
		if had {
			f.data[section][key] = prev
		} else {
			delete(f.data[section], key)
		}
		return storageError("set", section, key, err)
	}
	return nil
}

// Delete implements Store.
func (f *File) Delete(_ context.Context, section, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, had := f.data[section][key]
	if !had {
		return nil
	}
	delete(f.data[section], key)
	if err := f.flush(); err != nil {
		f.data[section][key] = prev
		return storageError("delete", section, key, err)
	}
	return nil
}

// Close implements Store.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// flush writes the document atomically. Callers hold f.mu.
func (f *File) flush() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".kv-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
