// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kvstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Values are kept JSON-encoded so callers
// observe the same copy semantics as the persistent adapters.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, section, key string, out any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	raw, ok := m.data[section][key]
	if !ok {
		return false, nil
	}
	return true, decode(section, key, raw, out)
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, section, key string, value any) error {
	raw, err := encode(section, key, value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.data[section] == nil {
		m.data[section] = make(map[string][]byte)
	}
	m.data[section][key] = raw
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, section, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data[section], key)
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
