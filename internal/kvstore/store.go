// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package kvstore provides the key-value configuration store the plugin
// host persists settings in, with memory, file, PostgreSQL and Redis
// adapters. Values are JSON-serialized transparently.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store is closed")

// Store is a sectioned key-value store.
type Store interface {
	// Get decodes the value stored under section/key into out and reports
	// whether it was found. When absent, out is left untouched so callers
	// can pre-populate it with a default.
	Get(ctx context.Context, section, key string, out any) (found bool, err error)

	// Set stores value under section/key, replacing any previous value.
	Set(ctx context.Context, section, key string, value any) error

	// Delete removes section/key. Deleting a missing key is not an error.
	Delete(ctx context.Context, section, key string) error

	// Close releases the store's resources.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and configures a store driver.
type Config struct {
	Driver        string `koanf:"driver"`
	Path          string `koanf:"path"`
	DSN           string `koanf:"dsn"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	// Migrate applies embedded schema migrations when opening PostgreSQL.
	Migrate bool `koanf:"migrate"`
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFile:
		return OpenFile(cfg.Path)
	case DriverPostgres:
		if cfg.Migrate {
			if err := MigrateUp(cfg.DSN); err != nil {
				return nil, err
			}
		}
		return OpenPostgres(ctx, cfg.DSN)
	case DriverRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, oops.Code(errutil.CodeConfigInvalid).
			With("driver", cfg.Driver).
			Errorf("unknown kv driver %q", cfg.Driver)
	}
}

func encode(section, key string, value any) ([]byte, error) {
	if section == "" || key == "" {
		return nil, oops.Code(errutil.CodeInvalidArgument).Errorf("section and key are required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).
			With("section", section).
			With("key", key).
			Wrapf(err, "encode value")
	}
	return data, nil
}

func decode(section, key string, data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return oops.Code(errutil.CodeStorageFailed).
			With("section", section).
			With("key", key).
			Wrapf(err, "decode value into %T", out)
	}
	return nil
}

func storageError(op, section, key string, err error) error {
	return oops.Code(errutil.CodeStorageFailed).
		With("operation", op).
		With("section", section).
		With("key", key).
		Wrap(fmt.Errorf("%s %s/%s: %w", op, section, key, err))
}
