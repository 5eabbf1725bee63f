// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kvstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// keyPrefix namespaces the hashes the Redis adapter writes.
const keyPrefix = "plughost:kv:"

// RedisOptions configures the Redis adapter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Store keeping one hash per section.
type Redis struct {
	client *redis.Client
}

// Compile-time interface check.
var _ Store = (*Redis)(nil)

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, oops.Code(errutil.CodeConfigInvalid).Errorf("kv redis_addr is required for redis")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code(errutil.CodeStorageFailed).
			With("addr", opts.Addr).
			With("retryable", true).
			Wrapf(err, "ping redis")
	}
	return &Redis{client: client}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, section, key string, out any) (bool, error) {
	raw, err := r.client.HGet(ctx, keyPrefix+section, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storageError("get", section, key, err)
	}
	return true, decode(section, key, raw, out)
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, section, key string, value any) error {
	raw, err := encode(section, key, value)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, keyPrefix+section, key, raw).Err(); err != nil {
		return storageError("set", section, key, err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, section, key string) error {
	if err := r.client.HDel(ctx, keyPrefix+section, key).Err(); err != nil {
		return storageError("delete", section, key, err)
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return oops.Code(errutil.CodeStorageFailed).Wrap(err)
	}
	return nil
}
