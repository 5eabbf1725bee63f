// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kvstore

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// poolIface is the subset of pgxpool.Pool the adapter uses; pgxmock
// satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Postgres is a Store backed by the kv_entries table.
type Postgres struct {
	pool poolIface
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, oops.Code(errutil.CodeConfigInvalid).Errorf("kv dsn is required for postgres")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).With("operation", "connect").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code(errutil.CodeStorageFailed).With("operation", "ping").Wrap(err)
	}
	return NewPostgres(pool), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool poolIface) *Postgres {
	return &Postgres{pool: pool}
}

const (
	getSQL    = `SELECT value FROM kv_entries WHERE section = $1 AND key = $2`
	upsertSQL = `INSERT INTO kv_entries (section, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (section, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteSQL = `DELETE FROM kv_entries WHERE section = $1 AND key = $2`
)

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, section, key string, out any) (bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, getSQL, section, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("get", section, key, err)
	}
	return true, decode(section, key, raw, out)
}

// Set implements Store.
func (p *Postgres) Set(ctx context.Context, section, key string, value any) error {
	raw, err := encode(section, key, value)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, upsertSQL, section, key, raw); err != nil {
		return classify("set", section, key, err)
	}
	return nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, section, key string) error {
	if _, err := p.pool.Exec(ctx, deleteSQL, section, key); err != nil {
		return classify("delete", section, key, err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// classify wraps a database error, adding a hint for a missing schema and
// marking connection failures as retryable.
func classify(op, section, key string, err error) error {
	b := oops.Code(errutil.CodeStorageFailed).
		In("kvstore").
		With("operation", op).
		With("section", section).
		With("key", key)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		b = b.With("sqlstate", pgErr.Code)
		switch {
		case pgErr.Code == pgerrcode.UndefinedTable:
			b = b.Hint("run migrations: the kv_entries table does not exist")
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected:
			b = b.With("retryable", true)
		}
	}
	return b.Wrap(err)
}

// IsRetryable reports whether err is a transient storage failure that may
// succeed if retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) {
		return false
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if retry, ok := oopsErr.Context()["retryable"].(bool); ok {
			return retry
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code)
	}
	return errors.Is(err, context.DeadlineExceeded)
}
