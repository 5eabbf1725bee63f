// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/pkg/errutil"
)

func TestPostgres_Get(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantFound bool
		wantValue map[string]any
		wantCode  string
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM kv_entries`).
					WithArgs("plugins", "echo").
					WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"enabled":true}`)))
			},
			wantFound: true,
			wantValue: map[string]any{"enabled": true},
		},
		{
			name: "missing",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM kv_entries`).
					WithArgs("plugins", "echo").
					WillReturnError(pgx.ErrNoRows)
			},
			wantFound: false,
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM kv_entries`).
					WithArgs("plugins", "echo").
					WillReturnError(errors.New("connection refused"))
			},
			wantCode: errutil.CodeStorageFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()
			tt.setupMock(mock)

			store := NewPostgres(mock)
			var out map[string]any
			found, err := store.Get(context.Background(), "plugins", "echo", &out)
			if tt.wantCode != "" {
				errutil.AssertErrorCode(t, err, tt.wantCode)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantFound, found)
				assert.Equal(t, tt.wantValue, out)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_SetAndDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO kv_entries`).
		WithArgs("plugins", "echo", []byte(`{"enabled":false}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM kv_entries`).
		WithArgs("plugins", "echo").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	store := NewPostgres(mock)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "plugins", "echo", map[string]bool{"enabled": false}))
	require.NoError(t, store.Delete(ctx, "plugins", "echo"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MissingTableHint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO kv_entries`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "kv_entries" does not exist`})

	err = NewPostgres(mock).Set(context.Background(), "plugins", "echo", 1)
	errutil.AssertErrorCode(t, err, errutil.CodeStorageFailed)
	errutil.AssertErrorContext(t, err, "sqlstate", pgerrcode.UndefinedTable)
	assert.False(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	connErr := classify("set", "plugins", "echo", &pgconn.PgError{Code: pgerrcode.ConnectionFailure})
	assert.True(t, IsRetryable(connErr))

	deadlock := classify("set", "plugins", "echo", &pgconn.PgError{Code: pgerrcode.DeadlockDetected})
	assert.True(t, IsRetryable(deadlock))

	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrClosed))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u@h/db", migrateURL("postgres://u@h/db"))
	assert.Equal(t, "pgx5://u@h/db", migrateURL("postgresql://u@h/db"))
	assert.Equal(t, "pgx5://u@h/db", migrateURL("pgx5://u@h/db"))
}
