//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	old := postgresRegistry
	postgresRegistry = map[string][]ClientBuilderOpt{}
	registryMu.Unlock()
	oldBuilder := GetClientBuilder()
	t.Cleanup(func() {
		registryMu.Lock()
		postgresRegistry = old
		registryMu.Unlock()
		SetClientBuilder(oldBuilder)
	})
}

func TestDefaultClientBuilder_EmptyConnString(t *testing.T) {
	_, err := defaultClientBuilder(context.Background())
	require.EqualError(t, err, "postgres: connection string is empty")
}

func TestDefaultClientBuilder_InvalidConnString(t *testing.T) {
	_, err := defaultClientBuilder(context.Background(), WithClientConnString("invalid connection string"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres")
}

func TestRegisterAndGetPostgresInstance(t *testing.T) {
	isolate(t)
	RegisterPostgresInstance("main", WithClientConnString("postgres://u:p@127.0.0.1:5432/db"))
	RegisterPostgresInstance("main", WithMaxOpenConns(4), WithExtraOptions("x"))

	opts, ok := GetPostgresInstance("main")
	require.True(t, ok)
	cfg := &ClientBuilderOpts{}
	for _, opt := range opts {
		opt(cfg)
	}
	require.Equal(t, "postgres://u:p@127.0.0.1:5432/db", cfg.ConnString)
	require.Equal(t, 4, cfg.MaxOpenConns)
	require.Equal(t, []any{"x"}, cfg.ExtraOptions)

	_, ok = GetPostgresInstance("missing")
	require.False(t, ok)
}

func TestNewClient(t *testing.T) {
	isolate(t)
	var seen string
	SetClientBuilder(func(ctx context.Context, opts ...ClientBuilderOpt) (Client, error) {
		cfg := &ClientBuilderOpts{}
		for _, opt := range opts {
			opt(cfg)
		}
		seen = cfg.ConnString
		return nil, nil
	})

	_, err := NewClient(context.Background(), "", "")
	require.Error(t, err)

	_, err = NewClient(context.Background(), "postgres://a", "")
	require.NoError(t, err)
	require.Equal(t, "postgres://a", seen)

	_, err = NewClient(context.Background(), "", "missing")
	require.ErrorContains(t, err, "instance missing not found")

	RegisterPostgresInstance("inst", WithClientConnString("postgres://b"))
	_, err = NewClient(context.Background(), "", "inst")
	require.NoError(t, err)
	require.Equal(t, "postgres://b", seen)
}

func TestUniqueViolation(t *testing.T) {
	name, ok := UniqueViolation(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "23505", ConstraintName: "idx"}))
	require.True(t, ok)
	require.Equal(t, "idx", name)
	_, ok = UniqueViolation(&pgconn.PgError{Code: "40001"})
	require.False(t, ok)
	_, ok = UniqueViolation(errors.New("plain"))
	require.False(t, ok)
}

func TestSQLClient_ExecAndQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClientFromDB(db)

	mock.ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 2))
	res, err := c.ExecContext(context.Background(), "DELETE FROM t")
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	mock.ExpectQuery("SELECT id FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	var ids []string
	err = c.Query(context.Background(), func(rows *sql.Rows) error {
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	}, "SELECT id FROM t")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	mock.ExpectQuery("SELECT broken").WillReturnError(errors.New("boom"))
	err = c.Query(context.Background(), func(*sql.Rows) error { return nil }, "SELECT broken")
	require.ErrorContains(t, err, "boom")

	mock.ExpectClose()
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLClient_Transaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	c := NewClientFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = c.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE t")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = c.Transaction(context.Background(), func(tx *sql.Tx) error {
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	mock.ExpectBegin()
	mock.ExpectRollback()
	require.Panics(t, func() {
		_ = c.Transaction(context.Background(), func(tx *sql.Tx) error {
			panic("boom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}
