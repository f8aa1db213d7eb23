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

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/config"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	execpg "trpc.group/trpc-go/trpc-pipeline-go/execution/postgres"
	execredis "trpc.group/trpc-go/trpc-pipeline-go/execution/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/execution/storetest"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	intrredis "trpc.group/trpc-go/trpc-pipeline-go/interrupt/redis"
	storagepg "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
)

func TestDaemonInMemory(t *testing.T) {
	ctx := context.Background()
	d, err := newDaemon(ctx, config.Default())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.nodes.Save(ctx, storetest.Node("a", "p1", "", execution.StatusRunning))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/plans/p1/interrupts", strings.NewReader(`{"type":"PAUSE_ALL"}`))
	rec := httptest.NewRecorder()
	d.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	active, err := d.manager.List(ctx, "p1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, interrupt.TypePauseAll, active[0].Type)
}

func TestDaemonRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.URL = "redis://" + mr.Addr()
	cfg.Events.Backend = config.EventsRedis
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	d, err := newDaemon(ctx, cfg)
	require.NoError(t, err)
	defer d.Close()
	assert.IsType(t, &execredis.Store{}, d.nodes)
	assert.IsType(t, &intrredis.Store{}, d.interrupts)

	_, err = d.nodes.Save(ctx, storetest.Node("a", "p1", "", execution.StatusRunning))
	require.NoError(t, err)
	got, err := d.manager.Register(ctx, interrupt.New("p1", interrupt.TypeAbortAll))
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessedSuccessfully, got.State)

	a, err := d.nodes.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAborted, a.Status)
}

func TestDaemonPostgresInitsSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	old := storagepg.GetClientBuilder()
	storagepg.SetClientBuilder(func(context.Context, ...storagepg.ClientBuilderOpt) (storagepg.Client, error) {
		return storagepg.NewClientFromDB(db), nil
	})
	defer storagepg.SetClientBuilder(old)

	for range 6 {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectClose()

	cfg := config.Default()
	cfg.Store.Backend = config.BackendPostgres
	cfg.Store.Postgres.DSN = "postgres://pipeline@localhost/pipeline"
	d, err := newDaemon(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &execpg.Store{}, d.nodes)
	d.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDaemonUnknownRedisInstance(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Instance = "unregistered"
	_, err := newDaemon(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSampleConfig(t *testing.T) {
	cfg, err := config.Load("pipelined.yaml")
	require.NoError(t, err)
	assert.Equal(t, config.BackendInMemory, cfg.Store.Backend)
	assert.Equal(t, "pipelined", cfg.Telemetry.ServiceName)
}
