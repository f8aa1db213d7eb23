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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithClient(storage.NewClientFromDB(db)), mock
}

func recordRow(t *testing.T, i *interrupt.Interrupt) *sqlmock.Rows {
	t.Helper()
	data, err := json.Marshal(i)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"data", "state", "updated_at"}).
		AddRow(data, string(i.State), i.LastUpdatedAt)
}

func TestInitSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pipeline_interrupts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS pipeline_interrupts_plan").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS pipeline_interrupts_active_exclusive").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.InitSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave(t *testing.T) {
	s, mock := newMockStore(t)
	in := interrupt.New("plan-1", interrupt.TypeAbortAll)
	mock.ExpectExec("INSERT INTO pipeline_interrupts").
		WithArgs(in.ID, "plan-1", "ABORT_ALL", "REGISTERED", true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	saved, err := s.Save(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.ID, saved.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUniqueViolations(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		want       error
	}{
		{"active exclusive", "pipeline_interrupts_active_exclusive", interrupt.ErrActiveInterruptExists},
		{"primary key", "pipeline_interrupts_pkey", interrupt.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec("INSERT INTO pipeline_interrupts").
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: tt.constraint})
			_, err := s.Save(context.Background(), interrupt.New("plan-1", interrupt.TypePauseAll))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGet(t *testing.T) {
	s, mock := newMockStore(t)
	in := interrupt.New("plan-1", interrupt.TypeRetry, interrupt.WithNodeExecutionID("n-1"))
	stored := in.Clone()
	stored.State = interrupt.StateProcessing
	stored.LastUpdatedAt = time.Now().UTC()

	// The state column wins over the stale JSON copy.
	data, err := json.Marshal(in)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT data, state, updated_at FROM pipeline_interrupts WHERE id").
		WithArgs(in.ID).
		WillReturnRows(sqlmock.NewRows([]string{"data", "state", "updated_at"}).
			AddRow(data, "PROCESSING", stored.LastUpdatedAt))
	got, err := s.Get(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessing, got.State)
	assert.Equal(t, "n-1", got.NodeExecutionID)

	mock.ExpectQuery("SELECT data, state, updated_at FROM pipeline_interrupts WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data", "state", "updated_at"}))
	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, interrupt.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchActive(t *testing.T) {
	s, mock := newMockStore(t)
	a := interrupt.New("plan-1", interrupt.TypePauseAll)
	b := interrupt.New("plan-1", interrupt.TypeRetry)
	da, _ := json.Marshal(a)
	db, _ := json.Marshal(b)
	mock.ExpectQuery("WHERE plan_execution_id = .+ AND state IN").
		WithArgs("plan-1").
		WillReturnRows(sqlmock.NewRows([]string{"data", "state", "updated_at"}).
			AddRow(da, "REGISTERED", a.LastUpdatedAt).
			AddRow(db, "PROCESSING", b.LastUpdatedAt))

	list, err := s.FetchActive(context.Background(), "plan-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, interrupt.StateProcessing, list[1].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	in := interrupt.New("plan-1", interrupt.TypeAbortAll)
	done := in.Clone()
	done.State = interrupt.StateProcessedSuccessfully

	mock.ExpectQuery("UPDATE pipeline_interrupts SET state").
		WithArgs(in.ID, "PROCESSED_SUCCESSFULLY", sqlmock.AnyArg()).
		WillReturnRows(recordRow(t, done))
	got, err := s.MarkProcessed(context.Background(), in.ID, interrupt.StateProcessedSuccessfully)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessedSuccessfully, got.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedAlreadyTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	in := interrupt.New("plan-1", interrupt.TypeAbortAll, interrupt.WithState(interrupt.StateDiscarded))

	mock.ExpectQuery("UPDATE pipeline_interrupts SET state").
		WillReturnRows(sqlmock.NewRows([]string{"data", "state", "updated_at"}))
	mock.ExpectQuery("SELECT data, state, updated_at FROM pipeline_interrupts WHERE id").
		WithArgs(in.ID).
		WillReturnRows(recordRow(t, in))

	got, err := s.MarkProcessed(context.Background(), in.ID, interrupt.StateProcessedSuccessfully)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateDiscarded, got.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedRejectsActiveState(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.MarkProcessed(context.Background(), "x", interrupt.StateRegistered)
	require.ErrorIs(t, err, interrupt.ErrInvalidState)
}

func TestMarkProcessing(t *testing.T) {
	s, mock := newMockStore(t)
	in := interrupt.New("plan-1", interrupt.TypeRetry)
	processing := in.Clone()
	processing.State = interrupt.StateProcessing

	mock.ExpectQuery("UPDATE pipeline_interrupts SET state").
		WithArgs(in.ID, "PROCESSING", sqlmock.AnyArg()).
		WillReturnRows(recordRow(t, processing))
	got, err := s.MarkProcessing(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessing, got.State)

	terminal := in.Clone()
	terminal.State = interrupt.StateProcessedUnsuccessfully
	mock.ExpectQuery("UPDATE pipeline_interrupts SET state").
		WillReturnRows(sqlmock.NewRows([]string{"data", "state", "updated_at"}))
	mock.ExpectQuery("SELECT data, state, updated_at FROM pipeline_interrupts WHERE id").
		WillReturnRows(recordRow(t, terminal))
	_, err = s.MarkProcessing(context.Background(), in.ID)
	require.ErrorIs(t, err, interrupt.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}
