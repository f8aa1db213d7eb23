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

// Package postgres provides a PostgreSQL backed interrupt store.
//
// Exclusivity is enforced by a partial unique index over the active rows of
// exclusive interrupt types, so two concurrent registrations cannot both win.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
)

var _ interrupt.Store = (*Store)(nil)

const (
	defaultTable = "pipeline_interrupts"

	activeStates = "('REGISTERED', 'PROCESSING')"
)

// ServiceOpts is the options for the postgres interrupt store.
type ServiceOpts struct {
	connString   string
	instanceName string
	table        string
	skipInit     bool
}

// ServiceOpt is the option for the postgres interrupt store.
type ServiceOpt func(*ServiceOpts)

// WithConnString sets the postgres connection string.
func WithConnString(connString string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.connString = connString
	}
}

// WithPostgresInstance uses an instance registered in storage/postgres.
func WithPostgresInstance(name string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.instanceName = name
	}
}

// WithTable overrides the table name.
func WithTable(table string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.table = table
	}
}

// WithSkipSchemaInit disables table creation in NewStore.
func WithSkipSchemaInit(skip bool) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.skipInit = skip
	}
}

// Store keeps interrupts in PostgreSQL. The full record lives in a JSONB
// column; state and updated_at are authoritative columns so that state
// changes are single conditional updates.
type Store struct {
	opts   ServiceOpts
	client storage.Client
}

// NewStore connects and, unless skipped, creates the schema.
func NewStore(ctx context.Context, options ...ServiceOpt) (*Store, error) {
	opts := ServiceOpts{table: defaultTable}
	for _, option := range options {
		option(&opts)
	}
	client, err := storage.NewClient(ctx, opts.connString, opts.instanceName)
	if err != nil {
		return nil, fmt.Errorf("interrupt postgres store: %w", err)
	}
	s := &Store{opts: opts, client: client}
	if !opts.skipInit {
		if err := s.InitSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewStoreWithClient creates a store on an existing client without
// touching the schema.
func NewStoreWithClient(client storage.Client, options ...ServiceOpt) *Store {
	opts := ServiceOpts{table: defaultTable}
	for _, option := range options {
		option(&opts)
	}
	return &Store{opts: opts, client: client}
}

func (s *Store) activeIndex() string {
	return s.opts.table + "_active_exclusive"
}

// InitSchema creates the table and its indexes.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	plan_execution_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state TEXT NOT NULL,
	exclusive BOOLEAN NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_plan ON %s (plan_execution_id, created_at)`,
			s.opts.table, s.opts.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (plan_execution_id, type) WHERE exclusive AND state IN %s`,
			s.activeIndex(), s.opts.table, activeStates),
	}
	for _, stmt := range stmts {
		if _, err := s.client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init interrupt schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Save implements interrupt.Store.
func (s *Store) Save(ctx context.Context, i *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	rec := i.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = rec.CreatedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal interrupt: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, plan_execution_id, type, state, exclusive, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.opts.table)
	_, err = s.client.ExecContext(ctx, query, rec.ID, rec.PlanExecutionID, string(rec.Type),
		string(rec.State), rec.Type.Exclusive(), data, rec.CreatedAt, rec.LastUpdatedAt)
	if constraint, ok := storage.UniqueViolation(err); ok {
		if constraint == s.activeIndex() {
			return nil, fmt.Errorf("%w: %s", interrupt.ErrActiveInterruptExists, rec.Type)
		}
		return nil, fmt.Errorf("%w: %s", interrupt.ErrAlreadyExists, rec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("save interrupt %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Get implements interrupt.Store.
func (s *Store) Get(ctx context.Context, id string) (*interrupt.Interrupt, error) {
	query := fmt.Sprintf(`SELECT data, state, updated_at FROM %s WHERE id = $1`, s.opts.table)
	list, err := s.queryRecords(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get interrupt %s: %w", id, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", interrupt.ErrNotFound, id)
	}
	return list[0], nil
}

// FetchActive implements interrupt.Store.
func (s *Store) FetchActive(ctx context.Context, planExecutionID string) ([]*interrupt.Interrupt, error) {
	query := fmt.Sprintf(`SELECT data, state, updated_at FROM %s
WHERE plan_execution_id = $1 AND state IN %s ORDER BY created_at`, s.opts.table, activeStates)
	return s.queryRecords(ctx, query, planExecutionID)
}

// FetchAll implements interrupt.Store.
func (s *Store) FetchAll(ctx context.Context, planExecutionID string) ([]*interrupt.Interrupt, error) {
	query := fmt.Sprintf(`SELECT data, state, updated_at FROM %s
WHERE plan_execution_id = $1 ORDER BY created_at`, s.opts.table)
	return s.queryRecords(ctx, query, planExecutionID)
}

// MarkProcessing implements interrupt.Store.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*interrupt.Interrupt, error) {
	rec, err := s.updateActive(ctx, id, interrupt.StateProcessing)
	if err != nil || rec != nil {
		return rec, err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", interrupt.ErrInvalidState, id, cur.State)
}

// MarkProcessed implements interrupt.Store.
func (s *Store) MarkProcessed(ctx context.Context, id string, state interrupt.State) (*interrupt.Interrupt, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", interrupt.ErrInvalidState, state)
	}
	rec, err := s.updateActive(ctx, id, state)
	if err != nil || rec != nil {
		return rec, err
	}
	// Already terminal or missing.
	return s.Get(ctx, id)
}

// updateActive moves an active row to state. It returns nil when no active
// row matched.
func (s *Store) updateActive(ctx context.Context, id string, state interrupt.State) (*interrupt.Interrupt, error) {
	query := fmt.Sprintf(`UPDATE %s SET state = $2, updated_at = $3
WHERE id = $1 AND state IN %s RETURNING data, state, updated_at`, s.opts.table, activeStates)
	list, err := s.queryRecords(ctx, query, id, string(state), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("update interrupt %s: %w", id, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*interrupt.Interrupt, error) {
	var out []*interrupt.Interrupt
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				data      []byte
				state     string
				updatedAt time.Time
			)
			if err := rows.Scan(&data, &state, &updatedAt); err != nil {
				return err
			}
			rec := &interrupt.Interrupt{}
			if err := json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("unmarshal interrupt: %w", err)
			}
			rec.State = interrupt.State(state)
			rec.LastUpdatedAt = updatedAt.UTC()
			out = append(out, rec)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
