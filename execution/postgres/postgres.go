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

// Package postgres provides a PostgreSQL backed node execution store.
//
// Single node updates lock the row with SELECT ... FOR UPDATE, apply the
// update and write it back inside one transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
)

var _ execution.Store = (*Store)(nil)

const defaultTable = "pipeline_node_executions"

// ServiceOpts is the options for the postgres node execution store.
type ServiceOpts struct {
	connString   string
	instanceName string
	table        string
	skipInit     bool
}

// ServiceOpt is the option for the postgres node execution store.
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

// Store keeps node executions in PostgreSQL.
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
		return nil, fmt.Errorf("node execution postgres store: %w", err)
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

// NewStoreWithClient creates a store on an existing client.
func NewStoreWithClient(client storage.Client, options ...ServiceOpt) *Store {
	opts := ServiceOpts{table: defaultTable}
	for _, option := range options {
		option(&opts)
	}
	return &Store{opts: opts, client: client}
}

// InitSchema creates the table and its indexes.
func (s *Store) InitSchema(ctx context.Context) error {
	t := s.opts.table
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	plan_execution_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_plan_status ON %s (plan_execution_id, status)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_parent ON %s (parent_id)`, t, t),
	}
	for _, stmt := range stmts {
		if _, err := s.client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init node execution schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Save implements execution.Store.
func (s *Store) Save(ctx context.Context, n *execution.NodeExecution) (*execution.NodeExecution, error) {
	rec := n.Clone()
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal node execution: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, plan_execution_id, parent_id, status, version, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.opts.table)
	_, err = s.client.ExecContext(ctx, query, rec.ID, rec.PlanExecutionID, rec.ParentID,
		string(rec.Status), rec.Version, data, rec.LastUpdatedAt)
	if _, dup := storage.UniqueViolation(err); dup {
		return nil, fmt.Errorf("%w: %s", execution.ErrAlreadyExists, rec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("save node execution %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Get implements execution.Store.
func (s *Store) Get(ctx context.Context, id string) (*execution.NodeExecution, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.opts.table)
	list, err := s.query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get node execution %s: %w", id, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return list[0], nil
}

// FetchByStatus implements execution.Store.
func (s *Store) FetchByStatus(
	ctx context.Context,
	planExecutionID string,
	statuses ...execution.Status,
) ([]*execution.NodeExecution, error) {
	where, args := whereClause(execution.Filter{PlanExecutionID: planExecutionID, Statuses: statuses})
	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s`, s.opts.table, where)
	return s.query(ctx, query, args...)
}

// FetchChildren implements execution.Store.
func (s *Store) FetchChildren(ctx context.Context, parentID string) ([]*execution.NodeExecution, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE parent_id = $1`, s.opts.table)
	return s.query(ctx, query, parentID)
}

// FindAndModify implements execution.Store.
func (s *Store) FindAndModify(
	ctx context.Context,
	f execution.Filter,
	u execution.Update,
) (*execution.NodeExecution, error) {
	if len(f.IDs) != 1 {
		return nil, execution.ErrFilterIDRequired
	}
	var out *execution.NodeExecution
	err := s.client.Transaction(ctx, func(tx *sql.Tx) error {
		nodes, err := s.lock(ctx, tx, f)
		if err != nil || len(nodes) == 0 {
			return err
		}
		n := nodes[0]
		if err := u.Apply(n, time.Now().UTC()); err != nil {
			return err
		}
		if err := s.write(ctx, tx, n); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMany implements execution.Store.
func (s *Store) UpdateMany(ctx context.Context, f execution.Filter, u execution.Update) (int, error) {
	count := 0
	err := s.client.Transaction(ctx, func(tx *sql.Tx) error {
		nodes, err := s.lock(ctx, tx, f)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, n := range nodes {
			if err := u.Apply(n, now); err != nil {
				if errors.Is(err, execution.ErrIllegalTransition) {
					continue
				}
				return err
			}
			if err := s.write(ctx, tx, n); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AppendInterruptHistory implements execution.Store.
func (s *Store) AppendInterruptHistory(ctx context.Context, id string, effect interrupt.Effect) error {
	n, err := s.FindAndModify(ctx, execution.ByID(id), execution.Update{AppendEffects: []interrupt.Effect{effect}})
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return nil
}

func (s *Store) lock(ctx context.Context, tx *sql.Tx, f execution.Filter) ([]*execution.NodeExecution, error) {
	where, args := whereClause(f)
	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s ORDER BY id FOR UPDATE`, s.opts.table, where)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lock node executions: %w", err)
	}
	defer rows.Close()
	return scan(rows)
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, n *execution.NodeExecution) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, version = $3, data = $4, updated_at = $5 WHERE id = $1`,
		s.opts.table)
	if _, err := tx.ExecContext(ctx, query, n.ID, string(n.Status), n.Version, data, n.LastUpdatedAt); err != nil {
		return fmt.Errorf("update node execution %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*execution.NodeExecution, error) {
	var out []*execution.NodeExecution
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		var err error
		out, err = scan(rows)
		return err
	}, query, args...)
	return out, err
}

func scan(rows *sql.Rows) ([]*execution.NodeExecution, error) {
	var out []*execution.NodeExecution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		n := &execution.NodeExecution{}
		if err := json.Unmarshal(data, n); err != nil {
			return nil, fmt.Errorf("unmarshal node execution: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// whereClause renders f with positional placeholders.
func whereClause(f execution.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	placeholders := func(n int) string {
		ps := make([]string, n)
		for i := range ps {
			ps[i] = fmt.Sprintf("$%d", len(args)+i+1)
		}
		return strings.Join(ps, ", ")
	}
	if f.PlanExecutionID != "" {
		conds = append(conds, fmt.Sprintf("plan_execution_id = $%d", len(args)+1))
		args = append(args, f.PlanExecutionID)
	}
	if len(f.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}
