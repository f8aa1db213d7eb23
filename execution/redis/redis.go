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

// Package redis provides a redis backed node execution store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
)

var _ execution.Store = (*Store)(nil)

const (
	defaultKeyPrefix    = "pipeline:"
	defaultMaxTxRetries = 16
)

// saveScript inserts a node record and indexes it.
// KEYS[1]=record KEYS[2]=plan set KEYS[3]=children set of the parent
// ARGV[1]=json ARGV[2]=id ARGV[3]=has parent ("1"/"0")
var saveScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
if ARGV[3] == '1' then
  redis.call('SADD', KEYS[3], ARGV[2])
end
return 1
`)

var errNoMatch = errors.New("no match")

// ServiceOpts is the options for the redis node execution store.
type ServiceOpts struct {
	url          string
	instanceName string
	keyPrefix    string
	maxTxRetries int
}

// ServiceOpt is the option for the redis node execution store.
type ServiceOpt func(*ServiceOpts)

// WithRedisClientURL creates a redis client from URL.
func WithRedisClientURL(url string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
func WithRedisInstance(instanceName string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.instanceName = instanceName
	}
}

// WithKeyPrefix sets the prefix of every key written by the store.
func WithKeyPrefix(prefix string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.keyPrefix = prefix
	}
}

// WithMaxTxRetries bounds optimistic transaction retries on contention.
func WithMaxTxRetries(n int) ServiceOpt {
	return func(opts *ServiceOpts) {
		if n > 0 {
			opts.maxTxRetries = n
		}
	}
}

// Store keeps node executions in redis. Single node updates are optimistic
// transactions on the record key.
//
// Storage structure:
//
//	Record:   prefix + "node:" + id -> json
//	Plan:     prefix + "node:plan:" + planID -> set[id]
//	Children: prefix + "node:children:" + parentID -> set[id]
type Store struct {
	opts   ServiceOpts
	client redis.UniversalClient
}

// NewStore creates a redis node execution store.
func NewStore(options ...ServiceOpt) (*Store, error) {
	opts := ServiceOpts{keyPrefix: defaultKeyPrefix, maxTxRetries: defaultMaxTxRetries}
	for _, option := range options {
		option(&opts)
	}
	client, err := storage.NewClient(opts.url, opts.instanceName)
	if err != nil {
		return nil, fmt.Errorf("node execution redis store: %w", err)
	}
	return &Store{opts: opts, client: client}, nil
}

// NewStoreWithClient creates a store on an existing client.
func NewStoreWithClient(client redis.UniversalClient, options ...ServiceOpt) *Store {
	opts := ServiceOpts{keyPrefix: defaultKeyPrefix, maxTxRetries: defaultMaxTxRetries}
	for _, option := range options {
		option(&opts)
	}
	return &Store{opts: opts, client: client}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(id string) string {
	return s.opts.keyPrefix + "node:" + id
}

func (s *Store) planKey(planID string) string {
	return s.opts.keyPrefix + "node:plan:" + planID
}

func (s *Store) childrenKey(parentID string) string {
	return s.opts.keyPrefix + "node:children:" + parentID
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
	hasParent := "0"
	if rec.ParentID != "" {
		hasParent = "1"
	}
	keys := []string{s.recordKey(rec.ID), s.planKey(rec.PlanExecutionID), s.childrenKey(rec.ParentID)}
	ok, err := saveScript.Run(ctx, s.client, keys, string(data), rec.ID, hasParent).Int64()
	if err != nil {
		return nil, fmt.Errorf("save node execution %s: %w", rec.ID, err)
	}
	if ok == 0 {
		return nil, fmt.Errorf("%w: %s", execution.ErrAlreadyExists, rec.ID)
	}
	return rec, nil
}

// Get implements execution.Store.
func (s *Store) Get(ctx context.Context, id string) (*execution.NodeExecution, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node execution %s: %w", id, err)
	}
	return decode(raw)
}

// FetchByStatus implements execution.Store. The records are read with one
// MGET so the result is a consistent snapshot.
func (s *Store) FetchByStatus(
	ctx context.Context,
	planExecutionID string,
	statuses ...execution.Status,
) ([]*execution.NodeExecution, error) {
	ids, err := s.client.SMembers(ctx, s.planKey(planExecutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list node executions of %s: %w", planExecutionID, err)
	}
	nodes, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	f := execution.Filter{PlanExecutionID: planExecutionID, Statuses: statuses}
	out := nodes[:0]
	for _, n := range nodes {
		if f.Matches(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// FetchChildren implements execution.Store.
func (s *Store) FetchChildren(ctx context.Context, parentID string) ([]*execution.NodeExecution, error) {
	ids, err := s.client.SMembers(ctx, s.childrenKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	return s.load(ctx, ids)
}

func (s *Store) load(ctx context.Context, ids []string) ([]*execution.NodeExecution, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load node executions: %w", err)
	}
	out := make([]*execution.NodeExecution, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			log.Warnf("[NodeStore] dangling index entry %s", ids[i])
			continue
		}
		n, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
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
	n, err := s.modify(ctx, f.IDs[0], f, u)
	if errors.Is(err, errNoMatch) {
		return nil, nil
	}
	return n, err
}

// UpdateMany implements execution.Store.
func (s *Store) UpdateMany(ctx context.Context, f execution.Filter, u execution.Update) (int, error) {
	ids := f.IDs
	if len(ids) == 0 {
		if f.PlanExecutionID == "" {
			return 0, errors.New("update many needs ids or a plan execution id")
		}
		var err error
		ids, err = s.client.SMembers(ctx, s.planKey(f.PlanExecutionID)).Result()
		if err != nil {
			return 0, fmt.Errorf("list node executions of %s: %w", f.PlanExecutionID, err)
		}
	}
	count := 0
	for _, id := range ids {
		_, err := s.modify(ctx, id, f, u)
		switch {
		case err == nil:
			count++
		case errors.Is(err, errNoMatch), errors.Is(err, execution.ErrIllegalTransition):
		default:
			return count, err
		}
	}
	return count, nil
}

// AppendInterruptHistory implements execution.Store.
func (s *Store) AppendInterruptHistory(ctx context.Context, id string, effect interrupt.Effect) error {
	_, err := s.modify(ctx, id, execution.ByID(id), execution.Update{AppendEffects: []interrupt.Effect{effect}})
	if errors.Is(err, errNoMatch) {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return err
}

// modify reads, filters and rewrites one record under WATCH. It returns
// errNoMatch when the record is missing or filtered out.
func (s *Store) modify(
	ctx context.Context,
	id string,
	f execution.Filter,
	u execution.Update,
) (*execution.NodeExecution, error) {
	key := s.recordKey(id)
	var out *execution.NodeExecution
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errNoMatch
		}
		if err != nil {
			return err
		}
		n, err := decode(raw)
		if err != nil {
			return err
		}
		if !f.Matches(n) {
			return errNoMatch
		}
		if err := u.Apply(n, time.Now().UTC()); err != nil {
			return err
		}
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = n
		return nil
	}
	for attempt := 0; attempt < s.opts.maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update node execution %s: too much contention", id)
}

func decode(raw []byte) (*execution.NodeExecution, error) {
	n := &execution.NodeExecution{}
	if err := json.Unmarshal(raw, n); err != nil {
		return nil, fmt.Errorf("unmarshal node execution: %w", err)
	}
	return n, nil
}
