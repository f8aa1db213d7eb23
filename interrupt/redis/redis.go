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

// Package redis provides a redis backed interrupt store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
)

var _ interrupt.Store = (*Store)(nil)

// saveScript inserts an interrupt record and, for active exclusive types,
// claims the per plan and type marker in the same step.
// KEYS[1]=record KEYS[2]=plan index KEYS[3]=active marker
// ARGV[1]=json ARGV[2]=id ARGV[3]=score ARGV[4]=claim marker ("1"/"0")
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -2
end
if ARGV[4] == '1' then
  if redis.call('SETNX', KEYS[3], ARGV[2]) == 0 then
    return -1
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// Store keeps interrupts in redis.
//
// Storage structure:
//
//	Record:        prefix + "interrupt:" + id -> json
//	Plan index:    prefix + "interrupt:plan:" + planID -> zset[id] scored by creation time
//	Active marker: prefix + "interrupt:active:" + planID + ":" + type -> id
type Store struct {
	opts   ServiceOpts
	client redis.UniversalClient
}

// NewStore creates a redis interrupt store.
func NewStore(options ...ServiceOpt) (*Store, error) {
	opts := ServiceOpts{
		keyPrefix:    defaultKeyPrefix,
		maxTxRetries: defaultMaxTxRetries,
	}
	for _, option := range options {
		option(&opts)
	}
	client, err := storage.NewClient(opts.url, opts.instanceName, opts.extraOptions...)
	if err != nil {
		return nil, fmt.Errorf("interrupt redis store: %w", err)
	}
	return &Store{opts: opts, client: client}, nil
}

// NewStoreWithClient creates a store on an existing client.
func NewStoreWithClient(client redis.UniversalClient, options ...ServiceOpt) *Store {
	opts := ServiceOpts{
		keyPrefix:    defaultKeyPrefix,
		maxTxRetries: defaultMaxTxRetries,
	}
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
	return s.opts.keyPrefix + "interrupt:" + id
}

func (s *Store) planKey(planID string) string {
	return s.opts.keyPrefix + "interrupt:plan:" + planID
}

func (s *Store) activeKey(planID string, t interrupt.Type) string {
	return s.opts.keyPrefix + "interrupt:active:" + planID + ":" + string(t)
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
	claim := "0"
	if rec.Type.Exclusive() && rec.Active() {
		claim = "1"
	}
	keys := []string{
		s.recordKey(rec.ID),
		s.planKey(rec.PlanExecutionID),
		s.activeKey(rec.PlanExecutionID, rec.Type),
	}
	res, err := saveScript.Run(ctx, s.client, keys,
		string(data), rec.ID, rec.CreatedAt.UnixMicro(), claim).Int64()
	if err != nil {
		return nil, fmt.Errorf("save interrupt %s: %w", rec.ID, err)
	}
	switch res {
	case -1:
		return nil, fmt.Errorf("%w: %s", interrupt.ErrActiveInterruptExists, rec.Type)
	case -2:
		return nil, fmt.Errorf("%w: %s", interrupt.ErrAlreadyExists, rec.ID)
	}
	return rec, nil
}

// Get implements interrupt.Store.
func (s *Store) Get(ctx context.Context, id string) (*interrupt.Interrupt, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", interrupt.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get interrupt %s: %w", id, err)
	}
	return decode(raw)
}

// FetchActive implements interrupt.Store.
func (s *Store) FetchActive(ctx context.Context, planExecutionID string) ([]*interrupt.Interrupt, error) {
	all, err := s.FetchAll(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, i := range all {
		if i.Active() {
			active = append(active, i)
		}
	}
	return active, nil
}

// FetchAll implements interrupt.Store.
func (s *Store) FetchAll(ctx context.Context, planExecutionID string) ([]*interrupt.Interrupt, error) {
	ids, err := s.client.ZRange(ctx, s.planKey(planExecutionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list interrupts of %s: %w", planExecutionID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for idx, id := range ids {
		keys[idx] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load interrupts of %s: %w", planExecutionID, err)
	}
	out := make([]*interrupt.Interrupt, 0, len(vals))
	for idx, v := range vals {
		str, ok := v.(string)
		if !ok {
			log.Warnf("[InterruptStore] dangling index entry %s for plan %s", ids[idx], planExecutionID)
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

// MarkProcessing implements interrupt.Store.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*interrupt.Interrupt, error) {
	return s.transition(ctx, id, func(rec *interrupt.Interrupt) (bool, error) {
		if rec.State.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", interrupt.ErrInvalidState, id, rec.State)
		}
		rec.State = interrupt.StateProcessing
		return true, nil
	})
}

// MarkProcessed implements interrupt.Store.
func (s *Store) MarkProcessed(ctx context.Context, id string, state interrupt.State) (*interrupt.Interrupt, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", interrupt.ErrInvalidState, state)
	}
	return s.transition(ctx, id, func(rec *interrupt.Interrupt) (bool, error) {
		if rec.State.Terminal() {
			return false, nil
		}
		rec.State = state
		return true, nil
	})
}

// transition applies mutate under WATCH so that a concurrent writer forces
// a retry instead of a lost update. Reaching a terminal state releases the
// active marker when it still points at this interrupt.
func (s *Store) transition(
	ctx context.Context,
	id string,
	mutate func(*interrupt.Interrupt) (bool, error),
) (*interrupt.Interrupt, error) {
	key := s.recordKey(id)
	var out *interrupt.Interrupt
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", interrupt.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		changed, err := mutate(rec)
		if err != nil {
			return err
		}
		if !changed {
			out = rec
			return nil
		}
		rec.LastUpdatedAt = time.Now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal interrupt: %w", err)
		}
		release := false
		activeKey := s.activeKey(rec.PlanExecutionID, rec.Type)
		if rec.Type.Exclusive() && rec.State.Terminal() {
			if err := tx.Watch(ctx, activeKey).Err(); err != nil {
				return err
			}
			holder, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			release = holder == id
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if release {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
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
	return nil, fmt.Errorf("update interrupt %s: too much contention", id)
}

func decode(raw []byte) (*interrupt.Interrupt, error) {
	rec := &interrupt.Interrupt{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("unmarshal interrupt: %w", err)
	}
	return rec, nil
}
