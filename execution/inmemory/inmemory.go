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

// Package inmemory provides an in-process node execution store.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

var _ execution.Store = (*Store)(nil)

// Store keeps node executions in memory.
type Store struct {
	mu     sync.RWMutex
	nodes  map[string]*execution.NodeExecution
	byPlan map[string][]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		nodes:  make(map[string]*execution.NodeExecution),
		byPlan: make(map[string][]string),
	}
}

// Save implements execution.Store.
func (s *Store) Save(_ context.Context, n *execution.NodeExecution) (*execution.NodeExecution, error) {
	rec := n.Clone()
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[rec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrAlreadyExists, rec.ID)
	}
	s.nodes[rec.ID] = rec
	s.byPlan[rec.PlanExecutionID] = append(s.byPlan[rec.PlanExecutionID], rec.ID)
	return rec.Clone(), nil
}

// Get implements execution.Store.
func (s *Store) Get(_ context.Context, id string) (*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return n.Clone(), nil
}

// FetchByStatus implements execution.Store.
func (s *Store) FetchByStatus(
	_ context.Context,
	planExecutionID string,
	statuses ...execution.Status,
) ([]*execution.NodeExecution, error) {
	f := execution.Filter{PlanExecutionID: planExecutionID, Statuses: statuses}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*execution.NodeExecution
	for _, id := range s.byPlan[planExecutionID] {
		if n := s.nodes[id]; f.Matches(n) {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// FetchChildren implements execution.Store.
func (s *Store) FetchChildren(_ context.Context, parentID string) ([]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, nil
	}
	var out []*execution.NodeExecution
	for _, id := range s.byPlan[parent.PlanExecutionID] {
		if n := s.nodes[id]; n.ParentID == parentID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// FindAndModify implements execution.Store.
func (s *Store) FindAndModify(
	_ context.Context,
	f execution.Filter,
	u execution.Update,
) (*execution.NodeExecution, error) {
	if len(f.IDs) != 1 {
		return nil, execution.ErrFilterIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[f.IDs[0]]
	if !ok || !f.Matches(n) {
		return nil, nil
	}
	next := n.Clone()
	if err := u.Apply(next, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.nodes[n.ID] = next
	return next.Clone(), nil
}

// UpdateMany implements execution.Store.
func (s *Store) UpdateMany(_ context.Context, f execution.Filter, u execution.Update) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, id := range s.candidates(f) {
		n := s.nodes[id]
		if !f.Matches(n) {
			continue
		}
		next := n.Clone()
		if err := u.Apply(next, now); err != nil {
			if errors.Is(err, execution.ErrIllegalTransition) {
				continue
			}
			return count, err
		}
		s.nodes[id] = next
		count++
	}
	return count, nil
}

func (s *Store) candidates(f execution.Filter) []string {
	if f.PlanExecutionID != "" {
		return s.byPlan[f.PlanExecutionID]
	}
	if len(f.IDs) > 0 {
		var out []string
		for _, id := range f.IDs {
			if _, ok := s.nodes[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	return out
}

// AppendInterruptHistory implements execution.Store.
func (s *Store) AppendInterruptHistory(_ context.Context, id string, effect interrupt.Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	next := n.Clone()
	if err := (execution.Update{AppendEffects: []interrupt.Effect{effect}}).Apply(next, time.Now().UTC()); err != nil {
		return err
	}
	s.nodes[id] = next
	return nil
}
