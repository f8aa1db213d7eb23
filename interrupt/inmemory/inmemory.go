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

// Package inmemory provides an in-process interrupt store.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

var _ interrupt.Store = (*Store)(nil)

// Store keeps interrupts in memory. Exclusivity is checked and the record
// inserted under one lock.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*interrupt.Interrupt
	byPlan map[string][]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*interrupt.Interrupt),
		byPlan: make(map[string][]string),
	}
}

// Save implements interrupt.Store.
func (s *Store) Save(_ context.Context, i *interrupt.Interrupt) (*interrupt.Interrupt, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", interrupt.ErrAlreadyExists, rec.ID)
	}
	if rec.Type.Exclusive() && rec.Active() {
		for _, id := range s.byPlan[rec.PlanExecutionID] {
			other := s.byID[id]
			if other.Type == rec.Type && other.Active() {
				return nil, fmt.Errorf("%w: %s %s", interrupt.ErrActiveInterruptExists, rec.Type, other.ID)
			}
		}
	}
	s.byID[rec.ID] = rec
	s.byPlan[rec.PlanExecutionID] = append(s.byPlan[rec.PlanExecutionID], rec.ID)
	return rec.Clone(), nil
}

// Get implements interrupt.Store.
func (s *Store) Get(_ context.Context, id string) (*interrupt.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interrupt.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// FetchActive implements interrupt.Store.
func (s *Store) FetchActive(_ context.Context, planExecutionID string) ([]*interrupt.Interrupt, error) {
	return s.list(planExecutionID, true), nil
}

// FetchAll implements interrupt.Store.
func (s *Store) FetchAll(_ context.Context, planExecutionID string) ([]*interrupt.Interrupt, error) {
	return s.list(planExecutionID, false), nil
}

func (s *Store) list(planExecutionID string, activeOnly bool) []*interrupt.Interrupt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interrupt.Interrupt
	for _, id := range s.byPlan[planExecutionID] {
		rec := s.byID[id]
		if activeOnly && !rec.Active() {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// MarkProcessing implements interrupt.Store.
func (s *Store) MarkProcessing(_ context.Context, id string) (*interrupt.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interrupt.ErrNotFound, id)
	}
	if rec.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", interrupt.ErrInvalidState, id, rec.State)
	}
	rec.State = interrupt.StateProcessing
	rec.LastUpdatedAt = time.Now().UTC()
	return rec.Clone(), nil
}

// MarkProcessed implements interrupt.Store.
func (s *Store) MarkProcessed(_ context.Context, id string, state interrupt.State) (*interrupt.Interrupt, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", interrupt.ErrInvalidState, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interrupt.ErrNotFound, id)
	}
	if rec.State.Terminal() {
		return rec.Clone(), nil
	}
	rec.State = state
	rec.LastUpdatedAt = time.Now().UTC()
	return rec.Clone(), nil
}
