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

// Package storetest holds the behaviour every interrupt.Store backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

// Factory returns an empty store.
type Factory func(t *testing.T) interrupt.Store

// Run executes the shared store behaviour against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, newStore(t)) })
	t.Run("SaveFillsID", func(t *testing.T) { testSaveFillsID(t, newStore(t)) })
	t.Run("SaveDuplicateID", func(t *testing.T) { testSaveDuplicateID(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("ExclusiveActive", func(t *testing.T) { testExclusiveActive(t, newStore(t)) })
	t.Run("ExclusiveReleasedWhenProcessed", func(t *testing.T) { testExclusiveReleased(t, newStore(t)) })
	t.Run("NonExclusiveMayRepeat", func(t *testing.T) { testNonExclusive(t, newStore(t)) })
	t.Run("FetchActiveAndAll", func(t *testing.T) { testFetch(t, newStore(t)) })
	t.Run("MarkProcessing", func(t *testing.T) { testMarkProcessing(t, newStore(t)) })
	t.Run("MarkProcessedIdempotent", func(t *testing.T) { testMarkProcessedIdempotent(t, newStore(t)) })
	t.Run("MarkProcessedRejectsActiveState", func(t *testing.T) { testMarkProcessedRejectsActive(t, newStore(t)) })
	t.Run("ConcurrentExclusiveSave", func(t *testing.T) { testConcurrentExclusive(t, newStore(t)) })
}

func testSaveAndGet(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	in := interrupt.New("plan-1", interrupt.TypeRetry,
		interrupt.WithNodeExecutionID("node-1"),
		interrupt.WithMetadata(map[string]string{"a": "b"}))
	saved, err := s.Save(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in.ID, saved.ID)

	got, err := s.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.PlanExecutionID)
	assert.Equal(t, "node-1", got.NodeExecutionID)
	assert.Equal(t, interrupt.TypeRetry, got.Type)
	assert.Equal(t, interrupt.StateRegistered, got.State)
	assert.Equal(t, "b", got.Metadata["a"])
}

func testSaveFillsID(t *testing.T, s interrupt.Store) {
	in := interrupt.New("plan-1", interrupt.TypeMarkFailed)
	in.ID = ""
	saved, err := s.Save(context.Background(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
}

func testSaveDuplicateID(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	in := interrupt.New("plan-1", interrupt.TypeRetry)
	_, err := s.Save(ctx, in)
	require.NoError(t, err)
	_, err = s.Save(ctx, in)
	assert.ErrorIs(t, err, interrupt.ErrAlreadyExists)
}

func testGetNotFound(t *testing.T, s interrupt.Store) {
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, interrupt.ErrNotFound)
	_, err = s.MarkProcessed(context.Background(), "missing", interrupt.StateDiscarded)
	assert.ErrorIs(t, err, interrupt.ErrNotFound)
}

func testExclusiveActive(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	first, err := s.Save(ctx, interrupt.New("plan-1", interrupt.TypeAbortAll))
	require.NoError(t, err)

	_, err = s.Save(ctx, interrupt.New("plan-1", interrupt.TypeAbortAll))
	require.ErrorIs(t, err, interrupt.ErrActiveInterruptExists)

	// Other plans and other types are unaffected.
	_, err = s.Save(ctx, interrupt.New("plan-2", interrupt.TypeAbortAll))
	require.NoError(t, err)
	_, err = s.Save(ctx, interrupt.New("plan-1", interrupt.TypePauseAll))
	require.NoError(t, err)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateRegistered, got.State)
}

func testExclusiveReleased(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	first, err := s.Save(ctx, interrupt.New("plan-1", interrupt.TypePauseAll))
	require.NoError(t, err)
	_, err = s.MarkProcessed(ctx, first.ID, interrupt.StateProcessedSuccessfully)
	require.NoError(t, err)

	_, err = s.Save(ctx, interrupt.New("plan-1", interrupt.TypePauseAll))
	require.NoError(t, err)
}

func testNonExclusive(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Save(ctx, interrupt.New("plan-1", interrupt.TypeRetry))
		require.NoError(t, err)
	}
	active, err := s.FetchActive(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func testFetch(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	a := interrupt.New("plan-1", interrupt.TypeRetry)
	a.CreatedAt = base
	b := interrupt.New("plan-1", interrupt.TypePauseAll)
	b.CreatedAt = base.Add(time.Second)
	c := interrupt.New("plan-1", interrupt.TypeMarkFailed)
	c.CreatedAt = base.Add(2 * time.Second)
	other := interrupt.New("plan-2", interrupt.TypeRetry)
	for _, in := range []*interrupt.Interrupt{c, a, b, other} {
		_, err := s.Save(ctx, in)
		require.NoError(t, err)
	}
	_, err := s.MarkProcessed(ctx, a.ID, interrupt.StateProcessedSuccessfully)
	require.NoError(t, err)

	all, err := s.FetchAll(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	active, err := s.FetchActive(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, b.ID, active[0].ID)
	assert.Equal(t, c.ID, active[1].ID)

	none, err := s.FetchActive(ctx, "plan-404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testMarkProcessing(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	in, err := s.Save(ctx, interrupt.New("plan-1", interrupt.TypeAbortAll))
	require.NoError(t, err)

	got, err := s.MarkProcessing(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessing, got.State)

	// Still active, so still exclusive.
	_, err = s.Save(ctx, interrupt.New("plan-1", interrupt.TypeAbortAll))
	require.ErrorIs(t, err, interrupt.ErrActiveInterruptExists)

	_, err = s.MarkProcessed(ctx, in.ID, interrupt.StateDiscarded)
	require.NoError(t, err)
	_, err = s.MarkProcessing(ctx, in.ID)
	assert.ErrorIs(t, err, interrupt.ErrInvalidState)
}

func testMarkProcessedIdempotent(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	in, err := s.Save(ctx, interrupt.New("plan-1", interrupt.TypeResumeAll))
	require.NoError(t, err)

	first, err := s.MarkProcessed(ctx, in.ID, interrupt.StateProcessedUnsuccessfully)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessedUnsuccessfully, first.State)

	again, err := s.MarkProcessed(ctx, in.ID, interrupt.StateProcessedSuccessfully)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessedUnsuccessfully, again.State)
}

func testMarkProcessedRejectsActive(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	in, err := s.Save(ctx, interrupt.New("plan-1", interrupt.TypeRetry))
	require.NoError(t, err)
	_, err = s.MarkProcessed(ctx, in.ID, interrupt.StateProcessing)
	assert.ErrorIs(t, err, interrupt.ErrInvalidState)
}

func testConcurrentExclusive(t *testing.T, s interrupt.Store) {
	ctx := context.Background()
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Save(ctx, interrupt.New("plan-race", interrupt.TypeAbortAll)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	active, err := s.FetchActive(ctx, "plan-race")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
