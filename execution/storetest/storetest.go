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

// Package storetest holds the behaviour every execution.Store backend must
// share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

// Factory returns an empty store.
type Factory func(t *testing.T) execution.Store

// Run executes the shared store behaviour against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, newStore(t)) })
	t.Run("FetchByStatus", func(t *testing.T) { testFetchByStatus(t, newStore(t)) })
	t.Run("FetchChildren", func(t *testing.T) { testFetchChildren(t, newStore(t)) })
	t.Run("FindAndModify", func(t *testing.T) { testFindAndModify(t, newStore(t)) })
	t.Run("FindAndModifyNoMatch", func(t *testing.T) { testFindAndModifyNoMatch(t, newStore(t)) })
	t.Run("FindAndModifyIllegal", func(t *testing.T) { testFindAndModifyIllegal(t, newStore(t)) })
	t.Run("UpdateMany", func(t *testing.T) { testUpdateMany(t, newStore(t)) })
	t.Run("AppendInterruptHistory", func(t *testing.T) { testAppendHistory(t, newStore(t)) })
	t.Run("ConcurrentFindAndModify", func(t *testing.T) { testConcurrentFindAndModify(t, newStore(t)) })
}

// Node builds a node execution for tests.
func Node(id, plan, parent string, status execution.Status) *execution.NodeExecution {
	return &execution.NodeExecution{
		ID:              id,
		PlanExecutionID: plan,
		ParentID:        parent,
		StepType:        "shell",
		Status:          status,
		Mode:            execution.ModeSync,
		Ambiance:        execution.Ambiance{PlanExecutionID: plan, NodeExecutionID: id},
		StartTS:         time.Now().UTC(),
	}
}

func testSaveAndGet(t *testing.T, s execution.Store) {
	ctx := context.Background()
	n := Node("n1", "p1", "", execution.StatusRunning)
	n.ExecutableResponses = []execution.ExecutableResponse{{TaskMode: "container", TaskIDs: []string{"t1"}}}
	_, err := s.Save(ctx, n)
	require.NoError(t, err)

	_, err = s.Save(ctx, n)
	require.ErrorIs(t, err, execution.ErrAlreadyExists)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
	assert.Equal(t, []string{"t1"}, got.ExecutableResponses[0].TaskIDs)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, execution.ErrNotFound)
}

func seed(t *testing.T, s execution.Store, nodes ...*execution.NodeExecution) {
	t.Helper()
	for _, n := range nodes {
		_, err := s.Save(context.Background(), n)
		require.NoError(t, err)
	}
}

func ids(nodes []*execution.NodeExecution) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func testFetchByStatus(t *testing.T, s execution.Store) {
	seed(t, s,
		Node("a", "p1", "", execution.StatusRunning),
		Node("b", "p1", "a", execution.StatusQueued),
		Node("c", "p1", "a", execution.StatusSucceeded),
		Node("d", "p2", "", execution.StatusRunning),
	)
	got, err := s.FetchByStatus(context.Background(), "p1", execution.StatusRunning, execution.StatusQueued)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(got))

	all, err := s.FetchByStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(all))

	none, err := s.FetchByStatus(context.Background(), "p404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testFetchChildren(t *testing.T, s execution.Store) {
	seed(t, s,
		Node("root", "p1", "", execution.StatusRunning),
		Node("c1", "p1", "root", execution.StatusRunning),
		Node("c2", "p1", "root", execution.StatusFailed),
		Node("g1", "p1", "c1", execution.StatusRunning),
	)
	got, err := s.FetchChildren(context.Background(), "root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids(got))
}

func testFindAndModify(t *testing.T, s execution.Store) {
	ctx := context.Background()
	seed(t, s, Node("n1", "p1", "", execution.StatusDiscontinuing))
	end := time.Now().UTC().Truncate(time.Millisecond)
	got, err := s.FindAndModify(ctx,
		execution.ByID("n1", execution.StatusDiscontinuing),
		execution.Update{Status: execution.StatusAborted, EndTS: &end})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, execution.StatusAborted, got.Status)
	require.NotNil(t, got.EndTS)
	assert.True(t, end.Equal(*got.EndTS))

	stored, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAborted, stored.Status)
	assert.Greater(t, stored.Version, int64(0))

	_, err = s.FindAndModify(ctx, execution.Filter{PlanExecutionID: "p1"}, execution.Update{})
	require.ErrorIs(t, err, execution.ErrFilterIDRequired)
}

func testFindAndModifyNoMatch(t *testing.T, s execution.Store) {
	ctx := context.Background()
	seed(t, s, Node("n1", "p1", "", execution.StatusSucceeded))
	got, err := s.FindAndModify(ctx,
		execution.ByID("n1", execution.StatusDiscontinuing),
		execution.Update{Status: execution.StatusAborted})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindAndModify(ctx, execution.ByID("missing"), execution.Update{Status: execution.StatusAborted})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, stored.Status)
}

func testFindAndModifyIllegal(t *testing.T, s execution.Store) {
	ctx := context.Background()
	seed(t, s, Node("n1", "p1", "", execution.StatusSucceeded))
	_, err := s.FindAndModify(ctx, execution.ByID("n1"), execution.Update{Status: execution.StatusQueued})
	require.ErrorIs(t, err, execution.ErrIllegalTransition)
}

func testUpdateMany(t *testing.T, s execution.Store) {
	ctx := context.Background()
	seed(t, s,
		Node("a", "p1", "", execution.StatusRunning),
		Node("b", "p1", "", execution.StatusQueued),
		Node("c", "p1", "", execution.StatusSucceeded),
		Node("d", "p2", "", execution.StatusRunning),
	)
	intr := interrupt.New("p1", interrupt.TypeAbortAll)
	n, err := s.UpdateMany(ctx,
		execution.Filter{PlanExecutionID: "p1", IDs: []string{"a", "b", "c"}, Statuses: execution.DefaultAbortableStatuses},
		execution.Update{Status: execution.StatusDiscontinuing, AppendEffects: []interrupt.Effect{interrupt.NewEffect(intr)}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	marked, err := s.FetchByStatus(ctx, "p1", execution.StatusDiscontinuing)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(marked))
	for _, m := range marked {
		assert.Equal(t, 1, m.EffectCount(intr.ID))
	}

	d, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, d.Status)

	zero, err := s.UpdateMany(ctx, execution.Filter{PlanExecutionID: "p3"}, execution.Update{Status: execution.StatusPaused})
	require.NoError(t, err)
	assert.Equal(t, 0, zero)
}

func testAppendHistory(t *testing.T, s execution.Store) {
	ctx := context.Background()
	seed(t, s, Node("n1", "p1", "", execution.StatusRunning))
	intr := interrupt.New("p1", interrupt.TypePauseAll)
	require.NoError(t, s.AppendInterruptHistory(ctx, "n1", interrupt.NewEffect(intr)))
	require.NoError(t, s.AppendInterruptHistory(ctx, "n1", interrupt.NewEffect(intr)))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, got.InterruptHistories, 2)
	assert.Equal(t, interrupt.TypePauseAll, got.InterruptHistories[0].InterruptType)

	err = s.AppendInterruptHistory(ctx, "missing", interrupt.NewEffect(intr))
	require.ErrorIs(t, err, execution.ErrNotFound)
}

func testConcurrentFindAndModify(t *testing.T, s execution.Store) {
	ctx := context.Background()
	seed(t, s, Node("n1", "p1", "", execution.StatusDiscontinuing))
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
			got, err := s.FindAndModify(ctx,
				execution.ByID("n1", execution.StatusDiscontinuing),
				execution.Update{Status: execution.StatusAborted})
			if err == nil && got != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
