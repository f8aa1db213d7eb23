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

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/execution/storetest"
)

func TestSpawnChildrenFanIn(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []string
	)
	f := newFixture(t, WithRunner(RunnerFunc(func(_ context.Context, n *execution.NodeExecution) (execution.Status, error) {
		mu.Lock()
		ran = append(ran, n.ID)
		mu.Unlock()
		if n.ID == "c2" {
			return execution.StatusFailed, nil
		}
		return execution.StatusSucceeded, nil
	})))
	ctx := context.Background()

	parent := storetest.Node("parent", "p1", "", execution.StatusQueued)
	parent.Mode = execution.ModeChildren
	parent.NotifyID = "root-wait"
	parent = f.save(t, parent)
	require.NoError(t, f.local.StartNodeExecution(ctx, parent))
	require.Equal(t, execution.StatusRunning, f.status(t, "parent"))

	children, err := f.local.SpawnChildren(ctx, parent,
		storetest.Node("c1", "", "", execution.StatusQueued),
		storetest.Node("c2", "", "", execution.StatusQueued),
	)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, "parent", c.ParentID)
		assert.Equal(t, "p1", c.PlanExecutionID)
		assert.NotEmpty(t, c.NotifyID)
		assert.Equal(t, c.ID, c.Ambiance.NodeExecutionID)
	}

	f.local.Drain()
	f.waiter.Drain()

	assert.Equal(t, execution.StatusSucceeded, f.status(t, "c1"))
	assert.Equal(t, execution.StatusFailed, f.status(t, "c2"))
	assert.Equal(t, execution.StatusFailed, f.status(t, "parent"))
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"c1", "c2"}, ran)
}

func TestSpawnChildrenRequiresChildren(t *testing.T) {
	f := newFixture(t)
	parent := f.save(t, storetest.Node("parent", "p1", "", execution.StatusRunning))
	_, err := f.local.SpawnChildren(context.Background(), parent)
	assert.ErrorIs(t, err, ErrNoChildren)
}

func TestChildrenCallbackResolvesParent(t *testing.T) {
	tests := []struct {
		name     string
		parent   execution.Status
		children []execution.Status
		want     execution.Status
	}{
		{"all succeeded", execution.StatusRunning, []execution.Status{execution.StatusSucceeded, execution.StatusSucceeded}, execution.StatusSucceeded},
		{"failed wins over succeeded", execution.StatusRunning, []execution.Status{execution.StatusSucceeded, execution.StatusFailed}, execution.StatusFailed},
		{"expired wins over failed", execution.StatusRunning, []execution.Status{execution.StatusExpired, execution.StatusFailed}, execution.StatusExpired},
		{"aborted wins", execution.StatusRunning, []execution.Status{execution.StatusAborted, execution.StatusExpired}, execution.StatusAborted},
		{"discontinuing parent aborts", execution.StatusDiscontinuing, []execution.Status{execution.StatusSucceeded}, execution.StatusAborted},
		{"paused parent aborts", execution.StatusPaused, []execution.Status{execution.StatusAborted}, execution.StatusAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.save(t, storetest.Node("parent", "p1", "", tt.parent))
			data := map[string]any{}
			var ids []string
			for i, s := range tt.children {
				id := string(rune('a' + i))
				f.save(t, storetest.Node(id, "p1", "parent", s))
				ids = append(ids, id)
				data[id] = NodeStatusData{NodeExecutionID: id, Status: s}
			}
			cb := &childrenCallback{engine: f.local, parentID: "parent", childIDs: ids}
			require.NoError(t, cb.Notify(context.Background(), data))
			got, err := f.nodes.Get(context.Background(), "parent")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.NotNil(t, got.EndTS)
		})
	}
}

func TestChildrenCallbackIgnoresEndedParent(t *testing.T) {
	f := newFixture(t)
	f.save(t, storetest.Node("parent", "p1", "", execution.StatusSucceeded))
	f.save(t, storetest.Node("c", "p1", "parent", execution.StatusAborted))
	cb := &childrenCallback{engine: f.local, parentID: "parent", childIDs: []string{"c"}}
	require.NoError(t, cb.Notify(context.Background(), map[string]any{
		"c": NodeStatusData{NodeExecutionID: "c", Status: execution.StatusAborted},
	}))
	assert.Equal(t, execution.StatusSucceeded, f.status(t, "parent"))
}

func TestSpawnChildrenRetriedChildRejoinsFanIn(t *testing.T) {
	holdC2 := make(chan struct{})
	holdRetry := make(chan struct{})
	releaseC2 := sync.OnceFunc(func() { close(holdC2) })
	releaseRetry := sync.OnceFunc(func() { close(holdRetry) })
	f := newFixture(t, WithRunner(RunnerFunc(func(_ context.Context, n *execution.NodeExecution) (execution.Status, error) {
		switch {
		case n.ID == "c1":
			return execution.StatusFailed, nil
		case n.ID == "c2":
			<-holdC2
		case n.PreviousID == "c1":
			<-holdRetry
		}
		return execution.StatusSucceeded, nil
	})))
	t.Cleanup(func() {
		releaseC2()
		releaseRetry()
	})
	ctx := context.Background()

	parent := storetest.Node("parent", "p1", "", execution.StatusQueued)
	parent.Mode = execution.ModeChildren
	parent = f.save(t, parent)
	require.NoError(t, f.local.StartNodeExecution(ctx, parent))
	children, err := f.local.SpawnChildren(ctx, parent,
		storetest.Node("c1", "", "", execution.StatusQueued),
		storetest.Node("c2", "", "", execution.StatusQueued),
	)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.status(t, "c1") == execution.StatusFailed
	}, time.Second, 5*time.Millisecond)

	attempt, err := NewRetryHelper(f.nodes, f.local).RetryNodeExecution(ctx, "c1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "parent", attempt.ParentID)
	assert.NotEqual(t, children[0].NotifyID, attempt.NotifyID)

	releaseC2()
	require.Eventually(t, func() bool {
		return len(f.waiter.Pending(attempt.NotifyID)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, execution.StatusSucceeded, f.status(t, "c2"))
	assert.Equal(t, execution.StatusRunning, f.status(t, attempt.ID))
	assert.Equal(t, execution.StatusRunning, f.status(t, "parent"))

	releaseRetry()
	f.local.Drain()
	f.waiter.Drain()
	assert.Equal(t, execution.StatusSucceeded, f.status(t, attempt.ID))
	assert.Equal(t, execution.StatusSucceeded, f.status(t, "parent"))
}

func TestLatestAttemptFollowsRetries(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*execution.NodeExecution
		want  string
	}{
		{
			name:  "never retried",
			nodes: []*execution.NodeExecution{storetest.Node("a", "p1", "", execution.StatusFailed)},
			want:  "a",
		},
		{
			name: "retried twice",
			nodes: []*execution.NodeExecution{
				retried(storetest.Node("a", "p1", "", execution.StatusFailed), "a2"),
				retried(storetest.Node("a2", "p1", "", execution.StatusFailed), "a3"),
				storetest.Node("a3", "p1", "", execution.StatusRunning),
			},
			want: "a3",
		},
		{
			name:  "attempt never saved",
			nodes: []*execution.NodeExecution{retried(storetest.Node("a", "p1", "", execution.StatusFailed), "lost")},
			want:  "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, n := range tt.nodes {
				f.save(t, n)
			}
			got, err := f.local.latestAttempt(context.Background(), "a")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func retried(n *execution.NodeExecution, next string) *execution.NodeExecution {
	n.OldRetry = true
	n.RetryIDs = []string{next}
	return n
}
