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

package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/execution/storetest"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

func TestPauseAllIsLazy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, storetest.Node("a", plan, "", execution.StatusRunning))

	got, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypePauseAll))
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateRegistered, got.State)
	assert.Equal(t, execution.StatusRunning, f.node(t, "a").Status)
}

func TestPauseAllDuplicate(t *testing.T) {
	f := newFixture(t)
	first := f.seedInterrupt(t, interrupt.TypePauseAll)
	_, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypePauseAll))
	require.ErrorIs(t, err, interrupt.ErrDuplicatePause)
	assert.Equal(t, interrupt.StateRegistered, f.interrupt(t, first.ID).State)
	assert.Len(t, f.all(t), 1)
}

func TestPauseAllSeizesResume(t *testing.T) {
	tests := []struct {
		name  string
		state interrupt.State
		want  interrupt.State
	}{
		{"registered resume is discarded", interrupt.StateRegistered, interrupt.StateDiscarded},
		{"processing resume is completed", interrupt.StateProcessing, interrupt.StateProcessedSuccessfully},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resume := f.seedInterrupt(t, interrupt.TypeResumeAll, interrupt.WithState(tt.state))
			got, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypePauseAll))
			require.NoError(t, err)
			assert.True(t, got.Active())
			assert.Equal(t, tt.want, f.interrupt(t, resume.ID).State)
		})
	}
}

func TestPauseAllExclusiveUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	h := NewPauseAll(Dependencies{
		Interrupts: f.interrupts,
		Nodes:      f.nodes,
		Engine:     f.local,
		Waiter:     f.waiter,
	}, nil)

	const racers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		dups int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.RegisterInterrupt(context.Background(), interrupt.New(plan, interrupt.TypePauseAll))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, interrupt.ErrDuplicatePause):
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, dups)
}

func TestPauseAllHandleRequiresNode(t *testing.T) {
	f := newFixture(t)
	pause := f.seedInterrupt(t, interrupt.TypePauseAll)
	_, err := f.manager.Handle(context.Background(), pause, nil, nil)
	assert.ErrorIs(t, err, interrupt.ErrNodeExecutionIDRequired)
	_, err = f.manager.Handle(context.Background(), pause, &execution.Ambiance{PlanExecutionID: plan}, nil)
	assert.ErrorIs(t, err, interrupt.ErrNodeExecutionIDRequired)
}

func TestPauseAllHandleSkipsFinishedNode(t *testing.T) {
	f := newFixture(t)
	f.seed(t, storetest.Node("a", plan, "", execution.StatusSucceeded))
	pause := f.seedInterrupt(t, interrupt.TypePauseAll)

	got, err := f.manager.Handle(context.Background(), pause,
		&execution.Ambiance{PlanExecutionID: plan, NodeExecutionID: "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateRegistered, got.State)
	assert.Equal(t, execution.StatusSucceeded, f.node(t, "a").Status)
	assert.Empty(t, f.waiter.Pending(pause.ID))
}

func TestGatePausesNodeBeforeStart(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.events.Subscribe()
	defer cancel()
	f.seed(t, storetest.Node("a", plan, "", execution.StatusQueued))
	pause, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypePauseAll))
	require.NoError(t, err)

	require.NoError(t, f.local.StartNodeExecution(context.Background(), f.node(t, "a")))

	a := f.node(t, "a")
	assert.Equal(t, execution.StatusPaused, a.Status)
	assert.Equal(t, 1, a.EffectCount(pause.ID))
	assert.Equal(t, interrupt.StateProcessing, f.interrupt(t, pause.ID).State)
	assert.Len(t, f.waiter.Pending(pause.ID), 1)

	require.Len(t, events, 1)
	e := <-events
	assert.Equal(t, execution.StatusPaused, e.Status)
	assert.Equal(t, pause.ID, e.InterruptID)
}

func TestResumeAllWithoutPause(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypeResumeAll))
	require.ErrorIs(t, err, interrupt.ErrNoActivePause)
	assert.Empty(t, f.all(t))
}

func TestResumeAllDuplicate(t *testing.T) {
	f := newFixture(t)
	pause := f.seedInterrupt(t, interrupt.TypePauseAll)
	f.seedInterrupt(t, interrupt.TypeResumeAll, interrupt.WithState(interrupt.StateProcessing))
	_, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypeResumeAll))
	require.ErrorIs(t, err, interrupt.ErrDuplicateResume)
	assert.Equal(t, interrupt.StateRegistered, f.interrupt(t, pause.ID).State)
	assert.Len(t, f.all(t), 2)
}

func TestResumeForNodeNotPaused(t *testing.T) {
	f := newFixture(t)
	f.seed(t, storetest.Node("a", plan, "", execution.StatusRunning))
	before := f.node(t, "a")
	resume := f.seedInterrupt(t, interrupt.TypeResumeAll)

	got, err := f.manager.HandleForNodeExecution(context.Background(), resume, "a")
	require.NoError(t, err)
	assert.Same(t, resume, got)
	after := f.node(t, "a")
	assert.Equal(t, execution.StatusRunning, after.Status)
	assert.Equal(t, before.Version, after.Version)
}

func TestResumeForNodePaused(t *testing.T) {
	f := newFixture(t)
	f.seed(t, storetest.Node("a", plan, "", execution.StatusPaused))
	resume := f.seedInterrupt(t, interrupt.TypeResumeAll)

	for range 2 {
		_, err := f.manager.HandleForNodeExecution(context.Background(), resume, "a")
		require.NoError(t, err)
	}
	a := f.node(t, "a")
	assert.Equal(t, execution.StatusQueued, a.Status)
	require.Len(t, a.InterruptHistories, 1)
	assert.Equal(t, resume.ID, a.InterruptHistories[0].InterruptID)
	assert.Equal(t, interrupt.TypeResumeAll, a.InterruptHistories[0].InterruptType)
}

func TestHandleForNodeExecutionUnsupported(t *testing.T) {
	f := newFixture(t)
	abort := f.seedInterrupt(t, interrupt.TypeAbortAll)
	_, err := f.manager.HandleForNodeExecution(context.Background(), abort, "a")
	assert.ErrorIs(t, err, interrupt.ErrUnsupportedType)
}

func TestPauseResumeRequeuesParkedLeaf(t *testing.T) {
	eng := &recordingEngine{}
	f := newFixture(t, withEngine(eng))
	ctx := context.Background()
	f.seed(t,
		storetest.Node("stage", plan, "", execution.StatusRunning),
		storetest.Node("leaf", plan, "stage", execution.StatusQueued),
	)

	pause, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypePauseAll))
	require.NoError(t, err)
	proceed, err := f.manager.CheckPreInvocation(ctx, execution.Ambiance{PlanExecutionID: plan, NodeExecutionID: "leaf"})
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, execution.StatusPaused, f.node(t, "leaf").Status)

	resume, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypeResumeAll))
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessing, resume.State)
	f.settle()

	leaf := f.node(t, "leaf")
	assert.Equal(t, execution.StatusQueued, leaf.Status)
	assert.Equal(t, 1, leaf.EffectCount(pause.ID))
	assert.Equal(t, 1, leaf.EffectCount(resume.ID))
	assert.Equal(t, interrupt.StateProcessedSuccessfully, f.interrupt(t, pause.ID).State)
	assert.Equal(t, interrupt.StateProcessedSuccessfully, f.interrupt(t, resume.ID).State)
	_, resumed, _ := eng.calls()
	assert.Equal(t, []string{"leaf"}, resumed)

	proceed, err = f.manager.CheckPreInvocation(ctx, execution.Ambiance{PlanExecutionID: plan, NodeExecutionID: "leaf"})
	require.NoError(t, err)
	assert.True(t, proceed)
}

func TestPauseResumeWithLocalEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		storetest.Node("a", plan, "", execution.StatusQueued),
		storetest.Node("b", plan, "", execution.StatusQueued),
	)
	_, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypePauseAll))
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.local.StartNodeExecution(ctx, f.node(t, id)))
		require.Equal(t, execution.StatusPaused, f.node(t, id).Status)
	}

	resume, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypeResumeAll))
	require.NoError(t, err)
	f.settle()

	for _, id := range []string{"a", "b"} {
		assert.Equal(t, execution.StatusRunning, f.node(t, id).Status, id)
	}
	assert.Equal(t, interrupt.StateProcessedSuccessfully, f.interrupt(t, resume.ID).State)
}

func TestResumeAllSweepsUnparkedNodes(t *testing.T) {
	eng := &recordingEngine{}
	f := newFixture(t, withEngine(eng))
	f.seed(t, storetest.Node("a", plan, "", execution.StatusPaused))
	pause := f.seedInterrupt(t, interrupt.TypePauseAll, interrupt.WithState(interrupt.StateProcessing))

	resume, err := f.manager.Register(context.Background(), interrupt.New(plan, interrupt.TypeResumeAll))
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateProcessedSuccessfully, resume.State)
	assert.Equal(t, interrupt.StateProcessedSuccessfully, f.interrupt(t, pause.ID).State)
	assert.Equal(t, execution.StatusQueued, f.node(t, "a").Status)
	_, resumed, _ := eng.calls()
	assert.Equal(t, []string{"a"}, resumed)
}

func TestResumeAllCallbackMissingSignal(t *testing.T) {
	cb := &ResumeAllCallback{PlanExecutionID: plan, NodeExecutionID: "a", PauseInterruptID: "p"}
	err := cb.Notify(context.Background(), map[string]any{"p": "unexpected"})
	assert.ErrorIs(t, err, ErrMissingResumeSignal)
}

// stuckEngine refuses to hand resumed nodes back.
type stuckEngine struct {
	recordingEngine
}

var errEngineUnavailable = errors.New("engine unavailable")

func (e *stuckEngine) ResumeNodeExecution(context.Context, string) error {
	return errEngineUnavailable
}

func TestResumeAllCallbackFailureEndsResume(t *testing.T) {
	f := newFixture(t, withEngine(&stuckEngine{}))
	ctx := context.Background()
	f.seed(t,
		storetest.Node("stage", plan, "", execution.StatusRunning),
		storetest.Node("leaf", plan, "stage", execution.StatusQueued),
	)
	pause, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypePauseAll))
	require.NoError(t, err)
	proceed, err := f.manager.CheckPreInvocation(ctx, execution.Ambiance{PlanExecutionID: plan, NodeExecutionID: "leaf"})
	require.NoError(t, err)
	require.False(t, proceed)

	resume, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypeResumeAll))
	require.NoError(t, err)
	f.settle()

	assert.Equal(t, interrupt.StateProcessedSuccessfully, f.interrupt(t, pause.ID).State)
	assert.Equal(t, interrupt.StateProcessedUnsuccessfully, f.interrupt(t, resume.ID).State)
	assert.Equal(t, execution.StatusQueued, f.node(t, "leaf").Status)
	active, err := f.manager.List(ctx, plan, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestResumeAllCallbackReportsFailedNode(t *testing.T) {
	f := newFixture(t, withEngine(&stuckEngine{}))
	ctx := context.Background()
	f.seed(t, storetest.Node("leaf", plan, "", execution.StatusPaused))
	pause := f.seedInterrupt(t, interrupt.TypePauseAll, interrupt.WithState(interrupt.StateProcessedSuccessfully))
	resume := f.seedInterrupt(t, interrupt.TypeResumeAll, interrupt.WithState(interrupt.StateProcessing))
	h := NewResumeAll(Dependencies{
		Interrupts: f.interrupts,
		Nodes:      f.nodes,
		Engine:     &stuckEngine{},
		Waiter:     f.waiter,
	})
	cb := &ResumeAllCallback{PlanExecutionID: plan, NodeExecutionID: "leaf", PauseInterruptID: pause.ID, resume: h}

	err := cb.Notify(ctx, map[string]any{pause.ID: ResumeSignal{ResumeInterruptID: resume.ID}})
	var perr *interrupt.ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, resume.ID, perr.InterruptID)
	assert.Equal(t, []string{"leaf"}, perr.NodeExecutionIDs)
	assert.ErrorIs(t, err, errEngineUnavailable)
	assert.Equal(t, interrupt.StateProcessedUnsuccessfully, f.interrupt(t, resume.ID).State)

	// A second failing node does not rewrite the finished resume.
	err = cb.Notify(ctx, map[string]any{pause.ID: ResumeSignal{ResumeInterruptID: resume.ID}})
	assert.NotErrorAs(t, err, &perr)
}
