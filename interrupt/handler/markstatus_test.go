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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/execution/storetest"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

func TestMarkStatus(t *testing.T) {
	tests := []struct {
		name   string
		typ    interrupt.Type
		from   execution.Status
		want   execution.Status
		effect int
	}{
		{"success from running", interrupt.TypeMarkSuccess, execution.StatusRunning, execution.StatusSucceeded, 1},
		{"success from paused", interrupt.TypeMarkSuccess, execution.StatusPaused, execution.StatusSucceeded, 1},
		{"failed from queued", interrupt.TypeMarkFailed, execution.StatusQueued, execution.StatusFailed, 1},
		{"already succeeded", interrupt.TypeMarkSuccess, execution.StatusSucceeded, execution.StatusSucceeded, 0},
		{"already failed", interrupt.TypeMarkFailed, execution.StatusFailed, execution.StatusFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, storetest.Node("a", plan, "", tt.from))
			got, err := f.manager.Register(context.Background(),
				interrupt.New(plan, tt.typ, interrupt.WithNodeExecutionID("a")))
			require.NoError(t, err)
			assert.Equal(t, interrupt.StateProcessedSuccessfully, got.State)
			a := f.node(t, "a")
			assert.Equal(t, tt.want, a.Status)
			assert.Equal(t, tt.effect, a.EffectCount(got.ID))
			if tt.effect > 0 {
				assert.NotNil(t, a.EndTS)
			}
		})
	}
}

func TestMarkStatusNotifiesParent(t *testing.T) {
	eng := &recordingEngine{}
	f := newFixture(t, withEngine(eng))
	f.seed(t, storetest.Node("a", plan, "", execution.StatusRunning))
	_, err := f.manager.Register(context.Background(),
		interrupt.New(plan, interrupt.TypeMarkFailed, interrupt.WithNodeExecutionID("a")))
	require.NoError(t, err)
	_, _, ended := eng.calls()
	assert.Equal(t, []string{"a"}, ended)
}

func TestMarkStatusFromOtherFinalStatusFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, storetest.Node("a", plan, "", execution.StatusAborted))
	got, err := f.manager.Register(context.Background(),
		interrupt.New(plan, interrupt.TypeMarkSuccess, interrupt.WithNodeExecutionID("a")))
	require.ErrorIs(t, err, interrupt.ErrInterruptProcessingFailed)
	assert.ErrorIs(t, err, ErrLostRace)
	assert.Equal(t, interrupt.StateProcessedUnsuccessfully, got.State)
	assert.Equal(t, execution.StatusAborted, f.node(t, "a").Status)
}

func TestMarkStatusLostRace(t *testing.T) {
	f := newFixture(t, losing("a", execution.StatusSucceeded))
	f.seed(t, storetest.Node("a", plan, "", execution.StatusRunning))
	got, err := f.manager.Register(context.Background(),
		interrupt.New(plan, interrupt.TypeMarkSuccess, interrupt.WithNodeExecutionID("a")))
	require.ErrorIs(t, err, ErrLostRace)
	assert.Equal(t, interrupt.StateProcessedUnsuccessfully, f.interrupt(t, got.ID).State)
}
