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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/execution/storetest"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

func TestManagerRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		intr *interrupt.Interrupt
		want error
	}{
		{"nil", nil, ErrNilInterrupt},
		{"no plan", interrupt.New("", interrupt.TypeAbortAll), interrupt.ErrPlanExecutionIDRequired},
		{"unknown type", interrupt.New(plan, interrupt.Type("REWIND")), interrupt.ErrUnsupportedType},
		{"abort without node", interrupt.New(plan, interrupt.TypeAbort), interrupt.ErrNodeExecutionIDRequired},
		{"mark success without node", interrupt.New(plan, interrupt.TypeMarkSuccess), interrupt.ErrNodeExecutionIDRequired},
		{"expire without node", interrupt.New(plan, interrupt.TypeMarkExpired), interrupt.ErrNodeExecutionIDRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.manager.Register(context.Background(), tt.intr)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.all(t))
		})
	}
}

func TestManagerFillsDefaults(t *testing.T) {
	f := newFixture(t)
	intr := &interrupt.Interrupt{PlanExecutionID: plan, Type: interrupt.TypePauseAll}
	got, err := f.manager.Register(context.Background(), intr)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, interrupt.StateRegistered, got.State)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestManagerGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, storetest.Node("a", plan, "", execution.StatusSucceeded))
	done, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypeAbortAll))
	require.NoError(t, err)
	pause, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypePauseAll))
	require.NoError(t, err)

	got, err := f.manager.Get(ctx, pause.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.TypePauseAll, got.Type)
	_, err = f.manager.Get(ctx, "missing")
	assert.ErrorIs(t, err, interrupt.ErrNotFound)

	all, err := f.manager.List(ctx, plan, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, done.ID, all[0].ID)

	active, err := f.manager.List(ctx, plan, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, pause.ID, active[0].ID)

	_, err = f.manager.List(ctx, "", true)
	assert.ErrorIs(t, err, interrupt.ErrPlanExecutionIDRequired)
}

func TestManagerWithHandler(t *testing.T) {
	f := newFixture(t)
	custom := NewAbortAll(Dependencies{Interrupts: f.interrupts, Nodes: f.nodes, Engine: f.local, Waiter: f.waiter})
	m, err := NewManager(Dependencies{
		Interrupts: f.interrupts,
		Nodes:      f.nodes,
		Engine:     f.local,
		Waiter:     f.waiter,
	}, WithHandler(interrupt.TypeAbortAll, custom))
	require.NoError(t, err)
	h, err := m.Handlers().Obtain(interrupt.TypeAbortAll)
	require.NoError(t, err)
	assert.Same(t, custom, h)
}

func TestManagerTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	f := newFixture(t, func(d *Dependencies) {
		d.Meter = meter
		d.Tracer = tracer
	})
	f.seed(t, storetest.Node("a", plan, "", execution.StatusRunning))
	ctx := context.Background()
	_, err := f.manager.Register(ctx, interrupt.New(plan, interrupt.TypeAbortAll))
	require.NoError(t, err)
	_, err = f.manager.Register(ctx, interrupt.New(plan, interrupt.TypeAbortAll))
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "register_interrupt ABORT_ALL")
	assert.Contains(t, names, "handle_interrupt ABORT_ALL")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	histograms := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histograms[m.Name] += dp.Count
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums[itelemetry.MetricInterruptRegistered])
	assert.Equal(t, int64(2), sums[itelemetry.MetricInterruptProcessed])
	assert.Equal(t, uint64(2), histograms[itelemetry.MetricInterruptDuration])
}
