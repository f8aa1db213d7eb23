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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

type instruments struct {
	registered metric.Int64Counter
	processed  metric.Int64Counter
	duration   metric.Float64Histogram
}

func newInstruments(m metric.Meter) instruments {
	var (
		inst instruments
		err  error
	)
	inst.registered, err = m.Int64Counter(itelemetry.MetricInterruptRegistered,
		metric.WithDescription("Interrupts accepted for registration."),
		metric.WithUnit("{interrupt}"))
	if err != nil {
		log.Warnf("[Handler] create %s counter: %v", itelemetry.MetricInterruptRegistered, err)
		inst.registered = noop.Int64Counter{}
	}
	inst.processed, err = m.Int64Counter(itelemetry.MetricInterruptProcessed,
		metric.WithDescription("Interrupts that reached a terminal state."),
		metric.WithUnit("{interrupt}"))
	if err != nil {
		log.Warnf("[Handler] create %s counter: %v", itelemetry.MetricInterruptProcessed, err)
		inst.processed = noop.Int64Counter{}
	}
	inst.duration, err = m.Float64Histogram(itelemetry.MetricInterruptDuration,
		metric.WithDescription("Time from registration to the terminal state."),
		metric.WithUnit("s"))
	if err != nil {
		log.Warnf("[Handler] create %s histogram: %v", itelemetry.MetricInterruptDuration, err)
		inst.duration = noop.Float64Histogram{}
	}
	return inst
}

func (inst instruments) recordRegistered(ctx context.Context, intr *interrupt.Interrupt) {
	inst.registered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(itelemetry.KeyInterruptType, string(intr.Type))))
}

func (inst instruments) recordProcessed(ctx context.Context, intr *interrupt.Interrupt, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(itelemetry.KeyInterruptType, string(intr.Type)),
		attribute.String(itelemetry.KeyInterruptState, string(intr.State)),
	)
	inst.processed.Add(ctx, 1, attrs)
	inst.duration.Record(ctx, elapsed.Seconds(), attrs)
}
