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

// Package telemetry holds the names, attribute keys and helpers shared by the
// tracing and metrics of the orchestrator.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

// telemetry service constants.
const (
	ServiceName      = "pipelined"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-pipeline-go"
	InstrumentName   = "trpc.pipeline.go"

	SpanNamePrefixRegisterInterrupt = "register_interrupt"
	SpanNamePrefixHandleInterrupt   = "handle_interrupt"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// metric names.
const (
	MetricInterruptRegistered = "pipeline.interrupt.registered"
	MetricInterruptProcessed  = "pipeline.interrupt.processed"
	MetricInterruptDuration   = "pipeline.interrupt.duration"
)

// telemetry attributes constants.
var (
	KeyPlanExecutionID = "trpc.pipeline.plan_execution_id"
	KeyNodeExecutionID = "trpc.pipeline.node_execution_id"
	KeyInterruptID     = "trpc.pipeline.interrupt_id"
	KeyInterruptType   = "trpc.pipeline.interrupt_type"
	KeyInterruptState  = "trpc.pipeline.interrupt_state"
)

// NewRegisterSpanName returns the span name of an interrupt registration.
func NewRegisterSpanName(t interrupt.Type) string {
	return spanName(SpanNamePrefixRegisterInterrupt, string(t))
}

// NewHandleSpanName returns the span name of an interrupt application.
func NewHandleSpanName(t interrupt.Type) string {
	return spanName(SpanNamePrefixHandleInterrupt, string(t))
}

func spanName(prefix, suffix string) string {
	if suffix == "" {
		return prefix
	}
	return prefix + " " + suffix
}

// InterruptAttributes returns the attributes describing i.
func InterruptAttributes(i *interrupt.Interrupt) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(KeyPlanExecutionID, i.PlanExecutionID),
		attribute.String(KeyInterruptID, i.ID),
		attribute.String(KeyInterruptType, string(i.Type)),
	}
	if i.NodeExecutionID != "" {
		attrs = append(attrs, attribute.String(KeyNodeExecutionID, i.NodeExecutionID))
	}
	return attrs
}

// TraceInterrupt records i and its current state on span.
func TraceInterrupt(span trace.Span, i *interrupt.Interrupt) {
	if i == nil {
		return
	}
	span.SetAttributes(InterruptAttributes(i)...)
	span.SetAttributes(attribute.String(KeyInterruptState, string(i.State)))
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
