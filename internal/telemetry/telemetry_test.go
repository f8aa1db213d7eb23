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

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

type recordingSpan struct {
	noop.Span
	attrs []attribute.KeyValue
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.attrs = append(s.attrs, kv...)
}

func TestSpanNames(t *testing.T) {
	assert.Equal(t, "register_interrupt ABORT_ALL", NewRegisterSpanName(interrupt.TypeAbortAll))
	assert.Equal(t, "handle_interrupt PAUSE_ALL", NewHandleSpanName(interrupt.TypePauseAll))
	assert.Equal(t, "handle_interrupt", NewHandleSpanName(""))
}

func TestInterruptAttributes(t *testing.T) {
	plan := interrupt.New("p1", interrupt.TypeAbortAll)
	attrs := InterruptAttributes(plan)
	assert.Len(t, attrs, 3)

	node := interrupt.New("p1", interrupt.TypeRetry, interrupt.WithNodeExecutionID("n1"))
	attrs = InterruptAttributes(node)
	require.Len(t, attrs, 4)
	assert.Equal(t, attribute.String(KeyNodeExecutionID, "n1"), attrs[3])
}

func TestTraceInterrupt(t *testing.T) {
	span := &recordingSpan{}
	TraceInterrupt(span, nil)
	assert.Empty(t, span.attrs)

	TraceInterrupt(span, interrupt.New("p1", interrupt.TypePauseAll))
	assert.Contains(t, span.attrs, attribute.String(KeyInterruptState, string(interrupt.StateRegistered)))
	assert.Contains(t, span.attrs, attribute.String(KeyPlanExecutionID, "p1"))
}

// TestNewGRPCConn ensures a lazily dialled connection is returned.
func TestNewGRPCConn(t *testing.T) {
	conn, err := NewGRPCConn("localhost:4317")
	require.NoError(t, err)
	require.NotNil(t, conn)
	_ = conn.Close()
}
