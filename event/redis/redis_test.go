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

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/event"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := NewPublisher(WithRedisClientURL("redis://"+mr.Addr()), WithChannelPrefix("ev:"))
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "ev:p1", p.Channel("p1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := p.Subscribe(ctx, "p1")
	require.NoError(t, err)

	n := &execution.NodeExecution{ID: "n1", PlanExecutionID: "p1", Status: execution.StatusPaused}
	require.NoError(t, p.Publish(ctx, event.NewStepStatusUpdate(n)))

	select {
	case got := <-ch:
		assert.Equal(t, "n1", got.NodeExecutionID)
		assert.Equal(t, execution.StatusPaused, got.Status)
		assert.Equal(t, event.TypeStepStatusUpdate, got.Type)
	case <-ctx.Done():
		t.Fatal("event not received")
	}
}

func TestPublishWithoutSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := NewPublisherWithClient(client)
	defer p.Close()

	n := &execution.NodeExecution{ID: "n1", PlanExecutionID: "p1", Status: execution.StatusQueued}
	require.NoError(t, p.Publish(context.Background(), event.NewStepStatusUpdate(n)))
	assert.Equal(t, "pipeline:events:p1", p.Channel("p1"))
}

func TestPublishFailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	p := NewPublisherWithClient(client)
	defer p.Close()
	mr.Close()

	n := &execution.NodeExecution{ID: "n1", PlanExecutionID: "p1"}
	require.Error(t, p.Publish(context.Background(), event.NewStepStatusUpdate(n)))
}
