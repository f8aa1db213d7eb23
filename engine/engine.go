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

// Package engine drives node executions through their lifecycle.
package engine

import (
	"context"
	"errors"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// Engine errors.
var (
	// ErrRetryFailed is returned when the node left the retryable statuses
	// before the retry could claim it.
	ErrRetryFailed = errors.New("engine: node execution could not be retried")
	// ErrNotRunnable is returned when a node is started from a status other
	// than QUEUED.
	ErrNotRunnable = errors.New("engine: node execution is not queued")
)

// Engine is the execution facade used by interrupt handlers.
type Engine interface {
	// StartNodeExecution runs a QUEUED node execution.
	StartNodeExecution(ctx context.Context, n *execution.NodeExecution) error
	// ResumeNodeExecution runs a node that was moved back to QUEUED.
	ResumeNodeExecution(ctx context.Context, nodeExecutionID string) error
	// EndNodeExecution completes a node that reached a final status and
	// notifies whatever waits on it.
	EndNodeExecution(ctx context.Context, n *execution.NodeExecution) error
}

// Runner is the step runtime. It executes the work of a node and returns
// the status the node should end in.
type Runner interface {
	Run(ctx context.Context, n *execution.NodeExecution) (execution.Status, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, n *execution.NodeExecution) (execution.Status, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, n *execution.NodeExecution) (execution.Status, error) {
	return f(ctx, n)
}

// Gate decides, right before a node starts, whether it may run now.
type Gate interface {
	CheckPreInvocation(ctx context.Context, ambiance execution.Ambiance) (proceed bool, err error)
}

// NodeStatusData is the payload sent to the correlation a parent waits on
// when a child node ends.
type NodeStatusData struct {
	NodeExecutionID string           `json:"nodeExecutionId"`
	Status          execution.Status `json:"status"`
}
