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

// Package task defines executors of out of process tasks spawned by node
// executions and a registry keyed by task mode.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// ErrExecutorNotFound is returned when no executor serves a task mode.
var ErrExecutorNotFound = errors.New("task: no executor registered for mode")

// Executor cancels tasks it started.
type Executor interface {
	// AbortTask cancels the task. Aborting a task that already finished is
	// not an error.
	AbortTask(ctx context.Context, ambiance execution.Ambiance, taskID string) error
}

// Expirer is implemented by executors that distinguish expiry from abort.
type Expirer interface {
	ExpireTask(ctx context.Context, ambiance execution.Ambiance, taskID string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ambiance execution.Ambiance, taskID string) error

// AbortTask implements Executor.
func (f ExecutorFunc) AbortTask(ctx context.Context, ambiance execution.Ambiance, taskID string) error {
	return f(ctx, ambiance, taskID)
}

// Registry maps task modes to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds mode to e, replacing any previous executor.
func (r *Registry) Register(mode string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[mode] = e
}

// Obtain returns the executor of mode.
func (r *Registry) Obtain(mode string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExecutorNotFound, mode)
	}
	return e, nil
}

// Modes lists the registered modes in order.
func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for m := range r.executors {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Discontinue stops one task. With expire set, executors implementing
// Expirer get ExpireTask, the others AbortTask.
func (r *Registry) Discontinue(
	ctx context.Context,
	ambiance execution.Ambiance,
	mode, taskID string,
	expire bool,
) error {
	e, err := r.Obtain(mode)
	if err != nil {
		return err
	}
	if expirer, ok := e.(Expirer); ok && expire {
		return expirer.ExpireTask(ctx, ambiance, taskID)
	}
	return e.AbortTask(ctx, ambiance, taskID)
}
