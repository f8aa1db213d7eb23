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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-pipeline-go/event"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/waitnotify"
)

var _ Engine = (*Local)(nil)

const defaultRunParallelism = 32

// Local runs node executions in process on a worker pool.
type Local struct {
	nodes     execution.Store
	waiter    waitnotify.Waiter
	publisher event.Publisher
	runner    Runner
	gate      atomic.Pointer[gateHolder]
	pool      *ants.Pool
	running   sync.WaitGroup
}

type gateHolder struct{ g Gate }

// Option configures Local.
type Option func(*localOptions)

type localOptions struct {
	publisher   event.Publisher
	runner      Runner
	parallelism int
}

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(o *localOptions) {
		o.publisher = p
	}
}

// WithRunner sets the step runtime. Without one, started nodes stay
// RUNNING until something else ends them.
func WithRunner(r Runner) Option {
	return func(o *localOptions) {
		o.runner = r
	}
}

// WithParallelism bounds the number of nodes running at once.
func WithParallelism(n int) Option {
	return func(o *localOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// NewLocal creates a local engine.
func NewLocal(nodes execution.Store, waiter waitnotify.Waiter, opts ...Option) (*Local, error) {
	o := localOptions{publisher: event.Nop{}, parallelism: defaultRunParallelism}
	for _, opt := range opts {
		opt(&o)
	}
	pool, err := ants.NewPool(o.parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create node worker pool: %w", err)
	}
	return &Local{
		nodes:     nodes,
		waiter:    waiter,
		publisher: o.publisher,
		runner:    o.runner,
		pool:      pool,
	}, nil
}

// SetGate installs the pre invocation check. It may be called after
// construction since the gate usually depends on the engine.
func (l *Local) SetGate(g Gate) {
	l.gate.Store(&gateHolder{g: g})
}

// StartNodeExecution implements Engine.
func (l *Local) StartNodeExecution(ctx context.Context, n *execution.NodeExecution) error {
	if h := l.gate.Load(); h != nil && h.g != nil {
		proceed, err := h.g.CheckPreInvocation(ctx, n.Ambiance.ForNode(n))
		if err != nil {
			return fmt.Errorf("pre invocation check of %s: %w", n.ID, err)
		}
		if !proceed {
			log.Infof("[Engine] node %s held before start", n.ID)
			return nil
		}
	}
	running, err := l.nodes.FindAndModify(ctx,
		execution.ByID(n.ID, execution.StatusQueued),
		execution.Update{Status: execution.StatusRunning})
	if err != nil {
		return fmt.Errorf("start node execution %s: %w", n.ID, err)
	}
	if running == nil {
		return fmt.Errorf("%w: %s", ErrNotRunnable, n.ID)
	}
	l.publish(ctx, running)
	if l.runner == nil || spawnsChildren(running) {
		// Parents end through the fan-in of SpawnChildren.
		return nil
	}
	runCtx := context.WithoutCancel(ctx)
	task := func() {
		defer l.running.Done()
		l.run(runCtx, running)
	}
	l.running.Add(1)
	if err := l.pool.Submit(task); err != nil {
		l.running.Done()
		return fmt.Errorf("submit node execution %s: %w", n.ID, err)
	}
	return nil
}

func spawnsChildren(n *execution.NodeExecution) bool {
	return n.Mode == execution.ModeChild || n.Mode == execution.ModeChildren
}

func (l *Local) run(ctx context.Context, n *execution.NodeExecution) {
	status, err := l.runner.Run(ctx, n)
	if err != nil {
		log.Warnf("[Engine] node %s failed: %v", n.ID, err)
		status = execution.StatusFailed
	}
	if !status.Final() {
		log.Errorf("[Engine] runner returned non final status %s for node %s", status, n.ID)
		status = execution.StatusFailed
	}
	now := time.Now().UTC()
	ended, err := l.nodes.FindAndModify(ctx,
		execution.ByID(n.ID, execution.StatusRunning),
		execution.Update{Status: status, EndTS: &now})
	if err != nil {
		log.Errorf("[Engine] end node %s as %s: %v", n.ID, status, err)
		return
	}
	if ended == nil {
		// An interrupt moved the node first and owns its end transition.
		log.Infof("[Engine] node %s left RUNNING while executing, result %s dropped", n.ID, status)
		return
	}
	if err := l.EndNodeExecution(ctx, ended); err != nil {
		log.Errorf("[Engine] end node %s: %v", n.ID, err)
	}
}

// ResumeNodeExecution implements Engine.
func (l *Local) ResumeNodeExecution(ctx context.Context, nodeExecutionID string) error {
	n, err := l.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if n.Status != execution.StatusQueued {
		log.Debugf("[Engine] resume of %s skipped, status %s", n.ID, n.Status)
		return nil
	}
	return l.StartNodeExecution(ctx, n)
}

// EndNodeExecution implements Engine.
func (l *Local) EndNodeExecution(ctx context.Context, n *execution.NodeExecution) error {
	if !n.Status.Final() {
		return fmt.Errorf("end node execution %s: status %s is not final", n.ID, n.Status)
	}
	l.publish(ctx, n)
	if n.NotifyID != "" {
		fired := l.waiter.DoneWith(ctx, n.NotifyID, NodeStatusData{NodeExecutionID: n.ID, Status: n.Status})
		log.Debugf("[Engine] node %s ended %s, %d waits fired", n.ID, n.Status, fired)
	}
	return nil
}

func (l *Local) publish(ctx context.Context, n *execution.NodeExecution) {
	if err := l.publisher.Publish(ctx, event.NewStepStatusUpdate(n)); err != nil {
		log.Warnf("[Engine] publish status of %s: %v", n.ID, err)
	}
}

// Drain waits for every submitted node to finish running.
func (l *Local) Drain() {
	l.running.Wait()
}

// Close drains and releases the worker pool.
func (l *Local) Close() {
	l.Drain()
	l.pool.Release()
}
