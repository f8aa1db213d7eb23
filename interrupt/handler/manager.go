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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

var _ engine.Gate = (*Manager)(nil)

// Manager is the entry point for interrupts. It validates requests,
// serializes registrations per plan execution and dispatches them to the
// handler of their type. It is also the pre invocation gate of the engine.
type Manager struct {
	deps     Dependencies
	handlers *Registry
	locks    planLocks
	inst     instruments
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHandler overrides the handler of one interrupt type.
func WithHandler(t interrupt.Type, h Handler) ManagerOption {
	return func(m *Manager) {
		m.handlers.Register(t, h)
	}
}

// NewManager builds a manager with a handler for every interrupt type.
func NewManager(deps Dependencies, opts ...ManagerOption) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	resume := NewResumeAll(deps)
	handlers := NewRegistry()
	handlers.Register(interrupt.TypeAbortAll, NewAbortAll(deps))
	handlers.Register(interrupt.TypeAbort, NewAbort(deps))
	handlers.Register(interrupt.TypePauseAll, NewPauseAll(deps, resume))
	handlers.Register(interrupt.TypeResumeAll, resume)
	handlers.Register(interrupt.TypeRetry, NewRetry(deps))
	handlers.Register(interrupt.TypeMarkSuccess, NewMarkSuccess(deps))
	handlers.Register(interrupt.TypeMarkFailed, NewMarkFailed(deps))
	handlers.Register(interrupt.TypeMarkExpired, NewMarkExpired(deps))

	m := &Manager{
		deps:     deps,
		handlers: handlers,
		locks:    planLocks{m: make(map[string]*planLock)},
		inst:     newInstruments(deps.Meter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handlers returns the handler registry.
func (m *Manager) Handlers() *Registry {
	return m.handlers
}

// Register validates intr and registers it with the handler of its type.
// Registrations of one plan execution run one at a time.
func (m *Manager) Register(ctx context.Context, intr *interrupt.Interrupt) (out *interrupt.Interrupt, err error) {
	if err := validate(intr); err != nil {
		return nil, err
	}
	h, err := m.handlers.Obtain(intr.Type)
	if err != nil {
		return nil, err
	}
	fillDefaults(intr)

	unlock := m.locks.lock(intr.PlanExecutionID)
	defer unlock()

	ctx, span := m.deps.Tracer.Start(ctx, itelemetry.NewRegisterSpanName(intr.Type),
		trace.WithAttributes(itelemetry.InterruptAttributes(intr)...))
	defer func() { endSpan(span, out, err) }()
	m.inst.recordRegistered(ctx, intr)

	log.Infof("[Manager] registering %s %s on plan %s", intr.Type, intr.ID, intr.PlanExecutionID)
	return h.RegisterInterrupt(ctx, intr)
}

// Handle applies a persisted interrupt through the handler of its type.
func (m *Manager) Handle(
	ctx context.Context,
	intr *interrupt.Interrupt,
	ambiance *execution.Ambiance,
	inputs AdditionalInputs,
) (*interrupt.Interrupt, error) {
	if intr == nil {
		return nil, ErrNilInterrupt
	}
	h, err := m.handlers.Obtain(intr.Type)
	if err != nil {
		return intr, err
	}
	return h.HandleInterrupt(ctx, intr, ambiance, inputs)
}

// HandleForNodeExecution applies a persisted interrupt to one node
// execution. Only types with a node level handler support it.
func (m *Manager) HandleForNodeExecution(
	ctx context.Context,
	intr *interrupt.Interrupt,
	nodeExecutionID string,
) (*interrupt.Interrupt, error) {
	if intr == nil {
		return nil, ErrNilInterrupt
	}
	h, err := m.handlers.Obtain(intr.Type)
	if err != nil {
		return intr, err
	}
	nh, ok := h.(NodeHandler)
	if !ok {
		return intr, fmt.Errorf("%w: %s has no node level handler", interrupt.ErrUnsupportedType, intr.Type)
	}
	return nh.HandleInterruptForNodeExecution(ctx, intr, nodeExecutionID)
}

// Get returns one interrupt.
func (m *Manager) Get(ctx context.Context, id string) (*interrupt.Interrupt, error) {
	return m.deps.Interrupts.Get(ctx, id)
}

// List returns the interrupts of a plan execution, only the active ones
// when activeOnly is set.
func (m *Manager) List(ctx context.Context, planExecutionID string, activeOnly bool) ([]*interrupt.Interrupt, error) {
	if planExecutionID == "" {
		return nil, interrupt.ErrPlanExecutionIDRequired
	}
	if activeOnly {
		return m.deps.Interrupts.FetchActive(ctx, planExecutionID)
	}
	return m.deps.Interrupts.FetchAll(ctx, planExecutionID)
}

// CheckPreInvocation implements engine.Gate. While a PAUSE_ALL is active
// the node is paused and parked instead of started.
func (m *Manager) CheckPreInvocation(ctx context.Context, ambiance execution.Ambiance) (bool, error) {
	active, err := m.deps.Interrupts.FetchActive(ctx, ambiance.PlanExecutionID)
	if err != nil {
		return false, err
	}
	pause := interrupt.FindActive(active, interrupt.TypePauseAll)
	if pause == nil {
		return true, nil
	}
	if _, err := m.Handle(ctx, pause, &ambiance, nil); err != nil {
		return false, err
	}
	return false, nil
}

func validate(intr *interrupt.Interrupt) error {
	if intr == nil {
		return ErrNilInterrupt
	}
	if intr.PlanExecutionID == "" {
		return interrupt.ErrPlanExecutionIDRequired
	}
	if !intr.Type.Valid() {
		return fmt.Errorf("%w: %q", interrupt.ErrUnsupportedType, intr.Type)
	}
	if intr.Type.NodeScoped() && intr.NodeExecutionID == "" {
		return interrupt.ErrNodeExecutionIDRequired
	}
	return nil
}

func fillDefaults(intr *interrupt.Interrupt) {
	now := time.Now().UTC()
	if intr.ID == "" {
		intr.ID = uuid.NewString()
	}
	if intr.State == "" {
		intr.State = interrupt.StateRegistered
	}
	if intr.CreatedAt.IsZero() {
		intr.CreatedAt = now
	}
	if intr.LastUpdatedAt.IsZero() {
		intr.LastUpdatedAt = now
	}
}

// planLocks hands out one mutex per plan execution, dropped once unused.
type planLocks struct {
	mu sync.Mutex
	m  map[string]*planLock
}

type planLock struct {
	mu   sync.Mutex
	refs int
}

func (p *planLocks) lock(planExecutionID string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.m[planExecutionID]
	if !ok {
		l = &planLock{}
		p.m[planExecutionID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.m, planExecutionID)
		}
		p.mu.Unlock()
	}
}
