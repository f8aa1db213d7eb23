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

// Package handler applies interrupts to the node executions of a plan
// execution. There is one Handler per interrupt type; Manager validates,
// serializes and dispatches registrations to them.
package handler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	"trpc.group/trpc-go/trpc-pipeline-go/event"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/task"
	pmetric "trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	ptrace "trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-pipeline-go/waitnotify"
)

// Handler errors.
var (
	// ErrLostRace is the cause recorded when a conditional node update
	// matched nothing because another writer moved the node first.
	ErrLostRace = errors.New("handler: node execution changed concurrently")
	// ErrHandlerNotFound is returned for a type without a registered handler.
	ErrHandlerNotFound = errors.New("handler: no handler for interrupt type")
	// ErrNilInterrupt is returned when no interrupt is given.
	ErrNilInterrupt = errors.New("handler: interrupt is nil")
	// ErrMissingDependency is returned by NewManager when a required
	// dependency is not set.
	ErrMissingDependency = errors.New("handler: missing dependency")
)

// AdditionalInputs carries caller supplied values to HandleInterrupt.
type AdditionalInputs map[string]any

// Handler registers and applies interrupts of one type.
type Handler interface {
	// RegisterInterrupt validates intr against the active interrupts of its
	// plan execution and persists it. Eager types are applied right away.
	RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error)
	// HandleInterrupt applies a persisted interrupt. ambiance names the
	// node the interrupt acts on for types that need one.
	HandleInterrupt(
		ctx context.Context,
		intr *interrupt.Interrupt,
		ambiance *execution.Ambiance,
		inputs AdditionalInputs,
	) (*interrupt.Interrupt, error)
}

// NodeHandler is a Handler that can also be applied to one node execution.
type NodeHandler interface {
	Handler
	HandleInterruptForNodeExecution(
		ctx context.Context,
		intr *interrupt.Interrupt,
		nodeExecutionID string,
	) (*interrupt.Interrupt, error)
}

// Dependencies are the collaborators shared by every handler.
type Dependencies struct {
	Interrupts interrupt.Store
	Nodes      execution.Store
	Engine     engine.Engine
	// Retry starts new attempts. NewManager builds one from Nodes and
	// Engine when nil.
	Retry     *engine.RetryHelper
	Tasks     *task.Registry
	Steps     *step.Registry
	Waiter    waitnotify.Waiter
	Publisher event.Publisher
	// AbortableStatuses are swept by aborts. Defaults to
	// execution.DefaultAbortableStatuses.
	AbortableStatuses []execution.Status
	// RetryableStatuses may be retried. Defaults to the statuses of Retry.
	RetryableStatuses []execution.Status
	// Tracer and Meter default to the process wide telemetry.
	Tracer trace.Tracer
	Meter  metric.Meter
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Interrupts == nil {
		missing = append(missing, "Interrupts")
	}
	if d.Nodes == nil {
		missing = append(missing, "Nodes")
	}
	if d.Engine == nil {
		missing = append(missing, "Engine")
	}
	if d.Waiter == nil {
		missing = append(missing, "Waiter")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingDependency, missing)
	}
	return nil
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Retry == nil && d.Nodes != nil && d.Engine != nil {
		d.Retry = engine.NewRetryHelper(d.Nodes, d.Engine,
			engine.WithRetryableStatuses(d.RetryableStatuses...))
	}
	if len(d.RetryableStatuses) == 0 {
		if d.Retry != nil {
			d.RetryableStatuses = d.Retry.RetryableStatuses()
		} else {
			d.RetryableStatuses = slices.Clone(execution.DefaultRetryableStatuses)
		}
	}
	if len(d.AbortableStatuses) == 0 {
		d.AbortableStatuses = slices.Clone(execution.DefaultAbortableStatuses)
	}
	if d.Tasks == nil {
		d.Tasks = task.NewRegistry()
	}
	if d.Steps == nil {
		d.Steps = step.NewRegistry()
	}
	if d.Publisher == nil {
		d.Publisher = event.Nop{}
	}
	if d.Tracer == nil {
		d.Tracer = ptrace.Tracer
	}
	if d.Meter == nil {
		d.Meter = pmetric.Meter
	}
	return d
}

// Registry maps interrupt types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[interrupt.Type]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[interrupt.Type]Handler)}
}

// Register binds h to t, replacing any previous handler.
func (r *Registry) Register(t interrupt.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Obtain returns the handler of t.
func (r *Registry) Obtain(t interrupt.Type) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, t)
	}
	return h, nil
}

// base carries the helpers shared by the handlers.
type base struct {
	Dependencies
	inst instruments
	name string
}

func newBase(deps Dependencies, name string) *base {
	deps = deps.withDefaults()
	return &base{Dependencies: deps, inst: newInstruments(deps.Meter), name: name}
}

func (b *base) startSpan(ctx context.Context, intr *interrupt.Interrupt) (context.Context, trace.Span) {
	return b.Tracer.Start(ctx, itelemetry.NewHandleSpanName(intr.Type),
		trace.WithAttributes(itelemetry.InterruptAttributes(intr)...))
}

func endSpan(span trace.Span, intr *interrupt.Interrupt, err error) {
	itelemetry.TraceInterrupt(span, intr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (b *base) save(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	saved, err := b.Interrupts.Save(ctx, intr)
	if errors.Is(err, interrupt.ErrActiveInterruptExists) {
		return nil, interrupt.DuplicateError(intr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("save interrupt %s: %w", intr.ID, err)
	}
	return saved, nil
}

// supersede closes interrupts replaced by a newer one: those already being
// processed count as done, the others are discarded. Nodes parked by a
// superseded pause are released from the wait engine without resuming.
func (b *base) supersede(ctx context.Context, by *interrupt.Interrupt, others ...*interrupt.Interrupt) error {
	for _, o := range others {
		if o == nil || !o.Active() || o.ID == by.ID {
			continue
		}
		if o.Type == interrupt.TypePauseAll {
			if n := b.Waiter.Cancel(ctx, o.ID); n > 0 {
				log.Infof("[%s] dropped %d parked nodes of pause %s", b.name, n, o.ID)
			}
		}
		state := interrupt.StateDiscarded
		if o.State == interrupt.StateProcessing {
			state = interrupt.StateProcessedSuccessfully
		}
		if _, err := b.finish(ctx, o, state); err != nil {
			return fmt.Errorf("supersede interrupt %s: %w", o.ID, err)
		}
		log.Infof("[%s] interrupt %s (%s) superseded by %s as %s", b.name, o.ID, o.Type, by.ID, state)
	}
	return nil
}

// markProcessing moves intr to PROCESSING. done is true when it already
// reached a terminal state, in which case the stored record is returned.
func (b *base) markProcessing(ctx context.Context, intr *interrupt.Interrupt) (cur *interrupt.Interrupt, done bool, err error) {
	cur, err = b.Interrupts.MarkProcessing(ctx, intr.ID)
	if errors.Is(err, interrupt.ErrInvalidState) {
		stored, getErr := b.Interrupts.Get(ctx, intr.ID)
		if getErr != nil {
			return nil, false, getErr
		}
		return stored, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mark interrupt %s processing: %w", intr.ID, err)
	}
	return cur, false, nil
}

func (b *base) finish(ctx context.Context, intr *interrupt.Interrupt, state interrupt.State) (*interrupt.Interrupt, error) {
	done, err := b.Interrupts.MarkProcessed(ctx, intr.ID, state)
	if err != nil {
		return intr, fmt.Errorf("mark interrupt %s %s: %w", intr.ID, state, err)
	}
	b.inst.recordProcessed(ctx, done, time.Since(done.CreatedAt))
	return done, nil
}

func (b *base) succeed(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	return b.finish(ctx, intr, interrupt.StateProcessedSuccessfully)
}

// fail marks intr PROCESSED_UNSUCCESSFULLY and returns the processing error.
func (b *base) fail(
	ctx context.Context,
	intr *interrupt.Interrupt,
	nodeIDs []string,
	cause error,
) (*interrupt.Interrupt, error) {
	perr := &interrupt.ProcessingError{
		InterruptID:      intr.ID,
		Type:             intr.Type,
		PlanExecutionID:  intr.PlanExecutionID,
		NodeExecutionIDs: nodeIDs,
		Cause:            cause,
	}
	log.Errorf("[%s] %v", b.name, perr)
	done, err := b.finish(ctx, intr, interrupt.StateProcessedUnsuccessfully)
	if err != nil {
		return done, errors.Join(perr, err)
	}
	return done, perr
}

// requireNode loads the node execution targeted by intr.
func (b *base) requireNode(ctx context.Context, intr *interrupt.Interrupt) (*execution.NodeExecution, error) {
	if intr.NodeExecutionID == "" {
		return nil, interrupt.ErrNodeExecutionIDRequired
	}
	n, err := b.Nodes.Get(ctx, intr.NodeExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load node execution %s: %w", intr.NodeExecutionID, err)
	}
	if n.PlanExecutionID != intr.PlanExecutionID {
		return nil, fmt.Errorf("%w: %s is not part of plan execution %s",
			execution.ErrNotFound, n.ID, intr.PlanExecutionID)
	}
	return n, nil
}

func (b *base) publish(ctx context.Context, n *execution.NodeExecution, intr *interrupt.Interrupt) {
	if err := b.Publisher.Publish(ctx, event.NewStepStatusUpdate(n, event.WithInterrupt(intr))); err != nil {
		log.Warnf("[%s] publish status of %s: %v", b.name, n.ID, err)
	}
}
