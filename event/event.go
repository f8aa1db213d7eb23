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

// Package event provides step status update events emitted when an
// interrupt changes a node execution.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

// Type is the kind of an event.
type Type string

// Event types.
const (
	// TypeStepStatusUpdate reports a node execution status change.
	TypeStepStatusUpdate Type = "STEP_STATUS_UPDATE"
)

// Event represents a status change observed by the orchestrator.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the kind of the event.
	Type Type `json:"type"`

	// PlanExecutionID is the plan execution the node belongs to.
	PlanExecutionID string `json:"planExecutionId"`

	// NodeExecutionID is the node whose status changed.
	NodeExecutionID string `json:"nodeExecutionId"`

	// Status is the node status after the change.
	Status execution.Status `json:"status"`

	// InterruptID is the interrupt that caused the change, if any.
	InterruptID string `json:"interruptId,omitempty"`

	// InterruptType is the type of that interrupt.
	InterruptType interrupt.Type `json:"interruptType,omitempty"`

	// Timestamp is the time the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// WithInterrupt attributes the event to an interrupt.
func WithInterrupt(i *interrupt.Interrupt) Option {
	return func(e *Event) {
		if i == nil {
			return
		}
		e.InterruptID = i.ID
		e.InterruptType = i.Type
	}
}

// NewStepStatusUpdate creates a step status update event for n.
func NewStepStatusUpdate(n *execution.NodeExecution, opts ...Option) *Event {
	e := &Event{
		ID:              uuid.New().String(),
		Type:            TypeStepStatusUpdate,
		PlanExecutionID: n.PlanExecutionID,
		NodeExecutionID: n.ID,
		Status:          n.Status,
		Timestamp:       time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publisher delivers events to observers. Delivery is best effort:
// implementations never block the orchestrator on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *Event) error { return nil }
