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

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

var _ Handler = (*AbortAll)(nil)

// AbortAll aborts every leaf of a plan execution. Parents end through the
// fan-in of their children.
type AbortAll struct {
	*base
}

// NewAbortAll creates the ABORT_ALL handler.
func NewAbortAll(deps Dependencies) *AbortAll {
	return &AbortAll{base: newBase(deps, "AbortAll")}
}

// RegisterInterrupt implements Handler. Every other active interrupt of
// the plan is superseded and the abort is applied right away.
func (h *AbortAll) RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	active, err := h.Interrupts.FetchActive(ctx, intr.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if interrupt.FindActive(active, interrupt.TypeAbortAll) != nil {
		return nil, interrupt.ErrDuplicateAbort
	}
	if err := h.supersede(ctx, intr, active...); err != nil {
		return nil, err
	}
	saved, err := h.save(ctx, intr)
	if err != nil {
		return nil, err
	}
	log.Infof("[%s] interrupt %s registered for plan %s", h.name, saved.ID, saved.PlanExecutionID)
	return h.HandleInterrupt(ctx, saved, nil, nil)
}

// HandleInterrupt implements Handler.
func (h *AbortAll) HandleInterrupt(
	ctx context.Context,
	intr *interrupt.Interrupt,
	_ *execution.Ambiance,
	_ AdditionalInputs,
) (out *interrupt.Interrupt, err error) {
	ctx, span := h.startSpan(ctx, intr)
	defer func() { endSpan(span, out, err) }()
	return h.sweep(ctx, intr, "", execution.StatusAborted)
}
