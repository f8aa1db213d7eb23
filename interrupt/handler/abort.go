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

var _ Handler = (*Discontinue)(nil)

// Discontinue stops one node execution and its subtree, ending the
// discontinued leaves in a fixed final status. It serves ABORT and
// MARK_EXPIRED.
type Discontinue struct {
	*base
	final execution.Status
}

// NewAbort creates the ABORT handler.
func NewAbort(deps Dependencies) *Discontinue {
	return &Discontinue{base: newBase(deps, "Abort"), final: execution.StatusAborted}
}

// NewMarkExpired creates the MARK_EXPIRED handler. Task executors that can
// expire tasks are asked to.
func NewMarkExpired(deps Dependencies) *Discontinue {
	return &Discontinue{base: newBase(deps, "MarkExpired"), final: execution.StatusExpired}
}

// RegisterInterrupt implements Handler.
func (h *Discontinue) RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	if _, err := h.requireNode(ctx, intr); err != nil {
		return nil, err
	}
	saved, err := h.save(ctx, intr)
	if err != nil {
		return nil, err
	}
	return h.HandleInterrupt(ctx, saved, nil, nil)
}

// HandleInterrupt implements Handler. A target already final is left
// untouched and the interrupt succeeds.
func (h *Discontinue) HandleInterrupt(
	ctx context.Context,
	intr *interrupt.Interrupt,
	_ *execution.Ambiance,
	_ AdditionalInputs,
) (out *interrupt.Interrupt, err error) {
	ctx, span := h.startSpan(ctx, intr)
	defer func() { endSpan(span, out, err) }()

	n, err := h.requireNode(ctx, intr)
	if err != nil {
		return intr, err
	}
	if n.Status.Final() {
		cur, done, err := h.markProcessing(ctx, intr)
		if err != nil {
			return intr, err
		}
		if done {
			return cur, nil
		}
		log.Infof("[%s] node %s already %s", h.name, n.ID, n.Status)
		return h.succeed(ctx, cur)
	}
	return h.sweep(ctx, intr, n.ID, h.final)
}
