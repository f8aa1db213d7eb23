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

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

var _ Handler = (*Retry)(nil)

// Retry re-runs a failed node execution as a new attempt.
type Retry struct {
	*base
}

// NewRetry creates the RETRY handler.
func NewRetry(deps Dependencies) *Retry {
	return &Retry{base: newBase(deps, "Retry")}
}

// RegisterInterrupt implements Handler. The node must be retryable before
// anything is written.
func (h *Retry) RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	n, err := h.requireNode(ctx, intr)
	if err != nil {
		return nil, err
	}
	if !n.Status.In(h.RetryableStatuses) {
		return nil, fmt.Errorf("%w: %s is %s", interrupt.ErrNodeNotRetryable, n.ID, n.Status)
	}
	intr.State = interrupt.StateProcessing
	saved, err := h.save(ctx, intr)
	if err != nil {
		return nil, err
	}
	return h.HandleInterrupt(ctx, saved, nil, nil)
}

// HandleInterrupt implements Handler.
func (h *Retry) HandleInterrupt(
	ctx context.Context,
	intr *interrupt.Interrupt,
	_ *execution.Ambiance,
	_ AdditionalInputs,
) (out *interrupt.Interrupt, err error) {
	ctx, span := h.startSpan(ctx, intr)
	defer func() { endSpan(span, out, err) }()

	cur, done, err := h.markProcessing(ctx, intr)
	if err != nil {
		return intr, err
	}
	if done {
		return cur, nil
	}
	attempt, err := h.Retry.RetryNodeExecution(ctx, cur.NodeExecutionID, cur.Parameters, cur)
	if err != nil {
		return h.fail(ctx, cur, []string{cur.NodeExecutionID}, err)
	}
	log.Infof("[%s] node %s retried as %s", h.name, cur.NodeExecutionID, attempt.ID)
	return h.succeed(ctx, cur)
}
