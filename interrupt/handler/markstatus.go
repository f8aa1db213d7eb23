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
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

var _ Handler = (*MarkStatus)(nil)

// MarkStatus forces a node execution into a final status.
type MarkStatus struct {
	*base
	target execution.Status
	// from are the non final statuses that can reach target.
	from []execution.Status
}

// NewMarkSuccess creates the MARK_SUCCESS handler.
func NewMarkSuccess(deps Dependencies) *MarkStatus {
	return newMarkStatus(deps, "MarkSuccess", execution.StatusSucceeded)
}

// NewMarkFailed creates the MARK_FAILED handler.
func NewMarkFailed(deps Dependencies) *MarkStatus {
	return newMarkStatus(deps, "MarkFailed", execution.StatusFailed)
}

func newMarkStatus(deps Dependencies, name string, target execution.Status) *MarkStatus {
	var from []execution.Status
	for _, s := range execution.StatusesReaching(target) {
		if !s.Final() {
			from = append(from, s)
		}
	}
	return &MarkStatus{base: newBase(deps, name), target: target, from: from}
}

// RegisterInterrupt implements Handler.
func (h *MarkStatus) RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	if _, err := h.requireNode(ctx, intr); err != nil {
		return nil, err
	}
	saved, err := h.save(ctx, intr)
	if err != nil {
		return nil, err
	}
	return h.HandleInterrupt(ctx, saved, nil, nil)
}

// HandleInterrupt implements Handler. A node already in the target status
// is left untouched.
func (h *MarkStatus) HandleInterrupt(
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
	cur, done, err := h.markProcessing(ctx, intr)
	if err != nil {
		return intr, err
	}
	if done {
		return cur, nil
	}
	if n.Status == h.target {
		log.Infof("[%s] node %s already %s", h.name, n.ID, h.target)
		return h.succeed(ctx, cur)
	}

	now := time.Now().UTC()
	marked, err := h.Nodes.FindAndModify(ctx,
		execution.ByID(n.ID, h.from...),
		execution.Update{
			Status:        h.target,
			EndTS:         &now,
			AppendEffects: []interrupt.Effect{interrupt.NewEffect(cur)},
		})
	if err != nil {
		return h.fail(ctx, cur, []string{n.ID}, err)
	}
	if marked == nil {
		return h.fail(ctx, cur, []string{n.ID},
			fmt.Errorf("%w: %s cannot move to %s", ErrLostRace, n.ID, h.target))
	}
	if err := h.Engine.EndNodeExecution(ctx, marked); err != nil {
		return h.fail(ctx, cur, []string{n.ID}, err)
	}
	return h.succeed(ctx, cur)
}
