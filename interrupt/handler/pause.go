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
	"trpc.group/trpc-go/trpc-pipeline-go/waitnotify"
)

var _ Handler = (*PauseAll)(nil)

// PauseAll pauses a plan execution lazily: registration only records the
// interrupt and each node is parked when it next tries to start.
type PauseAll struct {
	*base
	resume *ResumeAll
}

// NewPauseAll creates the PAUSE_ALL handler. Parked nodes are resumed by
// resume, or by a ResumeAll built from deps when resume is nil.
func NewPauseAll(deps Dependencies, resume *ResumeAll) *PauseAll {
	if resume == nil {
		resume = NewResumeAll(deps)
	}
	return &PauseAll{base: newBase(deps, "PauseAll"), resume: resume}
}

// RegisterInterrupt implements Handler. An active RESUME_ALL is seized by
// the new pause.
func (h *PauseAll) RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	active, err := h.Interrupts.FetchActive(ctx, intr.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if interrupt.FindActive(active, interrupt.TypePauseAll) != nil {
		return nil, interrupt.ErrDuplicatePause
	}
	if resume := interrupt.FindActive(active, interrupt.TypeResumeAll); resume != nil {
		if err := h.supersede(ctx, intr, resume); err != nil {
			return nil, err
		}
	}
	saved, err := h.save(ctx, intr)
	if err != nil {
		return nil, err
	}
	log.Infof("[%s] interrupt %s registered for plan %s", h.name, saved.ID, saved.PlanExecutionID)
	return saved, nil
}

// HandleInterrupt implements Handler. It pauses the node named by ambiance
// and parks it until the pause is resolved.
func (h *PauseAll) HandleInterrupt(
	ctx context.Context,
	intr *interrupt.Interrupt,
	ambiance *execution.Ambiance,
	_ AdditionalInputs,
) (out *interrupt.Interrupt, err error) {
	if ambiance == nil || ambiance.NodeExecutionID == "" {
		return intr, interrupt.ErrNodeExecutionIDRequired
	}
	ctx, span := h.startSpan(ctx, intr)
	defer func() { endSpan(span, out, err) }()

	nodeID := ambiance.NodeExecutionID
	paused, err := h.Nodes.FindAndModify(ctx,
		execution.ByID(nodeID, execution.PausableStatuses...),
		execution.Update{
			Status:        execution.StatusPaused,
			AppendEffects: []interrupt.Effect{interrupt.NewEffect(intr)},
		})
	if err != nil {
		return intr, fmt.Errorf("pause node execution %s: %w", nodeID, err)
	}
	if paused == nil {
		n, err := h.Nodes.Get(ctx, nodeID)
		if err != nil {
			return intr, err
		}
		if n.Status != execution.StatusPaused {
			log.Infof("[%s] node %s is %s, not paused", h.name, nodeID, n.Status)
			return intr, nil
		}
		paused = n
	}

	cur, _, err := h.markProcessing(ctx, intr)
	if err != nil {
		return intr, err
	}
	h.publish(ctx, paused, cur)

	cb := &ResumeAllCallback{
		PlanExecutionID:  paused.PlanExecutionID,
		NodeExecutionID:  paused.ID,
		PauseInterruptID: intr.ID,
		resume:           h.resume,
	}
	if _, err := h.Waiter.WaitForAllOn(ctx, waitnotify.ChannelOrchestration, cb, intr.ID); err != nil {
		return cur, fmt.Errorf("park node execution %s: %w", nodeID, err)
	}
	log.Infof("[%s] node %s paused by %s", h.name, nodeID, intr.ID)
	return cur, nil
}
