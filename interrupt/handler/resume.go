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
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/waitnotify"
)

var (
	_ NodeHandler         = (*ResumeAll)(nil)
	_ waitnotify.Callback = (*ResumeAllCallback)(nil)
)

// ErrMissingResumeSignal is returned by a ResumeAllCallback fired without
// the signal of a resume.
var ErrMissingResumeSignal = errors.New("handler: resume signal missing from notification")

// ResumeSignal is the data a RESUME_ALL attaches to the pause it resolves.
type ResumeSignal struct {
	ResumeInterruptID string `json:"resumeInterruptId"`
}

// ResumeAll resolves an active PAUSE_ALL and re-queues the paused nodes.
type ResumeAll struct {
	*base
}

// NewResumeAll creates the RESUME_ALL handler.
func NewResumeAll(deps Dependencies) *ResumeAll {
	return &ResumeAll{base: newBase(deps, "ResumeAll")}
}

// RegisterInterrupt implements Handler. The resume is stored as PROCESSING
// before the pause is resolved, so a concurrent resume loses at the store.
// When no node was parked, the paused nodes are swept directly.
func (h *ResumeAll) RegisterInterrupt(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error) {
	active, err := h.Interrupts.FetchActive(ctx, intr.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	pause := interrupt.FindActive(active, interrupt.TypePauseAll)
	if pause == nil {
		return nil, interrupt.ErrNoActivePause
	}
	if interrupt.FindActive(active, interrupt.TypeResumeAll) != nil {
		return nil, interrupt.ErrDuplicateResume
	}

	intr.State = interrupt.StateProcessing
	saved, err := h.save(ctx, intr)
	if err != nil {
		return nil, err
	}
	if _, err := h.succeed(ctx, pause); err != nil {
		return h.fail(ctx, saved, nil, err)
	}
	fired := h.Waiter.DoneWith(ctx, pause.ID, ResumeSignal{ResumeInterruptID: saved.ID})
	log.Infof("[%s] interrupt %s resolved pause %s, %d parked nodes released",
		h.name, saved.ID, pause.ID, fired)
	if fired == 0 {
		return h.HandleInterrupt(ctx, saved, nil, nil)
	}
	return saved, nil
}

// HandleInterrupt implements Handler. It re-queues every PAUSED node of the
// plan execution.
func (h *ResumeAll) HandleInterrupt(
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
	paused, err := h.Nodes.FetchByStatus(ctx, cur.PlanExecutionID, execution.StatusPaused)
	if err != nil {
		return h.fail(ctx, cur, nil, err)
	}
	var (
		failed []string
		causes []error
	)
	for _, n := range paused {
		if err := h.resumeNode(ctx, cur, n.ID); err != nil {
			failed = append(failed, n.ID)
			causes = append(causes, fmt.Errorf("%s: %w", n.ID, err))
		}
	}
	if len(failed) > 0 {
		return h.fail(ctx, cur, failed, errors.Join(causes...))
	}
	return h.succeed(ctx, cur)
}

// HandleInterruptForNodeExecution implements NodeHandler. A node that is
// not PAUSED is left untouched.
func (h *ResumeAll) HandleInterruptForNodeExecution(
	ctx context.Context,
	intr *interrupt.Interrupt,
	nodeExecutionID string,
) (*interrupt.Interrupt, error) {
	n, err := h.Nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return intr, err
	}
	if n.Status != execution.StatusPaused {
		log.Debugf("[%s] node %s is %s, nothing to resume", h.name, n.ID, n.Status)
		return intr, nil
	}
	queued, err := h.Nodes.FindAndModify(ctx,
		execution.ByID(nodeExecutionID, execution.StatusPaused),
		execution.Update{
			Status:        execution.StatusQueued,
			AppendEffects: []interrupt.Effect{interrupt.NewEffect(intr)},
		})
	if err != nil {
		return intr, fmt.Errorf("resume node execution %s: %w", nodeExecutionID, err)
	}
	if queued == nil {
		log.Infof("[%s] node %s left PAUSED before resume", h.name, nodeExecutionID)
		return intr, nil
	}
	h.publish(ctx, queued, intr)
	return intr, nil
}

// resumeNode re-queues one node and hands it back to the engine.
func (h *ResumeAll) resumeNode(ctx context.Context, intr *interrupt.Interrupt, nodeExecutionID string) error {
	if _, err := h.HandleInterruptForNodeExecution(ctx, intr, nodeExecutionID); err != nil {
		return err
	}
	return h.Engine.ResumeNodeExecution(ctx, nodeExecutionID)
}

// completeIfDrained ends the resume once no node of the plan is PAUSED.
func (h *ResumeAll) completeIfDrained(ctx context.Context, resumeID string) error {
	resume, err := h.Interrupts.Get(ctx, resumeID)
	if err != nil {
		return err
	}
	if !resume.Active() {
		return nil
	}
	paused, err := h.Nodes.FetchByStatus(ctx, resume.PlanExecutionID, execution.StatusPaused)
	if err != nil {
		return err
	}
	if len(paused) > 0 {
		log.Debugf("[%s] %d nodes of %s still paused", h.name, len(paused), resume.PlanExecutionID)
		return nil
	}
	_, err = h.succeed(ctx, resume)
	return err
}

// ResumeAllCallback is parked on the wait engine for one paused node and
// fires when the pause is resolved.
type ResumeAllCallback struct {
	PlanExecutionID  string
	NodeExecutionID  string
	PauseInterruptID string

	resume *ResumeAll
}

// Notify implements waitnotify.Callback. A node that cannot be resumed
// ends the resume PROCESSED_UNSUCCESSFULLY.
func (c *ResumeAllCallback) Notify(ctx context.Context, data map[string]any) error {
	sig, ok := data[c.PauseInterruptID].(ResumeSignal)
	if !ok {
		return fmt.Errorf("%w: pause %s", ErrMissingResumeSignal, c.PauseInterruptID)
	}
	resume, err := c.resume.Interrupts.Get(ctx, sig.ResumeInterruptID)
	if err != nil {
		return err
	}
	if err := c.resume.resumeNode(ctx, resume, c.NodeExecutionID); err != nil {
		err = fmt.Errorf("resume node execution %s: %w", c.NodeExecutionID, err)
		if !resume.Active() {
			return err
		}
		_, err = c.resume.fail(ctx, resume, []string{c.NodeExecutionID}, err)
		return err
	}
	return c.resume.completeIfDrained(ctx, resume.ID)
}
