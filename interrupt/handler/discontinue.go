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
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
)

// sweep discontinues the leaves under rootID, or of the whole plan when
// rootID is empty, and ends them in final.
func (b *base) sweep(
	ctx context.Context,
	intr *interrupt.Interrupt,
	rootID string,
	final execution.Status,
) (*interrupt.Interrupt, error) {
	cur, done, err := b.markProcessing(ctx, intr)
	if err != nil {
		return intr, err
	}
	if done {
		log.Infof("[%s] interrupt %s already %s", b.name, cur.ID, cur.State)
		return cur, nil
	}

	snap, err := b.takeSnapshot(ctx, cur.PlanExecutionID)
	if err != nil {
		return b.fail(ctx, cur, nil, err)
	}
	scope := snap.scope(rootID)
	leaves := snap.leaves(b.AbortableStatuses, scope)
	if len(leaves) > 0 {
		n, err := b.Nodes.UpdateMany(ctx,
			execution.Filter{
				IDs:             leaves,
				PlanExecutionID: cur.PlanExecutionID,
				Statuses:        b.AbortableStatuses,
			},
			execution.Update{
				Status:        execution.StatusDiscontinuing,
				AppendEffects: []interrupt.Effect{interrupt.NewEffect(cur)},
			})
		if err != nil {
			return b.fail(ctx, cur, leaves, fmt.Errorf("mark leaves discontinuing: %w", err))
		}
		if n == 0 {
			log.Infof("[%s] no leaf of %s was still abortable", b.name, cur.PlanExecutionID)
		} else {
			log.Debugf("[%s] %d of %d leaves of %s marked discontinuing", b.name, n, len(leaves), cur.PlanExecutionID)
		}
	}

	marked, err := b.Nodes.FetchByStatus(ctx, cur.PlanExecutionID, execution.StatusDiscontinuing)
	if err != nil {
		return b.fail(ctx, cur, leaves, fmt.Errorf("fetch discontinuing nodes: %w", err))
	}
	var (
		failed []string
		causes []error
	)
	for _, n := range marked {
		if scope != nil && !scope[n.ID] {
			continue
		}
		if err := b.discontinueMarkedInstance(ctx, n, final); err != nil {
			log.Warnf("[%s] discontinue %s: %v", b.name, n.ID, err)
			failed = append(failed, n.ID)
			causes = append(causes, fmt.Errorf("%s: %w", n.ID, err))
		}
	}
	if len(failed) > 0 {
		return b.fail(ctx, cur, failed, errors.Join(causes...))
	}
	return b.succeed(ctx, cur)
}

// discontinueMarkedInstance cancels what a DISCONTINUING node spawned and
// moves it to final.
func (b *base) discontinueMarkedInstance(ctx context.Context, n *execution.NodeExecution, final execution.Status) error {
	ambiance := n.Ambiance.ForNode(n)
	if n.Mode == execution.ModeTask {
		byMode := n.TaskIDs()
		modes := make([]string, 0, len(byMode))
		for m := range byMode {
			modes = append(modes, m)
		}
		sort.Strings(modes)
		for _, m := range modes {
			for _, id := range byMode[m] {
				if err := b.Tasks.Discontinue(ctx, ambiance, m, id, final == execution.StatusExpired); err != nil {
					return fmt.Errorf("discontinue task %s (%s): %w", id, m, err)
				}
			}
		}
	}

	if n.StepType != "" {
		s, err := b.Steps.Obtain(n.StepType)
		switch {
		case errors.Is(err, step.ErrStepNotFound):
			log.Debugf("[%s] no step capability for %s", b.name, n.StepType)
		case err != nil:
			return err
		case s.SupportsAbort():
			if err := s.HandleAbort(ctx, step.AbortRequest{
				Ambiance:            ambiance,
				ResolvedParams:      n.ResolvedParams,
				ExecutableResponses: n.ExecutableResponses,
			}); err != nil {
				return fmt.Errorf("abort step %s: %w", n.StepType, err)
			}
		}
	}

	now := time.Now().UTC()
	ended, err := b.Nodes.FindAndModify(ctx,
		execution.ByID(n.ID, execution.StatusDiscontinuing),
		execution.Update{Status: final, EndTS: &now})
	if err != nil {
		return err
	}
	if ended == nil {
		return fmt.Errorf("%w: %s left %s before it could end %s",
			ErrLostRace, n.ID, execution.StatusDiscontinuing, final)
	}
	return b.Engine.EndNodeExecution(ctx, ended)
}
