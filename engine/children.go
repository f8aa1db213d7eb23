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

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/waitnotify"
)

// ErrNoChildren is returned by SpawnChildren without children.
var ErrNoChildren = errors.New("engine: no child node execution to spawn")

// statusSeverity orders final statuses for the fan-in of a parent.
var statusSeverity = map[execution.Status]int{
	execution.StatusSucceeded: 0,
	execution.StatusFailed:    1,
	execution.StatusExpired:   2,
	execution.StatusAborted:   3,
}

// SpawnChildren saves children under parent, starts them and parks the
// parent until every child ended. The parent then ends in the most severe
// final status among its children.
func (l *Local) SpawnChildren(
	ctx context.Context,
	parent *execution.NodeExecution,
	children ...*execution.NodeExecution,
) ([]*execution.NodeExecution, error) {
	if len(children) == 0 {
		return nil, ErrNoChildren
	}
	saved := make([]*execution.NodeExecution, 0, len(children))
	notifyIDs := make([]string, 0, len(children))
	childIDs := make([]string, 0, len(children))
	for _, c := range children {
		c = c.Clone()
		c.ParentID = parent.ID
		c.PlanExecutionID = parent.PlanExecutionID
		if c.Status == "" {
			c.Status = execution.StatusQueued
		}
		if c.NotifyID == "" {
			c.NotifyID = uuid.NewString()
		}
		if c.StartTS.IsZero() {
			c.StartTS = time.Now().UTC()
		}
		c.Ambiance = parent.Ambiance.ForNode(c)
		s, err := l.nodes.Save(ctx, c)
		if err != nil {
			return saved, fmt.Errorf("save child %s of %s: %w", c.ID, parent.ID, err)
		}
		saved = append(saved, s)
		notifyIDs = append(notifyIDs, s.NotifyID)
		childIDs = append(childIDs, s.ID)
	}

	cb := &childrenCallback{engine: l, parentID: parent.ID, childIDs: childIDs}
	if _, err := l.waiter.WaitForAllOn(ctx, waitnotify.ChannelOrchestration, cb, notifyIDs...); err != nil {
		return saved, fmt.Errorf("park parent %s: %w", parent.ID, err)
	}
	for _, c := range saved {
		if err := l.StartNodeExecution(ctx, c); err != nil && !errors.Is(err, ErrNotRunnable) {
			return saved, err
		}
	}
	log.Debugf("[Engine] node %s spawned %d children", parent.ID, len(saved))
	return saved, nil
}

// childrenCallback ends a parent once all of its children ended.
type childrenCallback struct {
	engine   *Local
	parentID string
	childIDs []string
}

// Notify implements waitnotify.Callback. A retried child counts through
// its latest attempt, and the parent waits again while one still runs.
func (c *childrenCallback) Notify(ctx context.Context, _ map[string]any) error {
	status := execution.StatusSucceeded
	var running []string
	for _, id := range c.childIDs {
		n, err := c.engine.latestAttempt(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve child %s of %s: %w", id, c.parentID, err)
		}
		if !n.Status.Final() {
			if n.NotifyID == "" {
				return fmt.Errorf("child %s of %s is %s without a notify id", n.ID, c.parentID, n.Status)
			}
			running = append(running, n.NotifyID)
			continue
		}
		if statusSeverity[n.Status] > statusSeverity[status] {
			status = n.Status
		}
	}
	if len(running) > 0 {
		log.Debugf("[Engine] parent %s waits again on %d retried children", c.parentID, len(running))
		if _, err := c.engine.waiter.WaitForAllOn(ctx, waitnotify.ChannelOrchestration, c, running...); err != nil {
			return fmt.Errorf("park parent %s: %w", c.parentID, err)
		}
		return nil
	}
	return c.engine.endParent(ctx, c.parentID, status)
}

// latestAttempt follows the retries of a node execution to its newest
// attempt. A retry flagged without a saved attempt leaves the old one as
// the latest.
func (l *Local) latestAttempt(ctx context.Context, id string) (*execution.NodeExecution, error) {
	n, err := l.nodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for n.OldRetry && len(n.RetryIDs) > 0 {
		next, err := l.nodes.Get(ctx, n.RetryIDs[len(n.RetryIDs)-1])
		if errors.Is(err, execution.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		n = next
	}
	return n, nil
}

func (l *Local) endParent(ctx context.Context, parentID string, status execution.Status) error {
	parent, err := l.nodes.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.Final() {
		log.Debugf("[Engine] parent %s already %s", parentID, parent.Status)
		return nil
	}
	if parent.Status == execution.StatusDiscontinuing && status != execution.StatusExpired {
		status = execution.StatusAborted
	}
	if status == execution.StatusAborted && parent.Status != execution.StatusDiscontinuing {
		if _, err := l.nodes.FindAndModify(ctx,
			execution.ByID(parentID, execution.DefaultAbortableStatuses...),
			execution.Update{Status: execution.StatusDiscontinuing}); err != nil {
			return fmt.Errorf("discontinue parent %s: %w", parentID, err)
		}
	}

	var from []execution.Status
	for _, s := range execution.StatusesReaching(status) {
		if !s.Final() {
			from = append(from, s)
		}
	}
	now := time.Now().UTC()
	ended, err := l.nodes.FindAndModify(ctx,
		execution.ByID(parentID, from...),
		execution.Update{Status: status, EndTS: &now})
	if err != nil {
		return fmt.Errorf("end parent %s as %s: %w", parentID, status, err)
	}
	if ended == nil {
		log.Infof("[Engine] parent %s moved concurrently, fan-in result %s dropped", parentID, status)
		return nil
	}
	return l.EndNodeExecution(ctx, ended)
}
