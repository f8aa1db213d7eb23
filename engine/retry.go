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
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

// RetryHelper starts new attempts of failed node executions.
type RetryHelper struct {
	nodes     execution.Store
	engine    Engine
	retryable []execution.Status
}

// RetryOption configures RetryHelper.
type RetryOption func(*RetryHelper)

// WithRetryableStatuses overrides the statuses a node may be retried from.
func WithRetryableStatuses(statuses ...execution.Status) RetryOption {
	return func(h *RetryHelper) {
		if len(statuses) > 0 {
			h.retryable = slices.Clone(statuses)
		}
	}
}

// NewRetryHelper creates a retry helper.
func NewRetryHelper(nodes execution.Store, engine Engine, opts ...RetryOption) *RetryHelper {
	h := &RetryHelper{
		nodes:     nodes,
		engine:    engine,
		retryable: slices.Clone(execution.DefaultRetryableStatuses),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RetryableStatuses returns the statuses a node may be retried from.
func (h *RetryHelper) RetryableStatuses() []execution.Status {
	return slices.Clone(h.retryable)
}

// RetryNodeExecution flags the old attempt, saves a new QUEUED attempt
// and starts it. Non empty params replace the resolved parameters of the
// new attempt.
func (h *RetryHelper) RetryNodeExecution(
	ctx context.Context,
	nodeExecutionID string,
	params json.RawMessage,
	intr *interrupt.Interrupt,
) (*execution.NodeExecution, error) {
	newID := uuid.NewString()
	oldRetry := true
	update := execution.Update{OldRetry: &oldRetry, AppendRetryIDs: []string{newID}}
	if intr != nil {
		update.AppendEffects = []interrupt.Effect{interrupt.NewEffect(intr)}
	}
	old, err := h.nodes.FindAndModify(ctx, execution.ByID(nodeExecutionID, h.retryable...), update)
	if err != nil {
		return nil, fmt.Errorf("flag node execution %s for retry: %w", nodeExecutionID, err)
	}
	if old == nil {
		return nil, fmt.Errorf("%w: %s", ErrRetryFailed, nodeExecutionID)
	}

	attempt := newAttempt(old, newID, params)
	saved, err := h.nodes.Save(ctx, attempt)
	if err != nil {
		return nil, fmt.Errorf("save retry of %s: %w", nodeExecutionID, err)
	}
	log.Infof("[Retry] node %s retried as %s (attempt %d)", old.ID, saved.ID, saved.RetryCount)
	if err := h.engine.StartNodeExecution(ctx, saved); err != nil {
		return saved, fmt.Errorf("start retry %s: %w", saved.ID, err)
	}
	return saved, nil
}

func newAttempt(old *execution.NodeExecution, id string, params json.RawMessage) *execution.NodeExecution {
	n := old.Clone()
	n.ID = id
	n.Status = execution.StatusQueued
	n.PreviousID = old.ID
	n.RetryCount = old.RetryCount + 1
	n.RetryIDs = nil
	n.OldRetry = false
	n.InterruptHistories = nil
	n.ExecutableResponses = nil
	n.EndTS = nil
	n.StartTS = time.Now().UTC()
	n.LastUpdatedAt = n.StartTS
	n.Version = 0
	n.Ambiance.NodeExecutionID = id
	if old.NotifyID != "" {
		n.NotifyID = uuid.NewString()
	}
	if len(params) > 0 {
		n.ResolvedParams = append(json.RawMessage(nil), params...)
	}
	return n
}
