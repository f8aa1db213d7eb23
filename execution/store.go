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

package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

// Store errors.
var (
	ErrNotFound          = errors.New("execution: node execution not found")
	ErrAlreadyExists     = errors.New("execution: node execution already exists")
	ErrIllegalTransition = errors.New("execution: illegal status transition")
	ErrFilterIDRequired  = errors.New("execution: find and modify needs exactly one id")
)

// Filter selects node executions. Empty fields match everything.
type Filter struct {
	IDs             []string
	PlanExecutionID string
	Statuses        []Status
}

// ByID filters on one id and, optionally, a set of statuses.
func ByID(id string, statuses ...Status) Filter {
	return Filter{IDs: []string{id}, Statuses: statuses}
}

// Matches reports whether n satisfies f.
func (f Filter) Matches(n *NodeExecution) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, n.ID) {
		return false
	}
	if f.PlanExecutionID != "" && n.PlanExecutionID != f.PlanExecutionID {
		return false
	}
	if len(f.Statuses) > 0 && !n.Status.In(f.Statuses) {
		return false
	}
	return true
}

// Update is a mutation applied atomically to one node execution.
type Update struct {
	// Status, when set, moves the node along the state machine.
	Status Status
	// EndTS, when set, stamps the end timestamp.
	EndTS *time.Time
	// ClearEndTS removes the end timestamp.
	ClearEndTS bool
	// AppendEffects are appended to the interrupt history.
	AppendEffects []interrupt.Effect
	// AppendRetryIDs are appended to the retry ids.
	AppendRetryIDs []string
	// OldRetry, when set, overwrites the old retry flag.
	OldRetry *bool
}

// Apply mutates n in place. It fails without touching n when the status
// change is illegal.
func (u Update) Apply(n *NodeExecution, now time.Time) error {
	if u.Status != "" && u.Status != n.Status && !CanTransition(n.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s on %s", ErrIllegalTransition, n.Status, u.Status, n.ID)
	}
	if u.Status != "" {
		n.Status = u.Status
	}
	if u.ClearEndTS {
		n.EndTS = nil
	}
	if u.EndTS != nil {
		ts := *u.EndTS
		n.EndTS = &ts
	}
	n.InterruptHistories = append(n.InterruptHistories, u.AppendEffects...)
	n.RetryIDs = append(n.RetryIDs, u.AppendRetryIDs...)
	if u.OldRetry != nil {
		n.OldRetry = *u.OldRetry
	}
	n.LastUpdatedAt = now
	n.Version++
	return nil
}

// Store persists node executions.
//
// Every mutation of a single node is atomic: a concurrent writer either
// sees the node before or after the whole update. All methods return
// copies.
type Store interface {
	// Save inserts a node execution.
	Save(ctx context.Context, n *NodeExecution) (*NodeExecution, error)
	// Get returns the node execution or ErrNotFound.
	Get(ctx context.Context, id string) (*NodeExecution, error)
	// FetchByStatus returns the node executions of a plan in any of the
	// statuses, or all of them when statuses is empty, read in one pass.
	FetchByStatus(ctx context.Context, planExecutionID string, statuses ...Status) ([]*NodeExecution, error)
	// FetchChildren returns the direct children of a node execution.
	FetchChildren(ctx context.Context, parentID string) ([]*NodeExecution, error)
	// FindAndModify applies u to the single node selected by f and returns
	// the updated node. It returns nil, nil when f matches nothing, which
	// signals a lost race, and ErrIllegalTransition when the node matches
	// but cannot take the new status.
	FindAndModify(ctx context.Context, f Filter, u Update) (*NodeExecution, error)
	// UpdateMany applies u to every node matching f and returns how many
	// were updated. Each node is updated atomically on its own; nodes the
	// update cannot legally move are skipped.
	UpdateMany(ctx context.Context, f Filter, u Update) (int, error)
	// AppendInterruptHistory appends one effect to a node's history.
	AppendInterruptHistory(ctx context.Context, id string, effect interrupt.Effect) error
}
