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

// Package execution defines node executions, their state machine and the
// store contract used to mutate them under concurrency.
package execution

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
)

// Mode tells how a node execution carries out its work.
type Mode string

// Execution modes.
const (
	// ModeSync runs in process.
	ModeSync Mode = "SYNC"
	// ModeTask spawns out of process tasks.
	ModeTask Mode = "TASK"
	// ModeChild spawns one child node execution.
	ModeChild Mode = "CHILD"
	// ModeChildren spawns several child node executions.
	ModeChildren Mode = "CHILDREN"
)

// Ambiance locates an operation inside a plan execution.
type Ambiance struct {
	PlanExecutionID string            `json:"planExecutionId"`
	NodeExecutionID string            `json:"nodeExecutionId,omitempty"`
	StepType        string            `json:"stepType,omitempty"`
	SetupData       map[string]string `json:"setupData,omitempty"`
}

// ForNode returns a copy of a scoped to the given node execution.
func (a Ambiance) ForNode(n *NodeExecution) Ambiance {
	c := a
	c.NodeExecutionID = n.ID
	c.StepType = n.StepType
	if a.SetupData != nil {
		c.SetupData = maps.Clone(a.SetupData)
	}
	return c
}

// ExecutableResponse describes what a node spawned, as needed to cancel it.
type ExecutableResponse struct {
	// TaskMode selects the task executor handling TaskIDs.
	TaskMode string            `json:"taskMode,omitempty"`
	TaskIDs  []string          `json:"taskIds,omitempty"`
	ChildIDs []string          `json:"childIds,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NodeExecution is one instance of a step or stage inside a plan execution.
type NodeExecution struct {
	ID                  string               `json:"id"`
	PlanExecutionID     string               `json:"planExecutionId"`
	ParentID            string               `json:"parentId,omitempty"`
	Identifier          string               `json:"identifier,omitempty"`
	StepType            string               `json:"stepType,omitempty"`
	Status              Status               `json:"status"`
	Mode                Mode                 `json:"mode,omitempty"`
	Ambiance            Ambiance             `json:"ambiance"`
	ResolvedParams      json.RawMessage      `json:"resolvedParams,omitempty"`
	ExecutableResponses []ExecutableResponse `json:"executableResponses,omitempty"`
	InterruptHistories  []interrupt.Effect   `json:"interruptHistories,omitempty"`
	// NotifyID is the correlation the parent waits on for this node.
	NotifyID      string     `json:"notifyId,omitempty"`
	RetryIDs      []string   `json:"retryIds,omitempty"`
	OldRetry      bool       `json:"oldRetry,omitempty"`
	PreviousID    string     `json:"previousId,omitempty"`
	RetryCount    int        `json:"retryCount,omitempty"`
	StartTS       time.Time  `json:"startTs"`
	EndTS         *time.Time `json:"endTs,omitempty"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	Version       int64      `json:"version"`
}

// Clone returns a deep copy of n.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.Ambiance.SetupData = maps.Clone(n.Ambiance.SetupData)
	if n.ResolvedParams != nil {
		c.ResolvedParams = append(json.RawMessage(nil), n.ResolvedParams...)
	}
	if n.ExecutableResponses != nil {
		c.ExecutableResponses = make([]ExecutableResponse, len(n.ExecutableResponses))
		for i, r := range n.ExecutableResponses {
			r.TaskIDs = slices.Clone(r.TaskIDs)
			r.ChildIDs = slices.Clone(r.ChildIDs)
			r.Metadata = maps.Clone(r.Metadata)
			c.ExecutableResponses[i] = r
		}
	}
	c.InterruptHistories = slices.Clone(n.InterruptHistories)
	c.RetryIDs = slices.Clone(n.RetryIDs)
	if n.EndTS != nil {
		ts := *n.EndTS
		c.EndTS = &ts
	}
	return &c
}

// TaskIDs returns the spawned task ids grouped by task mode.
func (n *NodeExecution) TaskIDs() map[string][]string {
	out := map[string][]string{}
	for _, r := range n.ExecutableResponses {
		if len(r.TaskIDs) == 0 {
			continue
		}
		out[r.TaskMode] = append(out[r.TaskMode], r.TaskIDs...)
	}
	return out
}

// EffectCount returns how many effects of the given interrupt were recorded.
func (n *NodeExecution) EffectCount(interruptID string) int {
	c := 0
	for _, e := range n.InterruptHistories {
		if e.InterruptID == interruptID {
			c++
		}
	}
	return c
}
