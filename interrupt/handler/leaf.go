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
	"sort"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// snapshot is one bulk read of the live nodes of a plan execution.
type snapshot struct {
	nodes    map[string]*execution.NodeExecution
	children map[string][]string
}

func (b *base) takeSnapshot(ctx context.Context, planExecutionID string) (*snapshot, error) {
	statuses := append([]execution.Status{}, execution.ActiveStatuses...)
	for _, s := range b.AbortableStatuses {
		if !s.In(statuses) {
			statuses = append(statuses, s)
		}
	}
	nodes, err := b.Nodes.FetchByStatus(ctx, planExecutionID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("fetch live nodes of %s: %w", planExecutionID, err)
	}
	s := &snapshot{
		nodes:    make(map[string]*execution.NodeExecution, len(nodes)),
		children: make(map[string][]string),
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
		if n.ParentID != "" {
			s.children[n.ParentID] = append(s.children[n.ParentID], n.ID)
		}
	}
	return s, nil
}

// scope returns the ids of rootID and its descendants known to the
// snapshot, or nil for the whole plan when rootID is empty.
func (s *snapshot) scope(rootID string) map[string]bool {
	if rootID == "" {
		return nil
	}
	in := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range s.children[id] {
			if !in[c] {
				in[c] = true
				queue = append(queue, c)
			}
		}
	}
	return in
}

func (s *snapshot) hasActiveChild(id string) bool {
	for _, c := range s.children[id] {
		if n := s.nodes[c]; n != nil && n.Status.In(execution.ActiveStatuses) {
			return true
		}
	}
	return false
}

// leaves returns the ids of the abortable nodes in scope without an active
// child. A parent left out because of a stale child read is picked up by a
// later sweep.
func (s *snapshot) leaves(abortable []execution.Status, scope map[string]bool) []string {
	var out []string
	for id, n := range s.nodes {
		if scope != nil && !scope[id] {
			continue
		}
		if !n.Status.In(abortable) || s.hasActiveChild(id) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
