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
	"fmt"
	"slices"
)

// Status is the status of a node execution.
type Status string

// Node execution statuses.
const (
	StatusQueued        Status = "QUEUED"
	StatusRunning       Status = "RUNNING"
	StatusDiscontinuing Status = "DISCONTINUING"
	StatusAborted       Status = "ABORTED"
	StatusPaused        Status = "PAUSED"
	StatusSucceeded     Status = "SUCCEEDED"
	StatusFailed        Status = "FAILED"
	StatusExpired       Status = "EXPIRED"
)

// Status sets used by the interrupt handlers.
var (
	// FinalStatuses can never be left.
	FinalStatuses = []Status{StatusAborted, StatusSucceeded, StatusFailed, StatusExpired}
	// ActiveStatuses mark a child that keeps its parent out of a sweep.
	ActiveStatuses = []Status{StatusQueued, StatusRunning, StatusPaused, StatusDiscontinuing}
	// DefaultAbortableStatuses are swept by abort.
	DefaultAbortableStatuses = []Status{StatusQueued, StatusRunning, StatusPaused}
	// DefaultRetryableStatuses may be retried.
	DefaultRetryableStatuses = []Status{StatusFailed, StatusExpired}
	// PausableStatuses may be moved to PAUSED.
	PausableStatuses = []Status{StatusQueued, StatusRunning}
)

var allStatuses = []Status{
	StatusQueued, StatusRunning, StatusDiscontinuing, StatusAborted,
	StatusPaused, StatusSucceeded, StatusFailed, StatusExpired,
}

// transitions lists the legal edges of the node state machine.
var transitions = map[Status][]Status{
	StatusQueued: {
		StatusRunning, StatusPaused, StatusDiscontinuing,
		StatusSucceeded, StatusFailed, StatusExpired,
	},
	StatusRunning: {
		StatusPaused, StatusDiscontinuing,
		StatusSucceeded, StatusFailed, StatusExpired,
	},
	StatusPaused: {
		StatusQueued, StatusDiscontinuing,
		StatusSucceeded, StatusFailed, StatusExpired,
	},
	StatusDiscontinuing: {StatusAborted, StatusExpired},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(allStatuses, s)
}

// Final reports whether s is terminal.
func (s Status) Final() bool {
	return slices.Contains(FinalStatuses, s)
}

// In reports whether s belongs to set.
func (s Status) In(set []Status) bool {
	return slices.Contains(set, s)
}

// CanTransition reports whether a node may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ParseStatuses converts names into statuses, rejecting unknown ones.
func ParseStatuses(names []string) ([]Status, error) {
	out := make([]Status, 0, len(names))
	for _, n := range names {
		s := Status(n)
		if !s.Valid() {
			return nil, fmt.Errorf("execution: unknown status %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// StatusesReaching returns the statuses from which to is reachable in one
// step.
func StatusesReaching(to Status) []Status {
	var out []Status
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
