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

package interrupt

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors. They are returned before anything is persisted.
var (
	ErrDuplicateAbort          = errors.New("interrupt: an abort all interrupt is already active for this plan execution")
	ErrDuplicatePause          = errors.New("interrupt: a pause all interrupt is already active for this plan execution")
	ErrDuplicateResume         = errors.New("interrupt: a resume all interrupt is already active for this plan execution")
	ErrNoActivePause           = errors.New("interrupt: no active pause all interrupt to resume")
	ErrNodeExecutionIDRequired = errors.New("interrupt: node execution id is required")
	ErrNodeNotRetryable        = errors.New("interrupt: node execution is not in a retryable status")
	ErrUnsupportedType         = errors.New("interrupt: unsupported interrupt type")
	ErrPlanExecutionIDRequired = errors.New("interrupt: plan execution id is required")
)

// Store errors.
var (
	ErrNotFound              = errors.New("interrupt: not found")
	ErrAlreadyExists         = errors.New("interrupt: already exists")
	ErrActiveInterruptExists = errors.New("interrupt: an active interrupt of this exclusive type already exists")
	ErrInvalidState          = errors.New("interrupt: invalid state transition")
)

// ErrInterruptProcessingFailed is matched by every ProcessingError.
var ErrInterruptProcessingFailed = errors.New("interrupt: processing failed")

// DuplicateError returns the named duplicate error for an exclusive type.
func DuplicateError(t Type) error {
	switch t {
	case TypeAbortAll:
		return ErrDuplicateAbort
	case TypePauseAll:
		return ErrDuplicatePause
	case TypeResumeAll:
		return ErrDuplicateResume
	default:
		return ErrActiveInterruptExists
	}
}

// ProcessingError reports that an accepted interrupt could not be applied.
// The interrupt itself is left PROCESSED_UNSUCCESSFULLY.
type ProcessingError struct {
	InterruptID      string
	Type             Type
	PlanExecutionID  string
	NodeExecutionIDs []string
	Cause            error
}

// Error implements error.
func (e *ProcessingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "interrupt: processing %s %s failed for plan execution %s",
		e.Type, e.InterruptID, e.PlanExecutionID)
	if len(e.NodeExecutionIDs) > 0 {
		fmt.Fprintf(&b, " on node executions [%s]", strings.Join(e.NodeExecutionIDs, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes ErrInterruptProcessingFailed and the cause.
func (e *ProcessingError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrInterruptProcessingFailed}
	}
	return []error{ErrInterruptProcessingFailed, e.Cause}
}
