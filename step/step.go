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

// Package step exposes the capabilities of step types to the orchestrator.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// ErrStepNotFound is returned by Obtain for an unknown step type.
var ErrStepNotFound = errors.New("step: unknown step type")

// AbortRequest carries what a step needs to tear down its own work.
type AbortRequest struct {
	Ambiance            execution.Ambiance
	ResolvedParams      json.RawMessage
	ExecutableResponses []execution.ExecutableResponse
}

// Step is the orchestrator view of a step type.
type Step interface {
	// Type returns the step type name.
	Type() string
	// SupportsAbort reports whether HandleAbort does anything.
	SupportsAbort() bool
	// HandleAbort releases what the step acquired for a node execution.
	HandleAbort(ctx context.Context, req AbortRequest) error
}

// Base is a Step without abort support. Embed it to implement only Type.
type Base struct {
	Name string
}

// Type implements Step.
func (b Base) Type() string { return b.Name }

// SupportsAbort implements Step.
func (Base) SupportsAbort() bool { return false }

// HandleAbort implements Step.
func (Base) HandleAbort(context.Context, AbortRequest) error { return nil }

// Abortable is a Step whose abort is a function.
type Abortable struct {
	Name    string
	OnAbort func(ctx context.Context, req AbortRequest) error
}

// Type implements Step.
func (a Abortable) Type() string { return a.Name }

// SupportsAbort implements Step.
func (a Abortable) SupportsAbort() bool { return a.OnAbort != nil }

// HandleAbort implements Step.
func (a Abortable) HandleAbort(ctx context.Context, req AbortRequest) error {
	if a.OnAbort == nil {
		return nil
	}
	return a.OnAbort(ctx, req)
}

// Registry maps step types to their capabilities.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates a registry holding steps.
func NewRegistry(steps ...Step) *Registry {
	r := &Registry{steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		r.steps[s.Type()] = s
	}
	return r
}

// Register adds or replaces a step.
func (r *Registry) Register(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[s.Type()] = s
}

// Obtain returns the step of stepType.
func (r *Registry) Obtain(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, stepType)
	}
	return s, nil
}
