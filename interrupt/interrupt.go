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

// Package interrupt defines interrupt requests raised against a running plan
// execution, their lifecycle and the store contract that persists them.
package interrupt

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of control action an interrupt asks for.
type Type string

// Interrupt types.
const (
	// TypeAbortAll aborts every running leaf of a plan execution.
	TypeAbortAll Type = "ABORT_ALL"
	// TypeAbort aborts a single node execution.
	TypeAbort Type = "ABORT"
	// TypePauseAll pauses a plan execution at its next node boundary.
	TypePauseAll Type = "PAUSE_ALL"
	// TypeResumeAll resumes a paused plan execution.
	TypeResumeAll Type = "RESUME_ALL"
	// TypeRetry re-runs a failed node execution as a new attempt.
	TypeRetry Type = "RETRY"
	// TypeMarkSuccess forces a node execution to SUCCEEDED.
	TypeMarkSuccess Type = "MARK_SUCCESS"
	// TypeMarkFailed forces a node execution to FAILED.
	TypeMarkFailed Type = "MARK_FAILED"
	// TypeMarkExpired discontinues a node execution with final status EXPIRED.
	TypeMarkExpired Type = "MARK_EXPIRED"
)

var knownTypes = map[Type]bool{
	TypeAbortAll:    true,
	TypeAbort:       true,
	TypePauseAll:    true,
	TypeResumeAll:   true,
	TypeRetry:       true,
	TypeMarkSuccess: true,
	TypeMarkFailed:  true,
	TypeMarkExpired: true,
}

// Valid reports whether t is a known interrupt type.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// Exclusive reports whether at most one active interrupt of this type may
// exist per plan execution.
func (t Type) Exclusive() bool {
	switch t {
	case TypeAbortAll, TypePauseAll, TypeResumeAll:
		return true
	default:
		return false
	}
}

// NodeScoped reports whether the type targets a single node execution.
func (t Type) NodeScoped() bool {
	switch t {
	case TypeAbort, TypeRetry, TypeMarkSuccess, TypeMarkFailed, TypeMarkExpired:
		return true
	default:
		return false
	}
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
	}
	return t, nil
}

// State is the lifecycle state of an interrupt.
type State string

// Interrupt states.
const (
	StateRegistered              State = "REGISTERED"
	StateProcessing              State = "PROCESSING"
	StateProcessedSuccessfully   State = "PROCESSED_SUCCESSFULLY"
	StateProcessedUnsuccessfully State = "PROCESSED_UNSUCCESSFULLY"
	StateDiscarded               State = "DISCARDED"
)

// Active reports whether the state is non-terminal.
func (s State) Active() bool {
	return s == StateRegistered || s == StateProcessing
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateProcessedSuccessfully, StateProcessedUnsuccessfully, StateDiscarded:
		return true
	default:
		return false
	}
}

// Interrupt is a control plane request altering the progress of a plan
// execution or of one of its node executions.
type Interrupt struct {
	ID              string            `json:"id"`
	PlanExecutionID string            `json:"planExecutionId"`
	NodeExecutionID string            `json:"nodeExecutionId,omitempty"`
	Type            Type              `json:"type"`
	State           State             `json:"state"`
	IssuedBy        string            `json:"issuedBy,omitempty"`
	Parameters      json.RawMessage   `json:"parameters,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdatedAt   time.Time         `json:"lastUpdatedAt"`
}

// Option configures an Interrupt built by New.
type Option func(*Interrupt)

// WithNodeExecutionID scopes the interrupt to one node execution.
func WithNodeExecutionID(id string) Option {
	return func(i *Interrupt) {
		i.NodeExecutionID = id
	}
}

// WithIssuedBy records who raised the interrupt.
func WithIssuedBy(principal string) Option {
	return func(i *Interrupt) {
		i.IssuedBy = principal
	}
}

// WithParameters attaches opaque parameters, e.g. replacement step
// parameters for a retry.
func WithParameters(params json.RawMessage) Option {
	return func(i *Interrupt) {
		i.Parameters = params
	}
}

// WithMetadata attaches free form metadata.
func WithMetadata(md map[string]string) Option {
	return func(i *Interrupt) {
		i.Metadata = md
	}
}

// WithState overrides the initial state.
func WithState(s State) Option {
	return func(i *Interrupt) {
		i.State = s
	}
}

// New creates a REGISTERED interrupt with a fresh id.
func New(planExecutionID string, typ Type, opts ...Option) *Interrupt {
	now := time.Now().UTC()
	i := &Interrupt{
		ID:              uuid.NewString(),
		PlanExecutionID: planExecutionID,
		Type:            typ,
		State:           StateRegistered,
		CreatedAt:       now,
		LastUpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Active reports whether the interrupt has not reached a terminal state.
func (i *Interrupt) Active() bool {
	return i.State.Active()
}

// Clone returns a deep copy of i.
func (i *Interrupt) Clone() *Interrupt {
	if i == nil {
		return nil
	}
	c := *i
	if i.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), i.Parameters...)
	}
	if i.Metadata != nil {
		c.Metadata = maps.Clone(i.Metadata)
	}
	return &c
}

// Effect records that an interrupt took effect on a node execution.
// Effects are only ever appended to a node's history.
type Effect struct {
	InterruptID   string    `json:"interruptId"`
	InterruptType Type      `json:"interruptType"`
	TookEffectAt  time.Time `json:"tookEffectAt"`
}

// NewEffect builds the effect of i stamped with the current time.
func NewEffect(i *Interrupt) Effect {
	return Effect{
		InterruptID:   i.ID,
		InterruptType: i.Type,
		TookEffectAt:  time.Now().UTC(),
	}
}

// FindActive returns the first active interrupt of type t in list.
func FindActive(list []*Interrupt, t Type) *Interrupt {
	for _, i := range list {
		if i.Type == t && i.Active() {
			return i
		}
	}
	return nil
}
