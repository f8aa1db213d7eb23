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

import "context"

// Store persists interrupts.
//
// Implementations must make Save atomic with respect to exclusivity: when i
// is active and of an exclusive type, Save fails with
// ErrActiveInterruptExists if another active interrupt of the same type
// exists for the plan execution. All methods return copies.
type Store interface {
	// Save inserts a new interrupt. An empty ID is filled in.
	Save(ctx context.Context, i *Interrupt) (*Interrupt, error)
	// Get returns the interrupt with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Interrupt, error)
	// FetchActive returns the active interrupts of a plan execution ordered
	// by creation time.
	FetchActive(ctx context.Context, planExecutionID string) ([]*Interrupt, error)
	// FetchAll returns every interrupt of a plan execution ordered by
	// creation time.
	FetchAll(ctx context.Context, planExecutionID string) ([]*Interrupt, error)
	// MarkProcessing moves an active interrupt to PROCESSING. It fails with
	// ErrInvalidState when the interrupt is already terminal.
	MarkProcessing(ctx context.Context, id string) (*Interrupt, error)
	// MarkProcessed moves an interrupt to the terminal state. Marking an
	// already terminal interrupt is a no-op returning the stored record.
	MarkProcessed(ctx context.Context, id string, state State) (*Interrupt, error)
}
