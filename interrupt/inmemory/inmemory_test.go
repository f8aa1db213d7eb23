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

package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interrupt.Store { return NewStore() })
}

func TestReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	in, err := s.Save(ctx, interrupt.New("p", interrupt.TypeRetry))
	require.NoError(t, err)
	in.State = interrupt.StateDiscarded

	got, err := s.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.StateRegistered, got.State)
}
