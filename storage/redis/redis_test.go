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

package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	old := redisRegistry
	redisRegistry = map[string][]ClientBuilderOpt{}
	registryMu.Unlock()
	oldBuilder := GetClientBuilder()
	t.Cleanup(func() {
		registryMu.Lock()
		redisRegistry = old
		registryMu.Unlock()
		SetClientBuilder(oldBuilder)
	})
}

func TestDefaultClientBuilder(t *testing.T) {
	_, err := DefaultClientBuilder()
	require.EqualError(t, err, "redis: url is empty")

	_, err = DefaultClientBuilder(WithClientBuilderURL("mysql://nope"))
	require.Error(t, err)

	mr := miniredis.RunT(t)
	client, err := DefaultClientBuilder(WithClientBuilderURL("redis://" + mr.Addr()))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestRegisterAndGetRedisInstance(t *testing.T) {
	isolateRegistry(t)
	RegisterRedisInstance("main", WithClientBuilderURL("redis://127.0.0.1:6379"))
	RegisterRedisInstance("main", WithExtraOptions("x"))

	opts, ok := GetRedisInstance("main")
	require.True(t, ok)
	cfg := &ClientBuilderOpts{}
	for _, opt := range opts {
		opt(cfg)
	}
	assert.Equal(t, "redis://127.0.0.1:6379", cfg.URL)
	assert.Equal(t, []any{"x"}, cfg.ExtraOptions)

	_, ok = GetRedisInstance("missing")
	assert.False(t, ok)
}

func TestNewClient(t *testing.T) {
	isolateRegistry(t)
	var seen *ClientBuilderOpts
	SetClientBuilder(func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
		seen = &ClientBuilderOpts{}
		for _, opt := range builderOpts {
			opt(seen)
		}
		if seen.URL == "redis://broken" {
			return nil, errors.New("broken")
		}
		return redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), nil
	})

	_, err := NewClient("", "")
	require.Error(t, err)

	_, err = NewClient("redis://a", "ignored", "extra")
	require.NoError(t, err)
	assert.Equal(t, "redis://a", seen.URL)
	assert.Equal(t, []any{"extra"}, seen.ExtraOptions)

	_, err = NewClient("", "missing")
	require.ErrorContains(t, err, "instance missing not found")

	RegisterRedisInstance("inst", WithClientBuilderURL("redis://b"))
	_, err = NewClient("", "inst")
	require.NoError(t, err)
	assert.Equal(t, "redis://b", seen.URL)

	_, err = NewClient("redis://broken", "")
	require.ErrorContains(t, err, "broken")
}
