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

// Package redis manages the redis instances shared by the redis backed
// stores and publishers.
package redis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	registryMu    sync.RWMutex
	redisRegistry = map[string][]ClientBuilderOpt{}
)

type clientBuilder func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error)

var globalBuilder clientBuilder = DefaultClientBuilder

// SetClientBuilder sets the redis client builder.
func SetClientBuilder(builder clientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the redis client builder.
func GetClientBuilder() clientBuilder {
	return globalBuilder
}

// DefaultClientBuilder builds a universal client from the configured url.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}

	if o.URL == "" {
		return nil, errors.New("redis: url is empty")
	}

	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
	}
	universalOpts := &redis.UniversalOptions{
		Addrs:           []string{opts.Addr},
		DB:              opts.DB,
		Username:        opts.Username,
		Password:        opts.Password,
		Protocol:        opts.Protocol,
		ClientName:      opts.ClientName,
		TLSConfig:       opts.TLSConfig,
		MaxRetries:      opts.MaxRetries,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		PoolSize:        opts.PoolSize,
		PoolTimeout:     opts.PoolTimeout,
		MinIdleConns:    opts.MinIdleConns,
		MaxIdleConns:    opts.MaxIdleConns,
		ConnMaxIdleTime: opts.ConnMaxIdleTime,
		ConnMaxLifetime: opts.ConnMaxLifetime,
	}
	return redis.NewUniversalClient(universalOpts), nil
}

// ClientBuilderOpt is the option for the redis client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the redis client.
type ClientBuilderOpts struct {
	URL string

	// ExtraOptions are handed to customized builders untouched.
	ExtraOptions []any
}

// WithClientBuilderURL sets the redis client url for clientBuilder.
// scheme: redis://<username>:<password>@<host>:<port>/<db>?<options>
// options: refer goredis.ParseURL
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.URL = url
	}
}

// WithExtraOptions appends options for customized client builders.
func WithExtraOptions(extraOptions ...any) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ExtraOptions = append(opts.ExtraOptions, extraOptions...)
	}
}

// RegisterRedisInstance registers a redis instance options.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	registryMu.Lock()
	defer registryMu.Unlock()
	redisRegistry[name] = append(redisRegistry[name], opts...)
}

// GetRedisInstance gets the redis instance options.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opts, ok := redisRegistry[name]
	return opts, ok
}

// NewClient resolves a client from a url or, when url is empty, from a
// registered instance name. The url takes priority.
func NewClient(url, instanceName string, extraOptions ...any) (redis.UniversalClient, error) {
	if url == "" && instanceName == "" {
		return nil, errors.New("redis: url or instance name is required")
	}
	builder := GetClientBuilder()
	if url != "" {
		client, err := builder(WithClientBuilderURL(url), WithExtraOptions(extraOptions...))
		if err != nil {
			return nil, fmt.Errorf("redis: create client from url: %w", err)
		}
		return client, nil
	}
	builderOpts, ok := GetRedisInstance(instanceName)
	if !ok {
		return nil, fmt.Errorf("redis: instance %s not found", instanceName)
	}
	client, err := builder(append(builderOpts, WithExtraOptions(extraOptions...))...)
	if err != nil {
		return nil, fmt.Errorf("redis: create client from instance %s: %w", instanceName, err)
	}
	return client, nil
}
