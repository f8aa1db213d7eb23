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

const (
	defaultKeyPrefix    = "pipeline:"
	defaultMaxTxRetries = 16
)

// ServiceOpts is the options for the redis interrupt store.
type ServiceOpts struct {
	url          string
	instanceName string
	keyPrefix    string
	maxTxRetries int
	extraOptions []any
}

// ServiceOpt is the option for the redis interrupt store.
type ServiceOpt func(*ServiceOpts)

// WithRedisClientURL creates a redis client from URL.
func WithRedisClientURL(url string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
// WithRedisClientURL takes priority when both are set.
func WithRedisInstance(instanceName string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.instanceName = instanceName
	}
}

// WithKeyPrefix sets the prefix of every key written by the store.
func WithKeyPrefix(prefix string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.keyPrefix = prefix
	}
}

// WithMaxTxRetries bounds optimistic transaction retries on contention.
func WithMaxTxRetries(n int) ServiceOpt {
	return func(opts *ServiceOpts) {
		if n > 0 {
			opts.maxTxRetries = n
		}
	}
}

// WithExtraOptions passes extra options to the redis client builder.
func WithExtraOptions(extraOptions ...any) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.extraOptions = append(opts.extraOptions, extraOptions...)
	}
}
