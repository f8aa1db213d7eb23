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

// Package redis publishes events over redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-pipeline-go/event"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
)

var _ event.Publisher = (*Publisher)(nil)

const defaultChannelPrefix = "pipeline:events:"

// ServiceOpts is the options for the redis publisher.
type ServiceOpts struct {
	url           string
	instanceName  string
	channelPrefix string
}

// ServiceOpt is the option for the redis publisher.
type ServiceOpt func(*ServiceOpts)

// WithRedisClientURL creates a redis client from URL.
func WithRedisClientURL(url string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
func WithRedisInstance(instanceName string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.instanceName = instanceName
	}
}

// WithChannelPrefix sets the prefix of the per plan channel.
func WithChannelPrefix(prefix string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.channelPrefix = prefix
	}
}

// Publisher publishes each event as JSON on the channel of its plan
// execution, prefix + planExecutionID.
type Publisher struct {
	opts   ServiceOpts
	client redis.UniversalClient
}

// NewPublisher creates a redis publisher.
func NewPublisher(options ...ServiceOpt) (*Publisher, error) {
	opts := ServiceOpts{channelPrefix: defaultChannelPrefix}
	for _, option := range options {
		option(&opts)
	}
	client, err := storage.NewClient(opts.url, opts.instanceName)
	if err != nil {
		return nil, fmt.Errorf("event redis publisher: %w", err)
	}
	return &Publisher{opts: opts, client: client}, nil
}

// NewPublisherWithClient creates a publisher on an existing client.
func NewPublisherWithClient(client redis.UniversalClient, options ...ServiceOpt) *Publisher {
	opts := ServiceOpts{channelPrefix: defaultChannelPrefix}
	for _, option := range options {
		option(&opts)
	}
	return &Publisher{opts: opts, client: client}
}

// Channel returns the pub/sub channel of a plan execution.
func (p *Publisher) Channel(planExecutionID string) string {
	return p.opts.channelPrefix + planExecutionID
}

// Publish implements event.Publisher.
func (p *Publisher) Publish(ctx context.Context, e *event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(e.PlanExecutionID), data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", e.ID, err)
	}
	return nil
}

// Subscribe listens to the events of a plan execution until ctx is done.
// The returned channel is closed when the subscription ends.
func (p *Publisher) Subscribe(ctx context.Context, planExecutionID string) (<-chan *event.Event, error) {
	sub := p.client.Subscribe(ctx, p.Channel(planExecutionID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", planExecutionID, err)
	}
	out := make(chan *event.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				e := &event.Event{}
				if err := json.Unmarshal([]byte(msg.Payload), e); err != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
