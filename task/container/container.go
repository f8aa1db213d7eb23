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

// Package container provides a task executor for tasks running as Docker
// containers. The task id is the container id or name.
package container

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/task"
)

// Mode is the task mode served by this executor.
const Mode = "CONTAINER"

const (
	defaultStopTimeoutSeconds = 10
	killSignal                = "SIGKILL"
)

var (
	_ task.Executor = (*Executor)(nil)
	_ task.Expirer  = (*Executor)(nil)
)

// API is the subset of the Docker client used by the executor.
type API interface {
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Executor stops and removes task containers.
type Executor struct {
	host        string // Optional base URL of the Docker daemon, default client.FromEnv
	api         API
	stopTimeout int
	keep        bool
}

// Option defines configuration options for Executor.
type Option func(*Executor)

// WithHost sets the base URL for the Docker client.
func WithHost(host string) Option {
	return func(e *Executor) {
		e.host = host
	}
}

// WithAPI uses an existing Docker client.
func WithAPI(api API) Option {
	return func(e *Executor) {
		e.api = api
	}
}

// WithStopTimeout sets the grace period in seconds before an aborted
// container is killed.
func WithStopTimeout(seconds int) Option {
	return func(e *Executor) {
		e.stopTimeout = seconds
	}
}

// WithKeepContainers leaves stopped containers in place for inspection.
func WithKeepContainers(keep bool) Option {
	return func(e *Executor) {
		e.keep = keep
	}
}

// New creates an Executor.
func New(opts ...Option) (*Executor, error) {
	e := &Executor{stopTimeout: defaultStopTimeoutSeconds}
	for _, opt := range opts {
		opt(e)
	}
	if e.api != nil {
		return e, nil
	}
	var (
		cli *client.Client
		err error
	)
	if e.host != "" {
		cli, err = client.NewClientWithOpts(client.WithHost(e.host), client.WithAPIVersionNegotiation())
	} else {
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	e.api = cli
	return e, nil
}

// AbortTask stops the container gracefully then removes it.
func (e *Executor) AbortTask(ctx context.Context, ambiance execution.Ambiance, taskID string) error {
	timeout := e.stopTimeout
	err := e.api.ContainerStop(ctx, taskID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s of node %s: %w", taskID, ambiance.NodeExecutionID, err)
	}
	return e.remove(ctx, ambiance, taskID)
}

// ExpireTask kills the container without a grace period then removes it.
func (e *Executor) ExpireTask(ctx context.Context, ambiance execution.Ambiance, taskID string) error {
	err := e.api.ContainerKill(ctx, taskID, killSignal)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to kill container %s of node %s: %w", taskID, ambiance.NodeExecutionID, err)
	}
	return e.remove(ctx, ambiance, taskID)
}

func (e *Executor) remove(ctx context.Context, ambiance execution.Ambiance, taskID string) error {
	if e.keep {
		return nil
	}
	err := e.api.ContainerRemove(ctx, taskID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if client.IsErrNotFound(err) {
		log.Debugf("[ContainerTask] container %s of node %s already removed", taskID, ambiance.NodeExecutionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", taskID, err)
	}
	log.Infof("[ContainerTask] container %s of node %s stopped and removed", taskID, ambiance.NodeExecutionID)
	return nil
}

// Close releases the Docker client.
func (e *Executor) Close() error {
	return e.api.Close()
}
