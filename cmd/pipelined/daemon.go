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

package main

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-pipeline-go/config"
	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	"trpc.group/trpc-go/trpc-pipeline-go/event"
	eventredis "trpc.group/trpc-go/trpc-pipeline-go/event/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	execmem "trpc.group/trpc-go/trpc-pipeline-go/execution/inmemory"
	execpg "trpc.group/trpc-go/trpc-pipeline-go/execution/postgres"
	execredis "trpc.group/trpc-go/trpc-pipeline-go/execution/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt/handler"
	intrmem "trpc.group/trpc-go/trpc-pipeline-go/interrupt/inmemory"
	intrpg "trpc.group/trpc-go/trpc-pipeline-go/interrupt/postgres"
	intrredis "trpc.group/trpc-go/trpc-pipeline-go/interrupt/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/server/control"
	storagepg "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
	storageredis "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/task"
	"trpc.group/trpc-go/trpc-pipeline-go/task/container"
	"trpc.group/trpc-go/trpc-pipeline-go/waitnotify"
)

// daemon holds every long lived component of the process.
type daemon struct {
	nodes      execution.Store
	interrupts interrupt.Store
	waiter     *waitnotify.Engine
	local      *engine.Local
	manager    *handler.Manager
	server     *control.Server

	closers []func() error
}

func newDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	d := &daemon{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.buildStores(ctx, cfg); err != nil {
		return nil, err
	}
	publisher, source, err := d.buildEvents(cfg)
	if err != nil {
		return nil, err
	}
	tasks, err := d.buildTasks(cfg)
	if err != nil {
		return nil, err
	}
	abortable, err := cfg.AbortableStatuses()
	if err != nil {
		return nil, err
	}
	retryable, err := cfg.RetryableStatuses()
	if err != nil {
		return nil, err
	}

	if d.waiter, err = waitnotify.New(
		waitnotify.WithPoolSize(cfg.Engine.WaitPoolSize),
		waitnotify.WithRetention(cfg.Engine.WaitRetention.Duration()),
	); err != nil {
		return nil, fmt.Errorf("wait engine: %w", err)
	}
	d.closers = append(d.closers, func() error { d.waiter.Close(); return nil })

	d.local, err = engine.NewLocal(d.nodes, d.waiter,
		engine.WithPublisher(publisher),
		engine.WithParallelism(cfg.Engine.Parallelism),
	)
	if err != nil {
		return nil, fmt.Errorf("local engine: %w", err)
	}
	d.closers = append(d.closers, func() error { d.local.Close(); return nil })

	d.manager, err = handler.NewManager(handler.Dependencies{
		Interrupts:        d.interrupts,
		Nodes:             d.nodes,
		Engine:            d.local,
		Tasks:             tasks,
		Steps:             step.NewRegistry(),
		Waiter:            d.waiter,
		Publisher:         publisher,
		AbortableStatuses: abortable,
		RetryableStatuses: retryable,
	})
	if err != nil {
		return nil, fmt.Errorf("interrupt manager: %w", err)
	}
	d.local.SetGate(d.manager)

	opts := []control.Option{control.WithAllowedOrigins(cfg.Server.AllowedOrigins...)}
	if source != nil {
		opts = append(opts, control.WithEvents(source))
	}
	d.server = control.New(d.manager, d.nodes, opts...)
	return d, nil
}

func (d *daemon) buildStores(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		r := cfg.Store.Redis
		client, err := storageredis.NewClient(r.URL, r.Instance)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, client.Close)
		d.nodes = execredis.NewStoreWithClient(client, execredis.WithKeyPrefix(r.KeyPrefix))
		d.interrupts = intrredis.NewStoreWithClient(client, intrredis.WithKeyPrefix(r.KeyPrefix))
	case config.BackendPostgres:
		p := cfg.Store.Postgres
		client, err := storagepg.NewClient(ctx, p.DSN, p.Instance)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, client.Close)
		nodes := execpg.NewStoreWithClient(client)
		interrupts := intrpg.NewStoreWithClient(client)
		if !p.SkipSchemaInit {
			if err := nodes.InitSchema(ctx); err != nil {
				return err
			}
			if err := interrupts.InitSchema(ctx); err != nil {
				return err
			}
		}
		d.nodes, d.interrupts = nodes, interrupts
	default:
		d.nodes, d.interrupts = execmem.NewStore(), intrmem.NewStore()
	}
	log.Infof("using %s stores", cfg.Store.Backend)
	return nil
}

// buildEvents returns the publisher handed to the engine and handlers, and
// the source streamed by the control plane.
func (d *daemon) buildEvents(cfg *config.Config) (event.Publisher, event.Source, error) {
	if cfg.Events.Backend != config.EventsRedis {
		pub := event.NewChannelPublisher(cfg.Events.Buffer)
		d.closers = append(d.closers, func() error { pub.Close(); return nil })
		return pub, event.PlanSource(pub), nil
	}
	r := cfg.EventsRedis()
	client, err := storageredis.NewClient(r.URL, r.Instance)
	if err != nil {
		return nil, nil, err
	}
	pub := eventredis.NewPublisherWithClient(client)
	d.closers = append(d.closers, pub.Close)
	return pub, pub, nil
}

func (d *daemon) buildTasks(cfg *config.Config) (*task.Registry, error) {
	tasks := task.NewRegistry()
	c := cfg.Tasks.Container
	if !c.Enabled {
		return tasks, nil
	}
	exec, err := container.New(
		container.WithHost(c.Host),
		container.WithStopTimeout(c.StopTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("container executor: %w", err)
	}
	d.closers = append(d.closers, exec.Close)
	tasks.Register(container.Mode, exec)
	return tasks, nil
}

// Close releases the components in reverse order of creation.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warnf("close: %v", err)
		}
	}
	d.closers = nil
}
