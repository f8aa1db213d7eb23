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

// Package main runs the pipelined daemon: the interrupt manager of the
// orchestrator behind its HTTP control plane.
//
// Usage:
//
//	pipelined -config pipelined.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"trpc.group/trpc-go/trpc-pipeline-go/config"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
)

func main() {
	var path string
	flag.StringVar(&path, "config", "", "Path of the YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		cleanTrace, err := trace.Start(ctx,
			trace.WithEndpoint(cfg.Telemetry.Endpoint),
			trace.WithProtocol(cfg.Telemetry.Protocol),
			trace.WithServiceName(cfg.Telemetry.ServiceName),
		)
		if err != nil {
			log.Fatalf("start tracing: %v", err)
		}
		defer logClose("tracer", cleanTrace)
		cleanMetric, err := metric.Start(ctx,
			metric.WithEndpoint(cfg.Telemetry.Endpoint),
			metric.WithProtocol(cfg.Telemetry.Protocol),
			metric.WithServiceName(cfg.Telemetry.ServiceName),
		)
		if err != nil {
			log.Fatalf("start metrics: %v", err)
		}
		defer logClose("meter", cleanMetric)
	}

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("build daemon: %v", err)
	}
	defer d.Close()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: d.server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("pipelined listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("serve: %v", err)
		}
	case <-ctx.Done():
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}
}

func logClose(name string, clean func() error) {
	if err := clean(); err != nil {
		log.Warnf("close %s: %v", name, err)
	}
}
