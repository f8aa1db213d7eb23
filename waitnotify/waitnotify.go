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

// Package waitnotify implements a push based wait/notify coordinator.
//
// A waiter registers a callback on a set of correlation ids. Each producer
// reports completion of one correlation with DoneWith. Once every
// correlation of a wait is done, the callback runs once on a worker pool
// with the data of all correlations.
package waitnotify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

// Channel groups waits by the subsystem that owns them.
type Channel string

// ChannelOrchestration is the channel of plan orchestration waits.
const ChannelOrchestration Channel = "ORCHESTRATION"

const (
	defaultPoolSize  = 16
	defaultRetention = time.Hour
)

// ErrNoCorrelation is returned when a wait names no correlation id.
var ErrNoCorrelation = errors.New("waitnotify: at least one correlation id is required")

// Callback is invoked once all correlations of a wait are done.
type Callback interface {
	Notify(ctx context.Context, data map[string]any) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, data map[string]any) error

// Notify implements Callback.
func (f CallbackFunc) Notify(ctx context.Context, data map[string]any) error {
	return f(ctx, data)
}

// Waiter is the part of the engine seen by code that suspends or resumes
// work.
type Waiter interface {
	WaitForAllOn(ctx context.Context, channel Channel, cb Callback, correlationIDs ...string) (string, error)
	DoneWith(ctx context.Context, correlationID string, data any) int
	// Cancel drops the waits blocked on correlationID without running
	// them and forgets its data. It returns the number of waits dropped.
	Cancel(ctx context.Context, correlationID string) int
}

type wait struct {
	id      string
	channel Channel
	cb      Callback
	pending map[string]struct{}
	all     []string
}

type doneEntry struct {
	data any
	at   time.Time
}

type doneMark struct {
	id string
	at time.Time
}

// Engine is the in-process wait/notify coordinator. Done correlations are
// kept for the retention window so that late waits still see them.
type Engine struct {
	mu        sync.Mutex
	waits     map[string]*wait
	byCorr    map[string][]string
	done      map[string]doneEntry
	doneOrder []doneMark
	retention time.Duration
	now       func() time.Time
	pool      *ants.Pool
	running   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	poolSize  int
	retention time.Duration
}

// WithPoolSize sets the number of workers running callbacks.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithRetention sets how long the data of a done correlation is kept.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// New creates an engine.
func New(opts ...Option) (*Engine, error) {
	o := options{poolSize: defaultPoolSize, retention: defaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback worker pool: %w", err)
	}
	return &Engine{
		waits:     make(map[string]*wait),
		byCorr:    make(map[string][]string),
		done:      make(map[string]doneEntry),
		retention: o.retention,
		now:       time.Now,
		pool:      pool,
	}, nil
}

// WaitForAllOn registers cb to run once every correlation id is done and
// returns the wait id. Correlations already done count immediately.
func (e *Engine) WaitForAllOn(
	ctx context.Context,
	channel Channel,
	cb Callback,
	correlationIDs ...string,
) (string, error) {
	if len(correlationIDs) == 0 {
		return "", ErrNoCorrelation
	}
	w := &wait{
		id:      uuid.NewString(),
		channel: channel,
		cb:      cb,
		pending: make(map[string]struct{}, len(correlationIDs)),
		all:     correlationIDs,
	}
	e.mu.Lock()
	e.prune()
	for _, id := range correlationIDs {
		if _, ok := e.done[id]; !ok {
			w.pending[id] = struct{}{}
		}
	}
	if len(w.pending) == 0 {
		data := e.collect(w)
		e.mu.Unlock()
		log.Debugf("[WaitNotify] wait %s on %s fired at registration", w.id, channel)
		e.fire(ctx, w, data)
		return w.id, nil
	}
	e.waits[w.id] = w
	for id := range w.pending {
		e.byCorr[id] = append(e.byCorr[id], w.id)
	}
	e.mu.Unlock()
	log.Debugf("[WaitNotify] wait %s on %s registered for %v", w.id, channel, correlationIDs)
	return w.id, nil
}

// DoneWith marks a correlation done with data and fires every wait that
// has nothing left pending. It returns the number of waits fired.
func (e *Engine) DoneWith(ctx context.Context, correlationID string, data any) int {
	e.mu.Lock()
	e.prune()
	at := e.now()
	e.done[correlationID] = doneEntry{data: data, at: at}
	e.doneOrder = append(e.doneOrder, doneMark{id: correlationID, at: at})
	var ready []*wait
	var payloads []map[string]any
	for _, wid := range e.byCorr[correlationID] {
		w, ok := e.waits[wid]
		if !ok {
			continue
		}
		delete(w.pending, correlationID)
		if len(w.pending) == 0 {
			delete(e.waits, wid)
			ready = append(ready, w)
			payloads = append(payloads, e.collect(w))
		}
	}
	delete(e.byCorr, correlationID)
	e.mu.Unlock()

	for i, w := range ready {
		e.fire(ctx, w, payloads[i])
	}
	return len(ready)
}

// Cancel implements Waiter. A dropped wait is removed from every
// correlation it was blocked on.
func (e *Engine) Cancel(_ context.Context, correlationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.done, correlationID)
	dropped := 0
	for _, wid := range e.byCorr[correlationID] {
		w, ok := e.waits[wid]
		if !ok {
			continue
		}
		delete(e.waits, wid)
		dropped++
		for id := range w.pending {
			if id != correlationID {
				e.unlink(id, wid)
			}
		}
	}
	delete(e.byCorr, correlationID)
	if dropped > 0 {
		log.Debugf("[WaitNotify] %d waits on %s cancelled", dropped, correlationID)
	}
	return dropped
}

// Pending returns the ids of the waits still blocked on correlationID.
func (e *Engine) Pending(correlationID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, wid := range e.byCorr[correlationID] {
		if _, ok := e.waits[wid]; ok {
			out = append(out, wid)
		}
	}
	return out
}

// Drain blocks until every fired callback has returned.
func (e *Engine) Drain() {
	e.running.Wait()
}

// Close drains running callbacks and releases the pool.
func (e *Engine) Close() {
	e.Drain()
	e.pool.Release()
}

// collect must be called with mu held.
func (e *Engine) collect(w *wait) map[string]any {
	data := make(map[string]any, len(w.all))
	for _, id := range w.all {
		data[id] = e.done[id].data
	}
	return data
}

// prune forgets done correlations older than the retention window. Marks
// are appended in time order, and a mark is stale once its correlation was
// done again or cancelled. It must be called with mu held.
func (e *Engine) prune() {
	cutoff := e.now().Add(-e.retention)
	n := 0
	for n < len(e.doneOrder) && e.doneOrder[n].at.Before(cutoff) {
		m := e.doneOrder[n]
		if d, ok := e.done[m.id]; ok && d.at.Equal(m.at) {
			delete(e.done, m.id)
		}
		n++
	}
	if n > 0 {
		e.doneOrder = slices.Delete(e.doneOrder, 0, n)
	}
}

// unlink must be called with mu held.
func (e *Engine) unlink(correlationID, waitID string) {
	ids := slices.DeleteFunc(e.byCorr[correlationID], func(id string) bool { return id == waitID })
	if len(ids) == 0 {
		delete(e.byCorr, correlationID)
		return
	}
	e.byCorr[correlationID] = ids
}

func (e *Engine) fire(ctx context.Context, w *wait, data map[string]any) {
	ctx = context.WithoutCancel(ctx)
	run := func() {
		defer e.running.Done()
		if err := w.cb.Notify(ctx, maps.Clone(data)); err != nil {
			log.Errorf("[WaitNotify] callback of wait %s on %s failed: %v", w.id, w.channel, err)
		}
	}
	e.running.Add(1)
	if err := e.pool.Submit(run); err != nil {
		log.Warnf("[WaitNotify] pool rejected wait %s, running inline: %v", w.id, err)
		run()
	}
}
