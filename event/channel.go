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

package event

import (
	"context"
	"sync"

	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

const defaultBufferSize = 256

// ChannelPublisher fans events out to in-process subscribers. A subscriber
// whose buffer is full misses the event.
type ChannelPublisher struct {
	mu     sync.RWMutex
	subs   map[chan *Event]struct{}
	buffer int
	closed bool
}

// NewChannelPublisher creates a publisher whose subscriber channels hold
// bufferSize events.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &ChannelPublisher{subs: make(map[chan *Event]struct{}), buffer: bufferSize}
}

// Subscribe returns a channel receiving every later event and a function
// that cancels the subscription.
func (p *ChannelPublisher) Subscribe() (<-chan *Event, func()) {
	ch := make(chan *Event, p.buffer)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[ch]; ok {
				delete(p.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish implements Publisher.
func (p *ChannelPublisher) Publish(_ context.Context, e *Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.subs {
		select {
		case ch <- e:
		default:
			log.Warnf("[Event] subscriber buffer full, dropping %s of node %s", e.Type, e.NodeExecutionID)
		}
	}
	return nil
}

// Close closes every subscriber channel.
func (p *ChannelPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for ch := range p.subs {
		close(ch)
		delete(p.subs, ch)
	}
}

// Source streams the events of one plan execution until ctx is done. The
// returned channel is closed when the subscription ends.
type Source interface {
	Subscribe(ctx context.Context, planExecutionID string) (<-chan *Event, error)
}

// PlanSource returns a Source reading from p.
func PlanSource(p *ChannelPublisher) Source {
	return planSource{p: p}
}

type planSource struct {
	p *ChannelPublisher
}

func (s planSource) Subscribe(ctx context.Context, planExecutionID string) (<-chan *Event, error) {
	in, cancel := s.p.Subscribe()
	out := make(chan *Event)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-in:
				if !ok {
					return
				}
				if e.PlanExecutionID != planExecutionID {
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
