// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package eventbus implements single-process fan-out of typed events to
// filtered subscribers. Delivery is synchronous in the publisher's
// goroutine; a failing consumer has the event appended to its bounded
// backlog instead.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/matrixwatcher/agent/pkg/types"
	"github.com/matrixwatcher/agent/pkg/util/log"
)

// DefaultBacklogSize bounds the per-subscriber buffer of failed deliveries.
const DefaultBacklogSize = 1000

// Handler consumes one event. A non-nil error marks the delivery failed and
// buffers the event on the subscriber's backlog.
type Handler func(types.Event) error

// Filter restricts which events a subscriber receives. Nil or empty fields
// accept any value.
type Filter struct {
	EventTypes  []types.EventType
	Sources     []string
	MinSeverity types.Severity
}

func (f *Filter) accepts(ev types.Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if ev.Source == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinSeverity != "" && !ev.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	return true
}

type subscriber struct {
	id      string
	handler Handler
	filter  *Filter

	m       sync.Mutex
	backlog []types.Event
	maxBack int
}

// deliver runs the handler, recovering panics so one bad consumer cannot
// take down the publisher.
func (s *subscriber) deliver(ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = log.Errorf("subscriber %s panicked: %v", s.id, r)
		}
	}()
	return s.handler(ev)
}

// buffer appends a failed event, dropping the oldest on overflow. Reports
// whether a drop occurred.
func (s *subscriber) buffer(ev types.Event) bool {
	s.m.Lock()
	defer s.m.Unlock()
	dropped := false
	if len(s.backlog) >= s.maxBack {
		copy(s.backlog, s.backlog[1:])
		s.backlog = s.backlog[:len(s.backlog)-1]
		dropped = true
	}
	s.backlog = append(s.backlog, ev)
	return dropped
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalDropped    int64 `json:"total_dropped"`
}

// EventBus fans events out to subscribers. Safe for concurrent use.
type EventBus struct {
	m           sync.RWMutex
	subscribers map[string]*subscriber
	order       []string
	backlogSize int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Option configures the bus.
type Option func(*EventBus)

// WithBacklogSize overrides the per-subscriber backlog cap.
func WithBacklogSize(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.backlogSize = n
		}
	}
}

// New returns an empty bus.
func New(opts ...Option) *EventBus {
	b := &EventBus{
		subscribers: make(map[string]*subscriber),
		backlogSize: DefaultBacklogSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler with an optional filter and returns the
// subscription id.
func (b *EventBus) Subscribe(h Handler, filter *Filter) string {
	sub := &subscriber{
		id:      uuid.New().String(),
		handler: h,
		filter:  filter,
		maxBack: b.backlogSize,
	}
	b.m.Lock()
	b.subscribers[sub.id] = sub
	b.order = append(b.order, sub.id)
	b.m.Unlock()
	log.Debugf("eventbus: subscribed %s", sub.id)
	return sub.id
}

// Unsubscribe removes a subscription, reporting whether it existed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.m.Lock()
	defer b.m.Unlock()
	if _, ok := b.subscribers[id]; !ok {
		return false
	}
	delete(b.subscribers, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish delivers the event to every matching subscriber and returns the
// number of successful deliveries.
func (b *EventBus) Publish(ev types.Event) int {
	b.published.Inc()

	b.m.RLock()
	subs := make([]*subscriber, 0, len(b.order))
	for _, id := range b.order {
		if s, ok := b.subscribers[id]; ok {
			subs = append(subs, s)
		}
	}
	b.m.RUnlock()

	accepted := 0
	for _, sub := range subs {
		if !sub.filter.accepts(ev) {
			continue
		}
		if err := sub.deliver(ev); err != nil {
			log.Warnf("eventbus: delivery to %s failed, buffering: %v", sub.id, err) //nolint:errcheck
			if sub.buffer(ev) {
				b.dropped.Inc()
			}
			continue
		}
		b.delivered.Inc()
		accepted++
	}
	return accepted
}

// FlushBuffer re-delivers a subscriber's backlog in FIFO order, stopping at
// the first failure. Returns the number of events re-delivered.
func (b *EventBus) FlushBuffer(id string) int {
	b.m.RLock()
	sub, ok := b.subscribers[id]
	b.m.RUnlock()
	if !ok {
		return 0
	}

	sub.m.Lock()
	pending := sub.backlog
	sub.backlog = nil
	sub.m.Unlock()

	flushed := 0
	for i, ev := range pending {
		if err := sub.deliver(ev); err != nil {
			sub.m.Lock()
			sub.backlog = append(pending[i:], sub.backlog...)
			sub.m.Unlock()
			break
		}
		b.delivered.Inc()
		flushed++
	}
	return flushed
}

// BufferedCount returns the current backlog length for a subscription.
func (b *EventBus) BufferedCount(id string) int {
	b.m.RLock()
	sub, ok := b.subscribers[id]
	b.m.RUnlock()
	if !ok {
		return 0
	}
	sub.m.Lock()
	defer sub.m.Unlock()
	return len(sub.backlog)
}

// Stats snapshots the bus counters.
func (b *EventBus) Stats() Stats {
	b.m.RLock()
	n := len(b.subscribers)
	b.m.RUnlock()
	return Stats{
		SubscriberCount: n,
		TotalPublished:  b.published.Load(),
		TotalDelivered:  b.delivered.Load(),
		TotalDropped:    b.dropped.Load(),
	}
}
