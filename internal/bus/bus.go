// Package bus provides the in-process publish/subscribe fabric decoupling the
// serial link and poller from their consumers. Delivery to each subscriber
// runs on its own worker with a bounded priority queue, so one slow or
// panicking handler never stalls the publisher or its peers.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evobot-data/armlink/internal/monitoring"
)

// Priority orders delivery across pending messages on a topic.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Well-known topics published by the core.
const (
	// TopicFrame carries *protocol.Frame for every validated inbound frame.
	TopicFrame = "frame"
	// TopicRobotState carries poller.StateUpdate after each accepted status.
	TopicRobotState = "robot_state"
	// TopicLinkState carries seriallink.StateChange on every transition.
	TopicLinkState = "link_state"
)

// Message is the bus envelope. It is immutable after creation.
type Message struct {
	Topic     string
	Data      any
	Priority  Priority
	Timestamp time.Time
}

// Handler consumes messages for one subscription. Handlers run on the
// subscription's worker goroutine, one message at a time.
type Handler func(Message)

// queueDepth bounds the per-subscriber backlog. When it is exceeded the
// lowest-priority oldest pending message is dropped and counted.
const queueDepth = 64

// Bus is a topic-based publish/subscribe broker.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]map[string]*subscriber
	byID    map[string]*subscriber
	closed  bool
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string]map[string]*subscriber),
		byID:   make(map[string]*subscriber),
	}
}

// Subscribe registers a handler for a topic and starts its delivery worker.
// The returned ID identifies the subscription for Unsubscribe.
func (b *Bus) Subscribe(topic string, h Handler) string {
	id := uuid.New().String()
	sub := newSubscriber(id, h, queueDepth, &b.dropped)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return id
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscriber)
	}
	b.topics[topic][id] = sub
	b.byID[id] = sub
	b.mu.Unlock()

	go sub.run()
	return id
}

// Unsubscribe removes a subscription and stops its worker. Unknown IDs are
// ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		for topic, subs := range b.topics {
			if _, found := subs[id]; found {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
				break
			}
		}
	}
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// Publish delivers data to every subscriber currently registered on topic.
// It never blocks on slow subscribers: each subscription has its own bounded
// queue, and overflows drop the least urgent pending message.
func (b *Bus) Publish(topic string, data any, priority Priority) {
	msg := Message{Topic: topic, Data: data, Priority: priority, Timestamp: time.Now()}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(msg)
	}
}

// Dropped returns the number of messages discarded because a subscriber's
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops every subscription worker. The bus accepts no further
// subscriptions; publishes after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	b.topics = make(map[string]map[string]*subscriber)
	b.byID = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscriber struct {
	id      string
	handler Handler
	dropped *atomic.Uint64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   msgQueue
	limit   int
	stopped bool
}

func newSubscriber(id string, h Handler, limit int, dropped *atomic.Uint64) *subscriber {
	s := &subscriber{id: id, handler: h, limit: limit, dropped: dropped}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) enqueue(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.queue.Len() >= s.limit {
		if !s.queue.evictBelow(m.Priority) {
			// Everything pending outranks the new message; drop it instead.
			s.dropped.Add(1)
			return
		}
		s.dropped.Add(1)
	}
	s.queue.push(m)
	s.cond.Signal()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for !s.stopped && s.queue.Len() == 0 {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		msg := s.queue.pop()
		s.mu.Unlock()
		s.deliver(msg)
	}
}

func (s *subscriber) deliver(m Message) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("bus: handler panic on topic %q: %v", m.Topic, r)
		}
	}()
	s.handler(m)
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
