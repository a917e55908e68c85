// Package eventbus provides the DAL core's in-process publish/subscribe
// mechanism: configuration changes, deployment status, iteration progress,
// voting progress, and export completion all flow through here to
// external UI-shell consumers, which are out of scope for this module.
package eventbus

import (
	"sync"
	"time"
)

// Topic names one of the five channels the bus carries.
type Topic string

const (
	TopicConfigurationChanged Topic = "configuration.changed"
	TopicDeploymentStatus     Topic = "deployment.status"
	TopicIterationState       Topic = "iteration.state"
	TopicVotingProgress       Topic = "voting.progress"
	TopicExportCompleted      Topic = "export.completed"
)

// Event is a single published message. Payload is opaque to the bus;
// publishers and subscribers agree on its shape per topic.
type Event struct {
	Topic     Topic
	Project   string
	Payload   any
	Published time.Time
}

// Bus is a bounded, lossy-on-overflow publish/subscribe hub. Each topic
// gets its own bounded queue per subscriber; when a subscriber's queue is
// full the oldest event is dropped and DroppedCount increments — publish
// never blocks and subscribers are never blocked waiting on a slow peer.
type Bus struct {
	mu          sync.Mutex
	queueSize   int
	subscribers map[Topic][]*subscription
	dropped     map[Topic]*atomicCounter
}

type subscription struct {
	ch     chan Event
	closed bool
}

type atomicCounter struct {
	mu    sync.Mutex
	count uint64
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *atomicCounter) get() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// New constructs a Bus with the given per-subscriber queue size. A
// non-positive size falls back to a default of 1024.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		queueSize:   queueSize,
		subscribers: make(map[Topic][]*subscription),
		dropped:     make(map[Topic]*atomicCounter),
	}
}

// Subscribe returns a channel of events published to topic from this
// point forward. Events within a topic arrive in publish order; no
// ordering is implied across topics. Callers must drain the channel
// promptly — a slow reader loses its oldest buffered events, not newest.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, b.queueSize)}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	if _, ok := b.dropped[topic]; !ok {
		b.dropped[topic] = &atomicCounter{}
	}
	return sub.ch
}

// Publish delivers an event to every current subscriber of topic. A full
// subscriber queue has its oldest pending event discarded to make room —
// publish itself never blocks.
func (b *Bus) Publish(topic Topic, project string, payload any) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subscribers[topic]...)
	counter, ok := b.dropped[topic]
	if !ok {
		counter = &atomicCounter{}
		b.dropped[topic] = counter
	}
	b.mu.Unlock()

	evt := Event{Topic: topic, Project: project, Payload: payload, Published: time.Now()}

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			// Queue full: drop the oldest buffered event, then retry once.
			select {
			case <-sub.ch:
				counter.inc()
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				counter.inc()
			}
		}
	}
}

// DroppedCount returns the number of events dropped for topic across all
// subscribers since the bus was created, for health/status reporting.
func (b *Bus) DroppedCount(topic Topic) uint64 {
	b.mu.Lock()
	counter, ok := b.dropped[topic]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.get()
}
