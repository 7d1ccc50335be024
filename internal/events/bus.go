/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventJobScheduled      EventType = "schedule.job_scheduled"
	EventJobUnscheduled    EventType = "schedule.job_unscheduled"
	EventShunted           EventType = "schedule.shunted"
	EventQueueRecalculated EventType = "queue.recalculated"
	EventConflictDetected  EventType = "schedule.conflict"

	// Cache invalidation events
	EventAvailabilityUpdated EventType = "cache.availability_updated"

	// Raised when a cascade that should be conflict-free is not.
	EventInvariantViolation EventType = "schedule.invariant_violation"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is implemented by every bus flavour.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Broker publishes and hands out subscriptions.
type Broker interface {
	Publisher
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers miss events.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

// Fanout publishes to several buses.
type Fanout []Publisher

// Publish forwards to every non-nil publisher.
func (f Fanout) Publish(eventType EventType, payload Payload) {
	for _, p := range f {
		if p != nil {
			p.Publish(eventType, payload)
		}
	}
}
