// Package events is the orchestrator's internal lifecycle event bus: an
// in-process pub/sub fan-out of operational events (the orchestrator emits
// execution-completed and container-recovered events; nothing else emits
// onto it) consumed by the admin ops stream (internal/httpapi) and,
// optionally, durably fanned out over Pub/Sub for multi-replica
// observability (SPEC_FULL §11). This is distinct from the per-conversation
// agent event stream (internal/stream), which carries the spec's
// init/assistant/tool_call/... taxonomy with per-conversation seq numbers.
//
// Generalized from the teacher's internal/events/bus.go CloudEvents
// envelope and channel-of-pointers/buffered-subscriber-channel design,
// retargeted from the teacher's governance/trust event types onto this
// repo's lifecycle events.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Emitter is satisfied by both the in-memory Bus and PubSubBus.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]any)
}

// LifecycleEvent is the CloudEvents 1.0 envelope used for operational
// events. Kept CloudEvents-shaped (rather than a bespoke struct) because it
// is genuinely useful here: it gives every consumer — the admin websocket,
// an optional Pub/Sub sink — a single, self-describing wire shape.
type LifecycleEvent struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	TenantID    string         `json:"tenantid,omitempty"`
	Data        map[string]any `json:"data"`
}

// NewLifecycleEvent builds an envelope around an event type/source/subject.
func NewLifecycleEvent(eventType, source, subject string, data map[string]any) *LifecycleEvent {
	return &LifecycleEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *LifecycleEvent) JSON() ([]byte, error) { return json.Marshal(e) }

// Bus is an in-process pub/sub fan-out of LifecycleEvents.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *LifecycleEvent
	allSubs     []chan *LifecycleEvent
	bufferSize  int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *LifecycleEvent),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events if eventTypes is empty. The caller must Unsubscribe when done.
func (b *Bus) Subscribe(eventTypes ...string) chan *LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *LifecycleEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *LifecycleEvent, target chan *LifecycleEvent) []chan *LifecycleEvent {
	filtered := subs[:0:0]
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish delivers an event to every matching subscriber, dropping it for
// any subscriber whose buffer is full rather than blocking the publisher.
func (b *Bus) Publish(event *LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]any) {
	b.Publish(NewLifecycleEvent(eventType, source, subject, data))
}

// SubscriberCount reports the total number of active subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
