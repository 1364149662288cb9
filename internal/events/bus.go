// Package events is a fire-and-forget in-process event bus. Publishers never
// block: slow subscribers drop events rather than stall the pipeline.
package events

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber that falls this far behind.
const subscriberBufferSize = 64

// Event is one pipeline notification scoped to a record and stage. Error is
// set only on failure topics.
type Event struct {
	Topic    string `json:"topic"`
	RecordID string `json:"record_id"`
	StageKey string `json:"stage_key"`
	Error    string `json:"error,omitempty"`
}

// DoneTopic returns the completion topic for a stage key.
func DoneTopic(stageKey string) string { return stageKey + "_done" }

// FailedTopic returns the failure topic for a stage key.
func FailedTopic(stageKey string) string { return stageKey + "_failed" }

// Bus manages per-topic fan-out to subscribers. It is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Subscribe returns a channel receiving events for the given topic and an
// unsubscribe function.
func (b *Bus) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[name] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers an event to all subscribers of its topic. Events are
// dropped for subscribers whose buffers are full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.Topic]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking publishers.
		}
	}
}
