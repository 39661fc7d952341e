package events

import (
	"log/slog"
	"sync"
)

// DefaultHistorySize is the capacity of the bus history ring.
const DefaultHistorySize = 1024

// Handler receives published events. Handlers run on the publishing
// goroutine and must not block for long.
type Handler func(Event)

// subscription is a single registered handler with its filters.
// kind == "" means wildcard (all kinds). topic == "" means no topic filter.
type subscription struct {
	id      int
	kind    Kind
	topic   string
	handler Handler
}

// Bus is the single-process publish/subscribe fabric.
//
// The subscriber table is read-mostly: Publish snapshots it under a read
// lock and invokes handlers outside any lock, so handlers may themselves
// subscribe or publish without deadlocking. Per-publisher ordering follows
// from handlers running in-line on the publishing goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription // registration order
	nextID int

	history *ring
}

// NewBus creates a bus with the default history capacity.
func NewBus() *Bus {
	return NewBusWithHistory(DefaultHistorySize)
}

// NewBusWithHistory creates a bus with a custom history capacity (min 1).
func NewBusWithHistory(historySize int) *Bus {
	if historySize < 1 {
		historySize = 1
	}
	return &Bus{history: newRing(historySize)}
}

// Subscribe registers a handler for a specific kind. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	return b.add(&subscription{kind: kind, handler: handler})
}

// SubscribeAll registers a wildcard sink that receives every event.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeTopic registers a handler for a kind further narrowed by a
// topic filter (see TopicMatches). kind may be "" for all kinds.
func (b *Bus) SubscribeTopic(kind Kind, topic string, handler Handler) func() {
	return b.add(&subscription{kind: kind, topic: topic, handler: handler})
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	sub.id = b.nextID
	b.nextID++
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish records the event in the history ring, then delivers it to
// every matching handler in registration order. The ring is written
// first so nested publishes from handlers land after their trigger.
// Handler panics are recovered and logged; they never abort publication
// or other handlers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if b.matches(sub, e) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.history.add(e)
	for _, sub := range matched {
		b.invoke(sub, e)
	}
}

func (b *Bus) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"kind", e.Kind, "event_id", e.ID, "panic", r)
		}
	}()
	sub.handler(e)
}

func (b *Bus) matches(sub *subscription, e Event) bool {
	if sub.kind != "" && sub.kind != e.Kind {
		return false
	}
	if sub.topic == "" {
		return true
	}
	for _, t := range e.Topics {
		if TopicMatches(sub.topic, t) {
			return true
		}
	}
	return false
}

// History returns up to limit recent events, oldest first. kind == ""
// returns all kinds; limit <= 0 returns everything retained. The ring is
// advisory — it exists for tests and debugging, not for replay.
func (b *Bus) History(kind Kind, limit int) []Event {
	all := b.history.snapshot()
	if kind != "" {
		filtered := all[:0:0]
		for _, e := range all {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// ring is a fixed-capacity circular buffer of events.
type ring struct {
	mu     sync.Mutex
	events []Event
	pos    int
	count  int
}

func newRing(size int) *ring {
	return &ring{events: make([]Event, size)}
}

func (r *ring) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.pos] = e
	r.pos = (r.pos + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
}

// snapshot returns retained events oldest first.
func (r *ring) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.count)
	start := (r.pos - r.count + len(r.events)) % len(r.events)
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(start+i)%len(r.events)])
	}
	return out
}
