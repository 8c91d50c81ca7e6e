package events

import (
	"sync"
	"time"

	"github.com/gettlstap/tlstap/internal/id"
	"github.com/gettlstap/tlstap/pkg/metrics"
)

// Subscriber is a channel receiving published events.
type Subscriber chan *Event

// subscription pairs a subscriber channel with its type filter.
// An empty filter receives every event.
type subscription struct {
	ch    Subscriber
	types map[string]struct{}
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus fans out events to subscribers and retains a bounded ring of recent
// events for the control API. Publishing never blocks: slow subscribers
// lose events rather than stalling the data path.
type Bus struct {
	entries    []*Event
	maxEntries int
	published  map[string]int64
	mu         sync.RWMutex

	subscribers map[*subscription]struct{}
	subMu       sync.RWMutex
}

// NewBus creates a Bus retaining up to maxEntries recent events.
func NewBus(maxEntries int) *Bus {
	if maxEntries <= 0 {
		maxEntries = 1000 // Default
	}
	return &Bus{
		entries:     make([]*Event, 0, maxEntries),
		maxEntries:  maxEntries,
		published:   make(map[string]int64),
		subscribers: make(map[*subscription]struct{}),
	}
}

// Publish records the event and delivers it to matching subscribers.
// ID and Timestamp are assigned when unset.
func (b *Bus) Publish(evt *Event) {
	if evt == nil {
		return
	}

	b.mu.Lock()

	if evt.ID == "" {
		evt.ID = id.Event()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.published[evt.Type]++

	// FIFO eviction: remove oldest at capacity
	if len(b.entries) >= b.maxEntries {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, evt)
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subscribers {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop if subscriber is slow
			metrics.IncEventDropped()
		}
	}
	b.subMu.RUnlock()
}

// Subscribe registers a subscriber for the given event types (all types
// when none are named). Returns the receiving channel and an unsubscribe
// function that also closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe(types ...string) (Subscriber, func()) {
	sub := &subscription{
		ch: make(Subscriber, 100), // Buffer to prevent blocking
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subscribers, sub)
			b.subMu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, unsubscribe
}

// HasSubscribers reports whether any subscriber would receive events of
// the given type. The engine uses this to skip key-log capture entirely
// when nobody is listening.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for sub := range b.subscribers {
		if sub.wants(eventType) {
			return true
		}
	}
	return false
}

// List returns retained events newest first, optionally filtered.
func (b *Bus) List(filter *Filter) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Event, 0, len(b.entries))
	for i := len(b.entries) - 1; i >= 0; i-- {
		evt := b.entries[i]
		if filter != nil && filter.Type != "" && evt.Type != filter.Type {
			continue
		}
		result = append(result, evt)
	}

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*Event{}
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}

	return result
}

// Get retrieves a retained event by ID.
func (b *Bus) Get(id string) *Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, evt := range b.entries {
		if evt.ID == id {
			return evt
		}
	}
	return nil
}

// Clear drops all retained events. Cumulative counts survive.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]*Event, 0, b.maxEntries)
}

// Count returns the number of retained events.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// PublishedCount returns the cumulative number of events published for a
// type since the bus was created, independent of ring eviction.
func (b *Bus) PublishedCount(eventType string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published[eventType]
}
