package events

import (
	"sync"

	"openmarket/core/types"
)

const subscriberBuffer = 64

// Payload is implemented by events that can expose a broadcastable payload in
// addition to their type tag.
type Payload interface {
	Event
	Event() *types.Event
}

// Bus fans emitted events out to any number of subscribers. Slow subscribers
// never block a state transition: once a subscriber's buffer is full further
// events for it are dropped.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan *types.Event
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *types.Event)}
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	payload, ok := evt.(Payload)
	if !ok {
		return
	}
	e := payload.Event()
	if e == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel together with a
// cancel function that must be called when the subscriber goes away.
func (b *Bus) Subscribe() (<-chan *types.Event, func()) {
	ch := make(chan *types.Event, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
