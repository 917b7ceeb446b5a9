package identity

import "sync"

// Bus fans session change events out to subscribers. Unsubscribe functions
// are idempotent; publishing after all subscribers left is a no-op.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns its unsubscribe function.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers ev to every subscriber. Callbacks run synchronously and
// outside the bus lock so a subscriber may unsubscribe from within its
// callback.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
