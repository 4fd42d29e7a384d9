package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler receives one event. A handler that returns an error (or
// panics) affects only its own delivery; other subscribers still get
// the event.
type Handler func(Event) error

// Bus is the daemon's fan-out pub/sub. Subscriptions are identified by
// opaque ids so a monitor connection can unsubscribe exactly itself.
type Bus struct {
	mu   sync.Mutex
	subs map[string]Handler
	log  zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{subs: make(map[string]Handler), log: log}
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = h
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Idempotent: removing an unknown
// or already-removed id reports false with no other effect.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Clear removes every subscriber and returns how many were removed.
func (b *Bus) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs)
	b.subs = make(map[string]Handler)
	return n
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers the event to every current subscriber and returns the
// number of successful deliveries. The subscriber set is snapshotted
// before delivery so a concurrent unsubscribe cannot remove a handler
// mid-iteration; deliveries run in parallel and a failing handler does
// not block or affect the others.
func (b *Bus) Publish(event Event) int {
	b.mu.Lock()
	snapshot := make(map[string]Handler, len(b.subs))
	for id, h := range b.subs {
		snapshot[id] = h
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	var delivered sync.Map
	for id, h := range snapshot {
		wg.Add(1)
		go func(id string, h Handler) {
			defer wg.Done()
			if err := b.deliver(h, event); err != nil {
				b.log.Warn().Err(err).Str("subscription", id).Str("event", event.Type).
					Msg("event delivery failed")
				return
			}
			delivered.Store(id, true)
		}(id, h)
	}
	wg.Wait()

	count := 0
	delivered.Range(func(_, _ any) bool { count++; return true })
	return count
}

// deliver invokes one handler, converting a panic into an error so one
// bad subscriber cannot take the daemon down.
func (b *Bus) deliver(h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h(event)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "subscriber panicked" }
