package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var a, b atomic.Int32
	bus.Subscribe(func(Event) error { a.Add(1); return nil })
	bus.Subscribe(func(Event) error { b.Add(1); return nil })

	if got := bus.Publish(New(TypeDaemonStatus, &DaemonStatus{Status: "started"})); got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("handler counts = %d, %d; want 1, 1", a.Load(), b.Load())
	}
}

func TestBusSubscriberIsolation(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var healthy atomic.Int32
	bus.Subscribe(func(Event) error { return errors.New("disk full") })
	bus.Subscribe(func(Event) error { panic("bad subscriber") })
	bus.Subscribe(func(Event) error { healthy.Add(1); return nil })

	if got := bus.Publish(New(TypeDaemonStatus, nil)); got != 1 {
		t.Errorf("delivered = %d, want 1 (only the healthy subscriber)", got)
	}
	if healthy.Load() != 1 {
		t.Errorf("healthy handler ran %d times, want 1", healthy.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var n atomic.Int32
	id := bus.Subscribe(func(Event) error { n.Add(1); return nil })

	if !bus.Unsubscribe(id) {
		t.Error("first Unsubscribe = false, want true")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe = true, want false")
	}
	if bus.Unsubscribe("never-existed") {
		t.Error("unknown id Unsubscribe = true, want false")
	}

	bus.Publish(New(TypeDaemonStatus, nil))
	if n.Load() != 0 {
		t.Errorf("unsubscribed handler ran %d times", n.Load())
	}
}

func TestBusClear(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Subscribe(func(Event) error { return nil })
	bus.Subscribe(func(Event) error { return nil })

	if got := bus.Clear(); got != 2 {
		t.Errorf("Clear = %d, want 2", got)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after Clear", bus.SubscriberCount())
	}
	if got := bus.Publish(New(TypeDaemonStatus, nil)); got != 0 {
		t.Errorf("Publish after Clear delivered %d", got)
	}
}

func TestBusSnapshotUnderConcurrentUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	// Handlers that unsubscribe themselves while a publish is in flight
	// must not corrupt delivery to the others.
	var wg sync.WaitGroup
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		id := bus.Subscribe(func(Event) error { return nil })
		ids = append(ids, id)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			bus.Publish(New(TypeDaemonStatus, nil))
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}()
	wg.Wait()

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", bus.SubscriberCount())
	}
}
