package event

import (
	"sync"
	"testing"
	"time"
)

// EventCollector stores events received from callbacks or subscriptions.
type EventCollector[T any] struct {
	mu     sync.Mutex
	events []T
}

func NewEventCollector[T any]() *EventCollector[T] {
	return &EventCollector[T]{}
}

func (collector *EventCollector[T]) Collect(event T) {
	if collector == nil {
		return
	}
	collector.mu.Lock()
	collector.events = append(collector.events, event)
	collector.mu.Unlock()
}

func (collector *EventCollector[T]) Events() []T {
	if collector == nil {
		return nil
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	copyEvents := make([]T, len(collector.events))
	copy(copyEvents, collector.events)
	return copyEvents
}

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}

// CollectWithTimeout reads count events from the channel, failing the
// test if they do not all arrive within the timeout.
func CollectWithTimeout[T any](t *testing.T, ch <-chan T, count int, timeout time.Duration) []T {
	t.Helper()
	deadline := time.After(timeout)
	events := make([]T, 0, count)
	for len(events) < count {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(events), count)
			}
			events = append(events, event)
		case <-deadline:
			t.Fatalf("timed out with %d of %d events after %s", len(events), count, timeout)
		}
	}
	return events
}
