package tracking

import (
	"sync"

	"github.com/patrickwarner/adtrack/internal/models"
)

// Buffer holds accepted impressions until they are flushed. Every operation
// completes under a single mutex and never performs I/O, so a drain always
// captures a consistent snapshot.
type Buffer struct {
	mu     sync.Mutex
	events []models.ImpressionEvent
}

// Append adds events and returns the new buffer length.
func (b *Buffer) Append(events ...models.ImpressionEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
	return len(b.events)
}

// Drain swaps the buffer for an empty one and returns what it held.
func (b *Buffer) Drain() []models.ImpressionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// Requeue puts events back at the front of the buffer so they are retried
// before anything accepted since the drain.
func (b *Buffer) Requeue(events []models.ImpressionEvent) int {
	if len(events) == 0 {
		return b.Len()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]models.ImpressionEvent, 0, len(events)+len(b.events))
	merged = append(merged, events...)
	merged = append(merged, b.events...)
	b.events = merged
	return len(b.events)
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
