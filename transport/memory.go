// transport/memory.go
package transport

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher and Subscriber. Slow subscribers lose
// events rather than stall the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[chan TaskEvent]struct{}
	buffer int
	closed bool
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryBus{subs: make(map[chan TaskEvent]struct{}), buffer: buffer}
}

func (b *MemoryBus) Publish(_ context.Context, events ...TaskEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ev := range events {
		for ch := range b.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan TaskEvent, error) {
	ch := make(chan TaskEvent, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch, nil
}

func (b *MemoryBus) unsubscribe(ch chan TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
