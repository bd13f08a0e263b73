package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/gradepop-crawler/internal/progress"
)

// Broadcaster forwards events to live subscribers such as the API's progress
// stream. Slow subscribers lose events rather than stalling the hub.
type Broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan progress.Event
	buffer int
	closed bool
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold buffer
// events (default 32).
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{subs: make(map[int]chan progress.Event), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan progress.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan progress.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Subscribers reports the number of active listeners.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Consume implements progress.Sink.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for _, ch := range b.subs {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
