// Package events provides best-effort, in-process fan-out of job snapshots.
//
// Every subscriber owns a buffered channel. Publish never blocks: a full
// subscriber misses the message. Late subscribers get no history.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultBuffer is the per subscriber channel capacity.
const DefaultBuffer = 64

type subscriber[T any] struct {
	ch chan T
}

// Bus broadcasts values of type T to all currently registered subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscriber[T]]struct{}
	buffer int
	closed bool
}

func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed once
// ctx is done or the bus is closed.
func (b *Bus[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{ch: make(chan T, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.remove(s)
	})
	return s.ch
}

func (b *Bus[T]) remove(s *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers msg to every subscriber without blocking and returns the
// number of subscribers which received it.
func (b *Bus[T]) Publish(ctx context.Context, msg T) int {
	// the read lock keeps remove from closing a channel we send to
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for s := range b.subs {
		select {
		case s.ch <- msg:
			delivered++
		default:
			slog.WarnContext(ctx, "subscriber is full: dropping event")
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes all subscriber channels; later subscriptions get a closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
