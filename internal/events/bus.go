// Package events is a small typed publish/subscribe surface.
//
// Handlers run synchronously on the emitting goroutine, in subscription order.
package events

import (
	"sync"
	"sync/atomic"
)

// Name identifies an event.
type Name string

type subscription[E any] struct {
	name    Name
	fn      func(E)
	removed atomic.Bool
}

// Bus delivers events of type E to handlers registered by name.
// The zero value is ready to use.
type Bus[E any] struct {
	mu     sync.Mutex
	subs   []*subscription[E]
	closed bool
}

// Subscribe registers fn for name and returns a function that removes it.
// Subscribing to a closed bus is accepted but the handler never runs.
func (b *Bus[E]) Subscribe(name Name, fn func(E)) (unsubscribe func()) {
	s := &subscription[E]{name: name, fn: fn}

	b.mu.Lock()
	if !b.closed {
		b.subs = append(b.subs, s)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.removed.Store(true)
			b.remove(s)
		})
	}
}

func (b *Bus[E]) remove(s *subscription[E]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler subscribed to name and returns how many ran.
// A handler removed while the emission is in progress is skipped.
func (b *Bus[E]) Emit(name Name, e E) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	var queued []*subscription[E]
	for _, s := range b.subs {
		if s.name == name {
			queued = append(queued, s)
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, s := range queued {
		if s.removed.Load() {
			continue
		}
		s.fn(e)
		delivered++
	}
	return delivered
}

// Len returns the number of handlers subscribed to name.
func (b *Bus[E]) Len(name Name) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.name == name {
			n++
		}
	}
	return n
}

// Close drops all handlers. Emissions already in progress finish delivering
// to the handlers they queued; later emissions deliver nothing.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}
