// Package observe provides synchronous publish/subscribe cells.
//
// A Value holds the latest snapshot and replays it to new subscribers; a Feed
// only broadcasts. Publishing is serialized per cell, so subscribers see one
// value at a time and in publish order. Subscribers run on the publishing
// goroutine and must not publish to, or subscribe to, the same cell from
// inside their callback. Reset and Get are safe there.
package observe

import (
	"sync"
)

type subscriber[T any] struct {
	id int
	fn func(T)
}

type hub[T any] struct {
	pub  sync.Mutex // held while callbacks run
	mu   sync.Mutex // guards subs and next
	subs []subscriber[T]
	next int
}

func (h *hub[T]) add(fn func(T)) (int, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.subs = append(h.subs, subscriber[T]{id: id, fn: fn})
	var once sync.Once
	return id, func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *hub[T]) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *hub[T]) snapshot() []subscriber[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]subscriber[T], len(h.subs))
	copy(out, h.subs)
	return out
}

func (h *hub[T]) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Value is a one-writer many-reader cell with change notification.
type Value[T any] struct {
	hub[T]
	state   sync.RWMutex
	current T
	set     bool
}

// NewValue returns an empty Value.
func NewValue[T any]() *Value[T] {
	return &Value[T]{}
}

// Get returns the current value and whether one was ever set.
func (v *Value[T]) Get() (T, bool) {
	v.state.RLock()
	defer v.state.RUnlock()
	return v.current, v.set
}

// Set stores x and notifies every subscriber before returning.
func (v *Value[T]) Set(x T) {
	v.pub.Lock()
	defer v.pub.Unlock()
	v.state.Lock()
	v.current = x
	v.set = true
	v.state.Unlock()
	for _, s := range v.snapshot() {
		s.fn(x)
	}
}

// Reset forgets the current value without notifying anyone. It may be
// called from inside a subscriber of the same cell.
func (v *Value[T]) Reset() {
	v.state.Lock()
	defer v.state.Unlock()
	var zero T
	v.current = zero
	v.set = false
}

// Subscribe registers fn and immediately replays the current value, if any.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	v.pub.Lock()
	defer v.pub.Unlock()
	_, cancel = v.add(fn)
	if cur, ok := v.Get(); ok {
		fn(cur)
	}
	return cancel
}

// Subscribers reports how many callbacks are registered.
func (v *Value[T]) Subscribers() int { return v.count() }

// Feed broadcasts values without retaining them.
type Feed[T any] struct {
	hub[T]
}

// NewFeed returns an empty Feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{}
}

// Publish delivers x to every subscriber.
func (f *Feed[T]) Publish(x T) {
	f.pub.Lock()
	defer f.pub.Unlock()
	for _, s := range f.snapshot() {
		s.fn(x)
	}
}

// Subscribe registers fn for future values.
func (f *Feed[T]) Subscribe(fn func(T)) (cancel func()) {
	_, cancel = f.add(fn)
	return cancel
}

// Subscribers reports how many callbacks are registered.
func (f *Feed[T]) Subscribers() int { return f.count() }
