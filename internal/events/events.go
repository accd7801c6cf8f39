// Package events is a typed publish/subscribe registry. An Emitter holds an
// ordered list of handlers, empty until someone subscribes.
package events

import "sync"

type (
	Handler[T any] func(T)

	Emitter[T any] struct {
		mu       sync.RWMutex
		nextID   uint64
		handlers []entry[T]
	}

	entry[T any] struct {
		id   uint64
		once bool
		fn   Handler[T]
	}
)

// Subscribe appends fn and returns a function removing it.
func (e *Emitter[T]) Subscribe(fn Handler[T]) (unsubscribe func()) {
	return e.add(fn, false)
}

// Once subscribes fn for a single emission.
func (e *Emitter[T]) Once(fn Handler[T]) (unsubscribe func()) {
	return e.add(fn, true)
}

func (e *Emitter[T]) add(fn Handler[T], once bool) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, entry[T]{id: id, once: once, fn: fn})
	e.mu.Unlock()

	return func() { e.remove(id) }
}

func (e *Emitter[T]) remove(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every handler in subscription order on the caller's goroutine.
// Handlers may subscribe or unsubscribe while being called.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	snapshot := make([]entry[T], len(e.handlers))
	copy(snapshot, e.handlers)
	e.mu.RUnlock()

	for _, h := range snapshot {
		if h.once && !e.remove(h.id) {
			// another Emit already consumed it
			continue
		}
		h.fn(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
