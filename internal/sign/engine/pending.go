package engine

import (
	"context"
	"sync"
)

// Pending is the outcome of a handshake step that completes when the peer
// answers.
type Pending[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newPending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

func (p *Pending[T]) resolve(v T, err error) {
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
	})
}

// Done is closed once the outcome is known.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-p.done:
		return p.val, p.err
	}
}

type waitlist[T any] struct {
	mu sync.Mutex
	m  map[int64]*Pending[T]
}

func newWaitlist[T any]() *waitlist[T] {
	return &waitlist[T]{m: make(map[int64]*Pending[T])}
}

func (w *waitlist[T]) add(id int64) *Pending[T] {
	p := newPending[T]()
	w.mu.Lock()
	w.m[id] = p
	w.mu.Unlock()
	return p
}

// resolve completes and forgets the waiter of id, if any.
func (w *waitlist[T]) resolve(id int64, v T, err error) {
	w.mu.Lock()
	p, ok := w.m[id]
	delete(w.m, id)
	w.mu.Unlock()
	if ok {
		p.resolve(v, err)
	}
}

// keyMutex serializes work on one proposal or session.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

func (k *keyMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
