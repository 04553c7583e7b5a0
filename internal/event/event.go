// Package event provides typed notification emitters whose subscriptions are
// owned handles. Releasing a handle guarantees its callback is not invoked by
// any Emit that starts afterwards.
package event

import "sync"

// Subscription is the owned handle returned by Subscribe.
type Subscription struct {
	once    sync.Once
	release func()
}

// Close releases the subscription. It is safe to call more than once and on a
// nil handle.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Emitter fans out values of type T to its subscribers in subscription order.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns its handle.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	return &Subscription{release: func() { e.remove(id) }}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers v to a snapshot of the current subscribers.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]func(T), len(e.subs))
	for i, s := range e.subs {
		snapshot[i] = s.fn
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len reports the number of live subscriptions.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
