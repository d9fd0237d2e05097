// Package observe provides an atomically published value with subscriptions.
package observe

import (
	"sync"
	"sync/atomic"
)

// Value holds a read-mostly value. Readers never block and never observe a
// partially written value; writers are serialized and subscribers are
// notified in write order.
//
// Subscribers run on the writer's goroutine and must not write back to the
// same Value.
type Value[T any] struct {
	cur atomic.Pointer[T]

	wmu  sync.Mutex // serializes writers and notification
	smu  sync.Mutex // guards subs
	subs map[uint64]func(T)
	next uint64
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	v := &Value[T]{subs: make(map[uint64]func(T))}
	v.cur.Store(&initial)
	return v
}

// Load returns the current value.
func (v *Value[T]) Load() T {
	return *v.cur.Load()
}

// Store publishes val and notifies subscribers.
func (v *Value[T]) Store(val T) {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	v.cur.Store(&val)
	v.notify(val)
}

// Update applies fn to the current value and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	next := fn(*v.cur.Load())
	v.cur.Store(&next)
	v.notify(next)
	return next
}

// Subscribe registers fn for every subsequent write. The returned function
// unsubscribes and is safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.smu.Lock()
	id := v.next
	v.next++
	v.subs[id] = fn
	v.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.smu.Lock()
			delete(v.subs, id)
			v.smu.Unlock()
		})
	}
}

func (v *Value[T]) notify(val T) {
	v.smu.Lock()
	fns := make([]func(T), 0, len(v.subs))
	for _, fn := range v.subs {
		fns = append(fns, fn)
	}
	v.smu.Unlock()

	for _, fn := range fns {
		fn(val)
	}
}
