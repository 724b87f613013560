package engine

import "sync"

// Value is a push-style holder with replay-of-one: a new subscriber
// immediately receives the current value, and every change is delivered
// synchronously to all current subscribers.
//
// Subscribers must not call Set or Subscribe on the same Value from inside
// their callback.
type Value[T any] struct {
	emit sync.Mutex // serializes delivery so subscribers see values in order

	mu    sync.Mutex
	v     T
	subs  map[uint64]func(T)
	next  uint64
	equal func(a, b T) bool
}

// NewValue returns a Value holding initial. When equal is non-nil, Set only
// notifies subscribers if the new value differs from the current one.
func NewValue[T any](initial T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{
		v:     initial,
		subs:  make(map[uint64]func(T)),
		equal: equal,
	}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and notifies subscribers. It reports whether a notification
// was sent.
func (o *Value[T]) Set(v T) bool {
	o.emit.Lock()
	defer o.emit.Unlock()

	o.mu.Lock()
	if o.equal != nil && o.equal(o.v, v) {
		o.mu.Unlock()
		return false
	}
	o.v = v
	subs := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Subscribe registers fn, calls it with the current value and returns a
// function that removes the subscription.
func (o *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.emit.Lock()
	defer o.emit.Unlock()

	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	v := o.v
	o.mu.Unlock()

	fn(v)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func equalComparable[T comparable](a, b T) bool { return a == b }
