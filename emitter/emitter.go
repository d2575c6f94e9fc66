// Package emitter provides a typed publish/subscribe sink with
// registration-order delivery. The connection pool uses it for connect and
// disconnect notifications; callers own the emitter lifetime and may share
// one across pools.
package emitter

import (
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Emitter delivers values of type T to subscribers in registration order.
// Subscribers never observe a partially delivered emission from their own
// perspective: a panicking subscriber is recovered and logged, and delivery
// continues with the remaining subscribers.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   *orderedmap.OrderedMap[uint64, func(T)]
	nextID uint64
	logger *logrus.Logger
}

// New creates an emitter. A nil logger is replaced with a default one.
func New[T any](logger *logrus.Logger) *Emitter[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Emitter[T]{
		subs:   orderedmap.New[uint64, func(T)](),
		logger: logger,
	}
}

// Subscribe registers fn and returns an unsubscribe function. Unsubscribing
// twice is harmless. fn must not block; it runs on the emitting goroutine.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs.Set(id, fn)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.subs.Delete(id)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (e *Emitter[T]) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subs.Len()
}

// Emit delivers v to every subscriber registered at the moment of the call,
// in registration order. Callbacks run outside the emitter lock, so
// subscribers may subscribe or unsubscribe from within a callback; such
// changes take effect for the next emission.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, e.subs.Len())
	for pair := e.subs.Oldest(); pair != nil; pair = pair.Next() {
		fns = append(fns, pair.Value)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.callOne(fn, v)
	}
}

// callOne invokes a single subscriber with panic isolation.
func (e *Emitter[T]) callOne(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("panic", r).Error("Emitter subscriber panicked")
		}
	}()
	fn(v)
}
