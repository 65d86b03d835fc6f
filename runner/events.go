package runner

import "sync"

// Event is a registry of observers for values of type T.
// The zero value is ready to use.
type Event[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers []handler[T]
}

type handler[T any] struct {
	id int
	fn func(T)
}

// On registers fn and returns a function that unregisters it.
func (e *Event[T]) On(fn func(T)) (unregister func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.handlers {
			if h.id == id {
				e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
				return
			}
		}
	}
}

// fire calls the registered handlers in registration order, outside the lock.
func (e *Event[T]) fire(v T) {
	e.mu.Lock()
	handlers := make([]handler[T], len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	for _, h := range handlers {
		h.fn(v)
	}
}
