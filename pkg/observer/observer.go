// Package observer defines the push-based consumer capability used for task
// lifecycle notifications.
//
// A producer delivers zero or more OnNext values followed by at most one terminal
// signal, OnError or OnComplete. Nothing is delivered after the terminal signal.
package observer

import "sync"

// Observer receives a value stream terminated by at most one success/failure signal.
type Observer[T any] interface {
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Funcs adapts callbacks to Observer. Nil callbacks are ignored.
type Funcs[T any] struct {
	Next     func(item T)
	Error    func(err error)
	Complete func()
}

func (f Funcs[T]) OnNext(item T) {
	if f.Next != nil {
		f.Next(item)
	}
}

func (f Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f Funcs[T]) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

// SafeObserver enforces the observer protocol on behalf of a producer.
//
// Calls are serialized, and every signal after the first terminal one is dropped.
// The wrapped observer must not call back into the SafeObserver.
type SafeObserver[T any] struct {
	mu   sync.Mutex
	done bool
	o    Observer[T]
}

// Safe wraps o. Wrapping an already safe observer returns it unchanged.
func Safe[T any](o Observer[T]) *SafeObserver[T] {
	if s, ok := o.(*SafeObserver[T]); ok {
		return s
	}
	return &SafeObserver[T]{o: o}
}

func (s *SafeObserver[T]) OnNext(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.o == nil {
		return
	}
	s.o.OnNext(item)
}

func (s *SafeObserver[T]) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.o != nil {
		s.o.OnError(err)
	}
}

func (s *SafeObserver[T]) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.o != nil {
		s.o.OnComplete()
	}
}

// Terminated reports whether a terminal signal has been delivered.
func (s *SafeObserver[T]) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
