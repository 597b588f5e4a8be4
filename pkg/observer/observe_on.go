package observer

import "sync/atomic"

// Executor runs tasks asynchronously. scheduler.Single satisfies it.
type Executor interface {
	Execute(task func())
}

// submitter is implemented by executors that report rejected tasks.
type submitter interface {
	Submit(task func()) error
}

type observeOn[T any] struct {
	exec Executor
	o    *SafeObserver[T]
	// terminated is set at emission time so signals after a terminal one are
	// not even queued.
	terminated atomic.Bool
}

// ObserveOn returns an Observer that re-delivers every signal to o as a task on exec.
//
// With a FIFO executor (such as a single-worker scheduler) signals reach o in the
// order they were emitted, on the executor's goroutine.
//
// If exec has a Submit(func()) error method and rejects the terminal signal
// (a disposed scheduler), OnError or OnComplete is delivered to o on the
// caller's goroutine instead, so o still terminates. Items the executor
// has not run yet are then dropped.
func ObserveOn[T any](exec Executor, o Observer[T]) Observer[T] {
	return &observeOn[T]{exec: exec, o: Safe(o)}
}

func (x *observeOn[T]) OnNext(item T) {
	if x.terminated.Load() {
		return
	}
	x.exec.Execute(func() { x.o.OnNext(item) })
}

func (x *observeOn[T]) OnError(err error) {
	if !x.terminated.CompareAndSwap(false, true) {
		return
	}
	x.terminal(func() { x.o.OnError(err) })
}

func (x *observeOn[T]) OnComplete() {
	if !x.terminated.CompareAndSwap(false, true) {
		return
	}
	x.terminal(x.o.OnComplete)
}

func (x *observeOn[T]) terminal(fn func()) {
	s, ok := x.exec.(submitter)
	if !ok {
		x.exec.Execute(fn)
		return
	}
	if err := s.Submit(fn); err != nil {
		fn()
	}
}
