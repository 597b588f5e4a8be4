// Package disposable defines the one-shot resource release capability.
package disposable

import "sync/atomic"

// Disposable is something that can be told to release its resources.
//
// Dispose must be idempotent: only the first call releases anything, later calls
// are no-ops. IsDisposed reports true for every observation after the first Dispose.
type Disposable interface {
	Dispose()
	IsDisposed() bool
}

// Func adapts a release function to Disposable.
// The function runs at most once, on the first Dispose.
type Func struct {
	done    atomic.Bool
	release func()
}

// New returns a Disposable that runs release on the first Dispose. release may be nil.
func New(release func()) *Func {
	return &Func{release: release}
}

func (d *Func) Dispose() {
	if d == nil || !d.done.CompareAndSwap(false, true) {
		return
	}
	if d.release != nil {
		d.release()
	}
}

func (d *Func) IsDisposed() bool {
	if d == nil {
		return true
	}
	return d.done.Load()
}

// Disposed returns a Disposable that is already disposed.
func Disposed() Disposable {
	d := &Func{}
	d.done.Store(true)
	return d
}
