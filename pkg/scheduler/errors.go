package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrDisposed  = errors.New("scheduler disposed")
	ErrQueueFull = errors.New("scheduler queue full")
	ErrNilTask   = errors.New("task is nil")

	// ErrTaskExited is reported for a task that ended its goroutine
	// (runtime.Goexit) instead of returning.
	ErrTaskExited = errors.New("task exited without returning")
)

// PanicError is reported for a task that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panic: %v", e.Value) }

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
