// Package scheduler provides a serialized execution lane.
//
// A Single owns exactly one worker goroutine. Tasks submitted from any number of
// goroutines are queued FIFO and run one at a time, never concurrently with each
// other. Submission only enqueues; it never waits for the task to start or finish.
//
// A task that panics is recovered, logged and reported as a task.failed event; the
// worker keeps going. Dispose stops accepting new work and, unless the scheduler is
// configured to discard, lets the worker drain what is already queued before it exits.
//
// Example:
//
//	lane := scheduler.New(scheduler.Config{Name: "io"}, log)
//	defer lane.Stop(context.Background())
//
//	lane.Execute(func() { fmt.Println("first") })
//	lane.Execute(func() { fmt.Println("second") })
package scheduler
