// Package journal persists the outcome of task executions.
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the journal.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "" or "none": journal disabled
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means the driver default
	MaxRecords  int           // 0 keeps everything
}

const (
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusDiscarded = "discarded"
)

// Record is one finished (or discarded) task.
type Record struct {
	TaskID     string
	Scheduler  string
	Name       string
	Seq        uint64
	Status     string
	Queued     time.Time
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
