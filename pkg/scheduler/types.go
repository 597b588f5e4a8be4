package scheduler

import "time"

// Task is a unit of work with no input and no result.
type Task = func()

// Scheduler accepts tasks for asynchronous execution.
type Scheduler interface {
	Execute(task Task)
}

// Config controls a Single scheduler.
type Config struct {
	// Name labels logs, events and metrics. Defaults to "single".
	Name string

	// QueueSize bounds the number of waiting tasks. 0 means unbounded.
	QueueSize int

	// HistorySize is the number of finished executions kept for Snapshot. Defaults to 200.
	HistorySize int

	// DiscardOnDispose drops queued tasks on Dispose instead of draining them.
	DiscardOnDispose bool

	// FailureLogRate limits task failure warnings per second (burst 5).
	// Failures over the limit are logged at debug level. Defaults to 1.
	FailureLogRate float64
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "single"
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.FailureLogRate <= 0 {
		c.FailureLogRate = 1
	}
	return c
}

// State is the lane state reported by Snapshot. Draining covers the span
// between Dispose and worker exit, while queued tasks are still running.
type State string

const (
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDraining State = "draining"
	StateDisposed State = "disposed"
)

const (
	EventQueued    = "task.queued"
	EventStarted   = "task.started"
	EventFinished  = "task.finished"
	EventFailed    = "task.failed"
	EventRejected  = "task.rejected"
	EventDiscarded = "task.discarded"
)

// TaskEvent is published for every task lifecycle transition.
type TaskEvent struct {
	Type       string        `json:"type"`
	Scheduler  string        `json:"scheduler"`
	ID         string        `json:"id,omitempty"`
	Name       string        `json:"name,omitempty"`
	Seq        uint64        `json:"seq,omitempty"`
	Queued     time.Time     `json:"queued"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID         string
	Name       string
	Seq        uint64
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name     string
	State    State
	Running  string
	QueueLen int
	QueueCap int // 0 means unbounded

	Submitted uint64
	Executed  uint64
	Failed    uint64
	Rejected  uint64
	Discarded uint64

	Subscribers int

	History []HistoryItem
}

type queuedTask struct {
	id     string
	seq    uint64
	name   string
	fn     func() error
	queued time.Time
}
