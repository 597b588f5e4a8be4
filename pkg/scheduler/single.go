package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"onelane/internal/eventbus"
	rtsup "onelane/internal/runtime/supervisor"
	"onelane/pkg/disposable"
	logx "onelane/pkg/logx"
	"onelane/pkg/observer"
)

var (
	_ Scheduler             = (*Single)(nil)
	_ disposable.Disposable = (*Single)(nil)
)

// Single runs tasks on one dedicated worker goroutine, in submission order.
type Single struct {
	cfg  Config
	log  logx.Logger
	bus  *eventbus.Bus[TaskEvent]
	sup  *rtsup.Supervisor
	warn *rate.Limiter

	mu       sync.Mutex
	queue    []queuedTask
	seq      uint64
	disposed bool
	busy     bool
	running  string

	wake       chan struct{}
	done       chan struct{}
	finishOnce sync.Once

	submitted atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	discarded atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New creates a scheduler and starts its worker.
func New(cfg Config, log logx.Logger) *Single {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("scheduler", cfg.Name))

	s := &Single{
		cfg:  cfg,
		log:  log,
		bus:  eventbus.New[TaskEvent](),
		warn: rate.NewLimiter(rate.Limit(cfg.FailureLogRate), 5),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.sup = rtsup.New(context.Background(), rtsup.WithLogger(log))
	s.startWorker()

	log.Debug("scheduler started", logx.Int("queue_cap", cfg.QueueSize))
	return s
}

// startWorker runs the loop under the supervisor. The loop recovers task
// panics itself; a restart only covers bugs in the loop.
func (s *Single) startWorker() {
	s.sup.GoRestart("worker", s.loop, 50*time.Millisecond, time.Second)
}

// Name returns the configured scheduler name.
func (s *Single) Name() string { return s.cfg.Name }

// Execute enqueues task and returns immediately. A rejected task is logged and
// published as a task.rejected event.
func (s *Single) Execute(task Task) {
	_ = s.SubmitNamed("", task)
}

// Submit enqueues task and returns immediately. It reports ErrDisposed after
// Dispose and ErrQueueFull when a bounded queue is at capacity.
func (s *Single) Submit(task Task) error {
	return s.SubmitNamed("", task)
}

// SubmitNamed is Submit with a display name used in events, logs and history.
func (s *Single) SubmitNamed(name string, task Task) error {
	if task == nil {
		s.reject(time.Now(), name, ErrNilTask)
		return ErrNilTask
	}
	return s.SubmitFunc(name, func() error {
		task()
		return nil
	})
}

// SubmitFunc enqueues fn under name. A returned error is reported as
// task.failed with the error text; a panic is still reported as *PanicError.
func (s *Single) SubmitFunc(name string, fn func() error) error {
	if fn == nil {
		s.reject(time.Now(), name, ErrNilTask)
		return ErrNilTask
	}
	now := time.Now()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.reject(now, name, ErrDisposed)
		return ErrDisposed
	}
	if s.cfg.QueueSize > 0 && len(s.queue) >= s.cfg.QueueSize {
		s.mu.Unlock()
		s.reject(now, name, ErrQueueFull)
		return ErrQueueFull
	}
	s.seq++
	qt := queuedTask{id: uuid.NewString(), seq: s.seq, name: name, fn: fn, queued: now}
	s.queue = append(s.queue, qt)
	s.submitted.Add(1)
	// Published under mu so queued events follow queue order.
	s.bus.Publish(TaskEvent{Type: EventQueued, Scheduler: s.cfg.Name, ID: qt.id, Name: name, Seq: qt.seq, Queued: now})
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *Single) reject(now time.Time, name string, err error) {
	s.rejected.Add(1)
	s.bus.Publish(TaskEvent{Type: EventRejected, Scheduler: s.cfg.Name, Name: name, Queued: now, Error: err.Error()})
	if s.warn.Allow() {
		s.log.Warn("task rejected", logx.String("task", name), logx.Err(err))
	} else {
		s.log.Debug("task rejected", logx.String("task", name), logx.Err(err))
	}
}

func (s *Single) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dispose stops accepting tasks. Queued tasks are drained (or discarded, per
// Config.DiscardOnDispose) by the worker, which then exits. It does not wait;
// use Wait or Stop for that. Dispose is idempotent.
func (s *Single) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	pending := len(s.queue)
	s.mu.Unlock()

	s.log.Info("scheduler disposing", logx.Int("pending", pending), logx.Bool("discard", s.cfg.DiscardOnDispose))
	s.signal()
}

func (s *Single) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Done is closed once the worker has exited.
func (s *Single) Done() <-chan struct{} { return s.done }

// Wait blocks until the worker has exited or ctx is done.
func (s *Single) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disposes the scheduler and waits for the worker to exit.
func (s *Single) Stop(ctx context.Context) error {
	s.Dispose()
	if err := s.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
		return err
	}
	return nil
}

// Subscribe registers o for task lifecycle events. Delivery happens on a
// dedicated goroutine; a subscriber that falls more than buffer events behind
// loses events. o receives OnComplete once the worker has exited.
func (s *Single) Subscribe(o observer.Observer[TaskEvent], buffer int) disposable.Disposable {
	return s.bus.Subscribe(o, buffer)
}

func (s *Single) Snapshot() Snapshot {
	s.mu.Lock()
	state := StateIdle
	switch {
	case s.disposed:
		state = StateDraining
	case s.busy:
		state = StateBusy
	}
	snap := Snapshot{
		Name:     s.cfg.Name,
		State:    state,
		Running:  s.running,
		QueueLen: len(s.queue),
		QueueCap: s.cfg.QueueSize,
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		snap.State = StateDisposed
	default:
	}

	snap.Submitted = s.submitted.Load()
	snap.Executed = s.executed.Load()
	snap.Failed = s.failed.Load()
	snap.Rejected = s.rejected.Load()
	snap.Discarded = s.discarded.Load()
	snap.Subscribers = s.bus.Len()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// Supervisor exposes the worker supervisor for diagnostics.
func (s *Single) Supervisor() *rtsup.Supervisor { return s.sup }
