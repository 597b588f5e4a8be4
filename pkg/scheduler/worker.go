package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	logx "onelane/pkg/logx"
)

type step int

const (
	stepWait step = iota
	stepRun
	stepExit
)

func (s *Single) loop(ctx context.Context) error {
	for {
		qt, st, dropped := s.next()
		switch st {
		case stepRun:
			s.run(qt)
		case stepWait:
			select {
			case <-s.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
		case stepExit:
			s.discard(dropped)
			s.finish()
			return nil
		}
	}
}

// next pops the head of the queue. Once disposed, an empty queue (or any queue
// in discard mode) ends the loop.
func (s *Single) next() (queuedTask, step, []queuedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed && s.cfg.DiscardOnDispose && len(s.queue) > 0 {
		dropped := s.queue
		s.queue = nil
		return queuedTask{}, stepExit, dropped
	}
	if len(s.queue) > 0 {
		qt := s.queue[0]
		s.queue[0] = queuedTask{}
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil
		}
		s.busy = true
		s.running = qt.name
		return qt, stepRun, nil
	}
	if s.disposed {
		return queuedTask{}, stepExit, nil
	}
	return queuedTask{}, stepWait, nil
}

func (s *Single) run(qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.queued)
	if queueDelay < 0 {
		queueDelay = 0
	}
	s.bus.Publish(TaskEvent{Type: EventStarted, Scheduler: s.cfg.Name, ID: qt.id, Name: qt.name, Seq: qt.seq, Queued: qt.queued, Started: start, QueueDelay: queueDelay})

	normalReturn := false
	defer func() {
		if normalReturn {
			return
		}
		// The task called runtime.Goexit and took this goroutine with it.
		// Record the failure and hand the queue to a fresh worker.
		s.complete(qt, start, queueDelay, ErrTaskExited)
		s.startWorker()
	}()
	err := s.invoke(qt)
	normalReturn = true
	s.complete(qt, start, queueDelay, err)
}

func (s *Single) complete(qt queuedTask, start time.Time, queueDelay time.Duration, err error) {
	dur := time.Since(start)

	ev := TaskEvent{Type: EventFinished, Scheduler: s.cfg.Name, ID: qt.id, Name: qt.name, Seq: qt.seq, Queued: qt.queued, Started: start, QueueDelay: queueDelay, Duration: dur}
	item := HistoryItem{ID: qt.id, Name: qt.name, Seq: qt.seq, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		ev.Type = EventFailed
		ev.Error = err.Error()
		item.Error = ev.Error
		s.failed.Add(1)
		fields := []logx.Field{logx.String("task", qt.name), logx.Uint64("seq", qt.seq), logx.Err(err), logx.Duration("dur", dur)}
		if pe, ok := err.(*PanicError); ok {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		if s.warn.Allow() {
			s.log.Warn("task.failed", fields...)
		} else {
			s.log.Debug("task.failed", fields...)
		}
	} else {
		s.log.Trace("task.completed", logx.String("task", qt.name), logx.Uint64("seq", qt.seq), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}

	s.record(item)
	s.executed.Add(1)

	s.mu.Lock()
	s.busy = false
	s.running = ""
	s.mu.Unlock()

	s.bus.Publish(ev)
}

func (s *Single) invoke(qt queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return qt.fn()
}

func (s *Single) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Single) discard(dropped []queuedTask) {
	if len(dropped) == 0 {
		return
	}
	now := time.Now()
	for _, qt := range dropped {
		s.discarded.Add(1)
		s.bus.Publish(TaskEvent{Type: EventDiscarded, Scheduler: s.cfg.Name, ID: qt.id, Name: qt.name, Seq: qt.seq, Queued: qt.queued, QueueDelay: now.Sub(qt.queued)})
	}
	s.log.Info("queued tasks discarded", logx.Int("count", len(dropped)))
}

func (s *Single) finish() {
	s.finishOnce.Do(func() {
		s.bus.Close()
		s.log.Info("scheduler stopped",
			logx.Uint64("executed", s.executed.Load()),
			logx.Uint64("failed", s.failed.Load()),
			logx.Uint64("discarded", s.discarded.Load()),
		)
		close(s.done)
		s.sup.Cancel()
	})
}
