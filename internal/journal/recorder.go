package journal

import (
	"context"
	"sync"
	"time"

	logx "onelane/pkg/logx"
	"onelane/pkg/observer"
	"onelane/pkg/scheduler"
)

var _ observer.Observer[scheduler.TaskEvent] = (*Recorder)(nil)

// Recorder persists terminal task events (finished, failed, discarded).
// Subscribe it to a scheduler lane.
type Recorder struct {
	store   Store
	log     logx.Logger
	timeout time.Duration
	once    sync.Once
	done    chan struct{}
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, timeout: 2 * time.Second, done: make(chan struct{})}
}

func (r *Recorder) OnNext(ev scheduler.TaskEvent) {
	var status string
	switch ev.Type {
	case scheduler.EventFinished:
		status = StatusFinished
	case scheduler.EventFailed:
		status = StatusFailed
	case scheduler.EventDiscarded:
		status = StatusDiscarded
	default:
		return
	}
	if r.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.store.Append(ctx, Record{
		TaskID:     ev.ID,
		Scheduler:  ev.Scheduler,
		Name:       ev.Name,
		Seq:        ev.Seq,
		Status:     status,
		Queued:     ev.Queued,
		Started:    ev.Started,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		Error:      ev.Error,
	})
	if err != nil {
		r.log.Warn("journal append failed", logx.String("task", ev.Name), logx.Err(err))
	}
}

func (r *Recorder) OnError(err error) {
	r.log.Warn("journal event stream failed", logx.Err(err))
	r.once.Do(func() { close(r.done) })
}

func (r *Recorder) OnComplete() {
	r.log.Debug("journal event stream completed")
	r.once.Do(func() { close(r.done) })
}

// Done is closed once the event stream has terminated.
func (r *Recorder) Done() <-chan struct{} { return r.done }
