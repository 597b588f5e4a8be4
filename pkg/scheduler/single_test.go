package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "onelane/pkg/logx"
	"onelane/pkg/observer"
)

const waitTimeout = 5 * time.Second

func newTestScheduler(t *testing.T, cfg Config) *Single {
	t.Helper()
	s := New(cfg, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func stopAndWait(t *testing.T, s *Single) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// serialLog records task runs and detects overlapping executions.
type serialLog struct {
	mu      sync.Mutex
	order   []string
	running atomic.Int32
	overlap atomic.Bool
}

func (l *serialLog) task(name string, body func()) Task {
	return func() {
		if l.running.Add(1) > 1 {
			l.overlap.Store(true)
		}
		defer l.running.Add(-1)
		l.mu.Lock()
		l.order = append(l.order, name+".start")
		l.mu.Unlock()
		if body != nil {
			body()
		}
		l.mu.Lock()
		l.order = append(l.order, name+".end")
		l.mu.Unlock()
	}
}

func (l *serialLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func TestTasksRunInSubmissionOrder(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	var l serialLog

	for _, name := range []string{"A", "B", "C"} {
		if err := s.Submit(l.task(name, func() { time.Sleep(2 * time.Millisecond) })); err != nil {
			t.Fatalf("Submit(%s): %v", name, err)
		}
	}
	stopAndWait(t, s)

	want := []string{"A.start", "A.end", "B.start", "B.end", "C.start", "C.end"}
	if got := l.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if l.overlap.Load() {
		t.Fatal("tasks overlapped")
	}
}

func TestManyTasksNeverOverlap(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	const n = 500
	var (
		running atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		got     []int
	)
	for i := 0; i < n; i++ {
		i := i
		s.Execute(func() {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			running.Add(-1)
		})
	}
	stopAndWait(t, s)

	if overlap.Load() {
		t.Fatal("tasks overlapped")
	}
	if len(got) != n {
		t.Fatalf("ran %d tasks, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestConcurrentSubmittersKeepPerSubmitterOrder(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	const (
		submitters = 8
		perEach    = 100
	)
	var (
		running atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		seen    = make([][]int, submitters)
	)

	var wg sync.WaitGroup
	for g := 0; g < submitters; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perEach; i++ {
				i := i
				err := s.Submit(func() {
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					mu.Lock()
					seen[g] = append(seen[g], i)
					mu.Unlock()
					running.Add(-1)
				})
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	stopAndWait(t, s)

	if overlap.Load() {
		t.Fatal("tasks overlapped")
	}
	for g, got := range seen {
		if len(got) != perEach {
			t.Fatalf("submitter %d: ran %d tasks, want %d", g, len(got), perEach)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("submitter %d: position %d ran task %d", g, i, v)
			}
		}
	}
}

func TestSubmitDoesNotWaitForTask(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	gate := make(chan struct{})
	started := make(chan struct{})
	finished := make(chan struct{})

	err := s.Submit(func() {
		close(started)
		<-gate
		close(finished)
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Submit has returned while the task is still blocked on the gate.
	select {
	case <-finished:
		t.Fatal("task finished before the gate opened")
	default:
	}

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("task never started")
	}
	close(gate)
	select {
	case <-finished:
	case <-time.After(waitTimeout):
		t.Fatal("task never finished")
	}
}

func TestLongTaskDelaysFastTask(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	gate := make(chan struct{})
	aDone := make(chan struct{})
	bStarted := make(chan struct{})
	var bAfterA atomic.Bool

	s.Execute(func() {
		<-gate
		close(aDone)
	})
	s.Execute(func() {
		select {
		case <-aDone:
			bAfterA.Store(true)
		default:
		}
		close(bStarted)
	})

	select {
	case <-bStarted:
		t.Fatal("B started while A was still running")
	case <-time.After(50 * time.Millisecond):
	}
	if got := s.Snapshot(); got.State != StateBusy || got.QueueLen != 1 {
		t.Fatalf("snapshot = state %s queue %d, want busy with 1 queued", got.State, got.QueueLen)
	}

	close(gate)
	select {
	case <-bStarted:
	case <-time.After(waitTimeout):
		t.Fatal("B never started")
	}
	if !bAfterA.Load() {
		t.Fatal("B started before A completed")
	}
}

func TestPanickingTaskDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	ran := make(chan struct{})

	s.Execute(func() { panic("boom") })
	s.Execute(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("worker stopped after a panicking task")
	}
	stopAndWait(t, s)

	snap := s.Snapshot()
	if snap.Failed != 1 || snap.Executed != 2 {
		t.Fatalf("failed = %d executed = %d, want 1 and 2", snap.Failed, snap.Executed)
	}
	if len(snap.History) != 2 || snap.History[0].Error == "" || snap.History[1].Error != "" {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestGoexitTaskDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	ran := make(chan struct{})

	s.Execute(func() { runtime.Goexit() })
	s.Execute(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatalf("second task never ran; snapshot = %+v", s.Snapshot())
	}
	stopAndWait(t, s)

	snap := s.Snapshot()
	if snap.State != StateDisposed || snap.Failed != 1 || snap.Executed != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.History[0].Error != ErrTaskExited.Error() {
		t.Fatalf("history[0].Error = %q", snap.History[0].Error)
	}
}

func TestSubmitFuncReportsReturnedError(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	sink := &eventSink{completed: make(chan struct{})}
	s.Subscribe(sink, 64)

	if err := s.SubmitFunc("bad", func() error { return errors.New("exit status 1") }); err != nil {
		t.Fatalf("SubmitFunc: %v", err)
	}
	if err := s.SubmitFunc("good", func() error { return nil }); err != nil {
		t.Fatalf("SubmitFunc: %v", err)
	}
	stopAndWait(t, s)
	<-sink.completed

	var failed []TaskEvent
	sink.mu.Lock()
	for _, ev := range sink.events {
		if ev.Type == EventFailed {
			failed = append(failed, ev)
		}
	}
	sink.mu.Unlock()
	if len(failed) != 1 || failed[0].Name != "bad" || failed[0].Error != "exit status 1" {
		t.Fatalf("failed events = %+v", failed)
	}
	if snap := s.Snapshot(); snap.Failed != 1 || snap.Executed != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDisposeDrainsQueuedTasks(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	gate := make(chan struct{})
	var ran atomic.Int32

	s.Execute(func() { <-gate; ran.Add(1) })
	for i := 0; i < 5; i++ {
		s.Execute(func() { ran.Add(1) })
	}

	s.Dispose()
	s.Dispose()
	if !s.IsDisposed() {
		t.Fatal("IsDisposed = false after Dispose")
	}
	if err := s.Submit(func() {}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Submit after Dispose = %v, want ErrDisposed", err)
	}
	if st := s.Snapshot().State; st != StateDraining {
		t.Fatalf("state while draining = %s", st)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := ran.Load(); got != 6 {
		t.Fatalf("ran %d tasks, want 6", got)
	}
	snap := s.Snapshot()
	if snap.State != StateDisposed || snap.Rejected != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDisposeDiscardMode(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{DiscardOnDispose: true})
	gate := make(chan struct{})
	started := make(chan struct{})
	var ran atomic.Int32

	s.Execute(func() { close(started); <-gate })
	<-started
	for i := 0; i < 3; i++ {
		s.Execute(func() { ran.Add(1) })
	}
	s.Dispose()
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := ran.Load(); got != 0 {
		t.Fatalf("%d queued tasks ran in discard mode", got)
	}
	if got := s.Snapshot().Discarded; got != 3 {
		t.Fatalf("Discarded = %d, want 3", got)
	}
}

func TestBoundedQueueRejects(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{QueueSize: 2})
	gate := make(chan struct{})
	started := make(chan struct{})
	defer close(gate)

	if err := s.Submit(func() { close(started); <-gate }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if err := s.Submit(func() {}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := s.Submit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit over capacity = %v, want ErrQueueFull", err)
	}
}

func TestSubmitNilTask(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	sink := &eventSink{completed: make(chan struct{})}
	s.Subscribe(sink, 16)

	if err := s.Submit(nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("Submit(nil) = %v, want ErrNilTask", err)
	}
	s.Execute(nil)
	stopAndWait(t, s)
	<-sink.completed

	if got := s.Snapshot().Rejected; got != 2 {
		t.Fatalf("Rejected = %d, want 2", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || sink.events[1].Type != EventRejected || sink.events[1].Error != ErrNilTask.Error() {
		t.Fatalf("events = %+v", sink.events)
	}
}

type eventSink struct {
	mu        sync.Mutex
	events    []TaskEvent
	completed chan struct{}
}

func (e *eventSink) OnNext(ev TaskEvent) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}
func (e *eventSink) OnError(error) {}
func (e *eventSink) OnComplete()   { close(e.completed) }

func TestSubscribeReceivesLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Name: "events"})
	sink := &eventSink{completed: make(chan struct{})}
	s.Subscribe(sink, 64)

	_ = s.SubmitNamed("ok", func() {})
	_ = s.SubmitNamed("bad", func() { panic(fmt.Errorf("nope")) })
	stopAndWait(t, s)

	select {
	case <-sink.completed:
	case <-time.After(waitTimeout):
		t.Fatal("subscriber not completed after Stop")
	}

	var got []string
	sink.mu.Lock()
	for _, ev := range sink.events {
		if ev.Scheduler != "events" {
			t.Fatalf("event scheduler = %q", ev.Scheduler)
		}
		got = append(got, ev.Name+":"+ev.Type)
	}
	sink.mu.Unlock()

	// queued events are published by the submitter, the rest by the worker,
	// so only per-task order is fixed.
	for _, name := range []string{"ok", "bad"} {
		var seq []string
		for _, g := range got {
			if len(g) > len(name) && g[:len(name)+1] == name+":" {
				seq = append(seq, g[len(name)+1:])
			}
		}
		last := EventFinished
		if name == "bad" {
			last = EventFailed
		}
		want := []string{EventQueued, EventStarted, last}
		if !reflect.DeepEqual(seq, want) {
			t.Fatalf("%s events = %v, want %v", name, seq, want)
		}
	}
}

func TestSubscribeAfterStopCompletesImmediately(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	stopAndWait(t, s)

	done := make(chan struct{})
	sub := s.Subscribe(observer.Funcs[TaskEvent]{Complete: func() { close(done) }}, 0)
	if !sub.IsDisposed() {
		t.Fatal("subscription after stop should be disposed")
	}
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("late subscriber not completed")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{HistorySize: 3})
	for i := 0; i < 10; i++ {
		_ = s.SubmitNamed(fmt.Sprintf("t%d", i), func() {})
	}
	stopAndWait(t, s)

	h := s.Snapshot().History
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if h[0].Name != "t7" || h[2].Name != "t9" {
		t.Fatalf("history = %+v", h)
	}
	if h[2].Seq != 10 {
		t.Fatalf("last seq = %d, want 10", h[2].Seq)
	}
}

func TestObserveOnDeliversOnLane(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	o := observer.ObserveOn[int](s, observer.Funcs[int]{
		Next: func(v int) {
			mu.Lock()
			got = append(got, fmt.Sprint(v))
			mu.Unlock()
		},
		Complete: func() { close(done) },
	})

	for i := 0; i < 5; i++ {
		o.OnNext(i)
	}
	o.OnComplete()
	o.OnNext(99)

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("OnComplete not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"0", "1", "2", "3", "4"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
