package observer

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

// recorder logs every signal as a string.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) OnNext(item int) {
	r.mu.Lock()
	r.calls = append(r.calls, "next")
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.calls = append(r.calls, "error:"+err.Error())
	r.mu.Unlock()
}

func (r *recorder) OnComplete() {
	r.mu.Lock()
	r.calls = append(r.calls, "complete")
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestSafeDropsAfterComplete(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := Safe[int](rec)

	s.OnNext(1)
	s.OnNext(2)
	s.OnComplete()
	s.OnNext(3)
	s.OnError(errors.New("late"))
	s.OnComplete()

	want := []string{"next", "next", "complete"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !s.Terminated() {
		t.Fatal("Terminated = false after OnComplete")
	}
}

func TestSafeDropsAfterError(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := Safe[int](rec)

	s.OnError(errors.New("boom"))
	s.OnComplete()
	s.OnNext(1)

	want := []string{"error:boom"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestSafeConcurrentTerminals(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := Safe[int](rec)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.OnComplete() }()
		go func() { defer wg.Done(); s.OnError(errors.New("x")) }()
	}
	wg.Wait()

	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected exactly one terminal signal, got %v", got)
	}
}

func TestSafeIsIdempotentWrapper(t *testing.T) {
	t.Parallel()
	s := Safe[int](&recorder{})
	if Safe[int](s) != s {
		t.Fatal("re-wrapping a SafeObserver should return it unchanged")
	}
}

func TestFuncsIgnoresNilCallbacks(t *testing.T) {
	t.Parallel()
	var got []int
	f := Funcs[int]{Next: func(v int) { got = append(got, v) }}
	f.OnNext(7)
	f.OnError(errors.New("ignored"))
	f.OnComplete()
	if !reflect.DeepEqual(got, []int{7}) {
		t.Fatalf("got %v", got)
	}
}

// inline runs tasks on the caller's goroutine.
type inline struct{ n int }

func (e *inline) Execute(task func()) {
	e.n++
	task()
}

func TestObserveOnStopsQueueingAfterTerminal(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	exec := &inline{}
	o := ObserveOn[int](exec, rec)

	o.OnNext(1)
	o.OnComplete()
	o.OnNext(2)
	o.OnError(errors.New("late"))

	if exec.n != 2 {
		t.Fatalf("executor ran %d tasks, want 2", exec.n)
	}
	want := []string{"next", "complete"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

// closed rejects every task, like a disposed scheduler.
type closed struct{ executed int }

func (e *closed) Execute(task func())      { e.executed++ }
func (e *closed) Submit(task func()) error { return errors.New("disposed") }

func TestObserveOnDeliversTerminalWhenRejected(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		emit func(Observer[int])
		want string
	}{
		{"complete", func(o Observer[int]) { o.OnComplete() }, "complete"},
		{"error", func(o Observer[int]) { o.OnError(errors.New("x")) }, "error:x"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			exec := &closed{}
			o := ObserveOn[int](exec, rec)
			o.OnNext(1)
			tc.emit(o)

			if got := rec.snapshot(); !reflect.DeepEqual(got, []string{tc.want}) {
				t.Fatalf("calls = %v", got)
			}
		})
	}
}
