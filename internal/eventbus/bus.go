package eventbus

import (
	"sync"
	"sync/atomic"

	"onelane/pkg/disposable"
	"onelane/pkg/observer"
)

// Bus fans events out to observers.
//
// Contract:
//   - Publish never blocks: each subscriber has a bounded buffer and a slow
//     subscriber drops events.
//   - Every subscriber is driven by its own goroutine, so observers never run on
//     the publisher's goroutine.
//   - Close delivers what is already buffered, then OnComplete, to every subscriber.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	seq    atomic.Uint64
	closed bool

	dropped atomic.Uint64
	pumps   sync.WaitGroup
}

type subscriber[T any] struct {
	ch   chan T
	quit chan struct{}
}

const defaultBuffer = 64

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]*subscriber[T]{}}
}

func (b *Bus[T]) Publish(e T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers o. Disposing the result stops delivery without a terminal
// signal. Subscribing to a closed bus completes o immediately.
func (b *Bus[T]) Subscribe(o observer.Observer[T], buffer int) disposable.Disposable {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	safe := observer.Safe(o)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		safe.OnComplete()
		return disposable.Disposed()
	}
	id := b.seq.Add(1)
	s := &subscriber[T]{ch: make(chan T, buffer), quit: make(chan struct{})}
	b.subs[id] = s
	b.pumps.Add(1)
	b.mu.Unlock()

	go b.pump(s, safe)

	return disposable.New(func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok && cur == s {
			delete(b.subs, id)
			close(s.quit)
		}
		b.mu.Unlock()
	})
}

func (b *Bus[T]) pump(s *subscriber[T], o observer.Observer[T]) {
	defer b.pumps.Done()
	for {
		select {
		case <-s.quit:
			return
		case e, ok := <-s.ch:
			if !ok {
				o.OnComplete()
				return
			}
			o.OnNext(e)
		}
	}
}

// Close completes all subscribers and waits until their buffered events are delivered.
// It is idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, s := range b.subs {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()
	b.pumps.Wait()
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
