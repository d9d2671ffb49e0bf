package eventbus

import (
	"context"
	"sync"
)

// Subscription is a cancellable stream of events. The channel returned by
// Events is closed once the subscription ends for any reason.
type Subscription[T any] struct {
	events <-chan T
	cancel func()
	once   sync.Once
}

func NewSubscription[T any](events <-chan T, cancel func()) *Subscription[T] {
	return &Subscription[T]{events: events, cancel: cancel}
}

func (s *Subscription[T]) Events() <-chan T { return s.events }

// Close ends the subscription. It is safe to call more than once and has no
// effect on other subscribers.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}

// Pipe derives a stream from src: it first emits prelude, then every event of
// src for which fn returns true. fn runs on a single goroutine, so it may keep
// state without locking. The derived stream ends when src ends, when ctx is
// done, or when it is closed; in every case src is closed too.
func Pipe[T, U any](ctx context.Context, src *Subscription[T], prelude []U, fn func(T) (U, bool)) *Subscription[U] {
	out := make(chan U)
	done := make(chan struct{})

	send := func(v U) bool {
		select {
		case out <- v:
			return true
		case <-done:
		case <-ctx.Done():
		}
		return false
	}

	go func() {
		defer close(out)
		defer src.Close()
		for _, v := range prelude {
			if !send(v) {
				return
			}
		}
		for {
			select {
			case ev, ok := <-src.Events():
				if !ok {
					return
				}
				if v, keep := fn(ev); keep && !send(v) {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return NewSubscription[U](out, func() { close(done) })
}
