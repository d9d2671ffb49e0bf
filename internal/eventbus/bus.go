// Package eventbus is an in-process topic fan-out used to notify driver apps,
// requester apps and the operator dashboard of state changes.
//
// Publish never blocks the caller. Each subscriber owns a queue drained by
// its own goroutine, so a slow subscriber only delays itself. A subscriber
// whose queue grows past MaxPending is disconnected: its channel is closed and
// it is expected to resubscribe, replaying state from the owning component.
// Delivery is at-least-once from the consumer's point of view, since a
// resubscription replays a snapshot.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/example/job-dispatch/internal/observability"
)

const DefaultMaxPending = 1024

type Options struct {
	MaxPending int
	Logger     *slog.Logger
}

// Bus fans events of type T out to subscribers of a topic.
type Bus[T any] struct {
	mu         sync.RWMutex
	topics     map[string]map[uint64]*subscriber[T]
	nextID     uint64
	closed     bool
	maxPending int
	logger     *slog.Logger
}

func New[T any](opts Options) *Bus[T] {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus[T]{
		topics:     make(map[string]map[uint64]*subscriber[T]),
		maxPending: opts.MaxPending,
		logger:     opts.Logger.With("component", "eventbus"),
	}
}

// Publish enqueues ev for every current subscriber of topic.
func (b *Bus[T]) Publish(topic string, ev T) {
	var overflowed []uint64

	b.mu.RLock()
	for id, s := range b.topics[topic] {
		if !s.push(ev) {
			overflowed = append(overflowed, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		if b.remove(topic, id) {
			observability.BusSubscribersDropped.WithLabelValues(topicKind(topic)).Inc()
			b.logger.Warn("subscriber disconnected, queue full", "topic", topic, "max_pending", b.maxPending)
		}
	}
}

// Subscribe registers a new subscriber on topic. The returned subscription
// receives every event published after this call returns.
func (b *Bus[T]) Subscribe(topic string) *Subscription[T] {
	s := newSubscriber[T](b.maxPending)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		go s.run()
		return NewSubscription[T](s.out, func() {})
	}
	b.nextID++
	id := b.nextID
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscriber[T])
		b.topics[topic] = subs
	}
	subs[id] = s
	b.mu.Unlock()

	go s.run()
	return NewSubscription[T](s.out, func() { b.remove(topic, id) })
}

// Subscribers returns the number of live subscribers on topic.
func (b *Bus[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close disconnects every subscriber. Later publishes are dropped and later
// subscriptions are closed immediately.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, s := range subs {
			s.stop()
		}
		delete(b.topics, topic)
	}
}

func (b *Bus[T]) remove(topic string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return false
	}
	s, ok := subs[id]
	if !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	s.stop()
	return true
}

func topicKind(topic string) string {
	kind, _, _ := strings.Cut(topic, ".")
	return kind
}

type subscriber[T any] struct {
	mu      sync.Mutex
	pending []T
	stopped bool
	max     int

	wake     chan struct{}
	out      chan T
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscriber[T any](max int) *subscriber[T] {
	return &subscriber[T]{
		max:  max,
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
}

// push reports false when the queue is full.
func (s *subscriber[T]) push(ev T) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true
	}
	if len(s.pending) >= s.max {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber[T]) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case s.out <- ev:
				case <-s.done:
					return
				}
			}
		}
	}
}
