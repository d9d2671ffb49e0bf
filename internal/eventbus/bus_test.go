package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New[int](Options{})
	s1 := b.Subscribe("jobs")
	s2 := b.Subscribe("jobs")
	other := b.Subscribe("chat.j1")
	defer s1.Close()
	defer s2.Close()
	defer other.Close()

	b.Publish("jobs", 1)
	b.Publish("jobs", 2)

	assert.Equal(t, 1, receive(t, s1))
	assert.Equal(t, 2, receive(t, s1))
	assert.Equal(t, 1, receive(t, s2))
	assert.Equal(t, 2, receive(t, s2))

	select {
	case v := <-other.Events():
		t.Fatalf("unexpected event on other topic: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New[int](Options{MaxPending: 10_000})
	slow := b.Subscribe("jobs")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			b.Publish("jobs", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}

	for i := 0; i < 5000; i++ {
		require.Equal(t, i, receive(t, slow))
	}
}

func TestOverflowDisconnectsOnlyTheSlowSubscriber(t *testing.T) {
	b := New[int](Options{MaxPending: 4})
	slow := b.Subscribe("jobs")
	fast := b.Subscribe("jobs")
	defer fast.Close()

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := range fast.Events() {
			got = append(got, v)
			if v == 99 {
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		b.Publish("jobs", i)
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	assert.Len(t, got, 100)

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.Events():
			if ok {
				for range slow.Events() {
				}
			}
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.Subscribers("jobs"))
}

func TestCloseIsIdempotentAndIsolated(t *testing.T) {
	b := New[string](Options{})
	a := b.Subscribe("t")
	c := b.Subscribe("t")
	defer c.Close()

	a.Close()
	a.Close()

	b.Publish("t", "x")
	assert.Equal(t, "x", receive(t, c))

	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers("t"))
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	b := New[int](Options{})
	s := b.Subscribe("t")
	b.Close()

	_, ok := <-s.Events()
	assert.False(t, ok)

	late := b.Subscribe("t")
	_, ok = <-late.Events()
	assert.False(t, ok)
	b.Publish("t", 1)
}

func TestPipeEmitsPreludeThenFilteredEvents(t *testing.T) {
	b := New[int](Options{})
	src := b.Subscribe("n")

	last := 2
	derived := Pipe(context.Background(), src, []int{1, 2}, func(v int) (int, bool) {
		if v <= last {
			return 0, false
		}
		last = v
		return v, true
	})
	defer derived.Close()

	b.Publish("n", 2)
	b.Publish("n", 3)
	b.Publish("n", 1)
	b.Publish("n", 4)

	assert.Equal(t, 1, receive(t, derived))
	assert.Equal(t, 2, receive(t, derived))
	assert.Equal(t, 3, receive(t, derived))
	assert.Equal(t, 4, receive(t, derived))
}

func TestPipeCloseReleasesSource(t *testing.T) {
	b := New[int](Options{})
	src := b.Subscribe("n")
	derived := Pipe(context.Background(), src, nil, func(v int) (int, bool) { return v, true })

	derived.Close()
	assert.Eventually(t, func() bool { return b.Subscribers("n") == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	src2 := b.Subscribe("n")
	d2 := Pipe(ctx, src2, nil, func(v int) (int, bool) { return v, true })
	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-d2.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
