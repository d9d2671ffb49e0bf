package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/models"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSink fails the first failures calls with err.
type fakeSink struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	applied  []geo.Heartbeat
}

func (f *fakeSink) ReportHeartbeat(_ context.Context, hb geo.Heartbeat) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return false, f.err
	}
	f.applied = append(f.applied, hb)
	return true, nil
}

func (f *fakeSink) snapshot() (int, []geo.Heartbeat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]geo.Heartbeat(nil), f.applied...)
}

var sampleHB = geo.Heartbeat{DriverID: "d1", Lat: 1, Lng: 2, Timestamp: time.Unix(1700000000, 0).UTC()}

func TestApplyWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	f := &fakeSink{failures: 2, err: errs.NewTransientError("redis", errors.New("conn reset"))}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, sampleHB, 3, 10*time.Millisecond))
	calls, applied := f.snapshot()
	assert.Equal(t, 3, calls)
	assert.Len(t, applied, 1)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "expected doubling backoff")
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeSink{failures: 5, err: errs.NewTransientError("redis", nil)}
	err := applyWithRetry(context.Background(), f, sampleHB, 3, 5*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrTransient)
	calls, _ := f.snapshot()
	assert.Equal(t, 3, calls)
}

func TestApplyWithRetryDoesNotRetryValidation(t *testing.T) {
	f := &fakeSink{failures: 5, err: errs.NewValidationError("position", "is out of range")}
	err := applyWithRetry(context.Background(), f, sampleHB, 3, 5*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrValidation)
	calls, _ := f.snapshot()
	assert.Equal(t, 1, calls)
}

// chanReader serves queued messages, then blocks until ctx is done.
type chanReader struct {
	msgs chan kafka.Message
	errs chan error
}

func (r *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case err := <-r.errs:
		return kafka.Message{}, err
	default:
	}
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) Close() error { return nil }

func TestConsumerAppliesValidMessagesAndSkipsGarbage(t *testing.T) {
	r := &chanReader{msgs: make(chan kafka.Message, 4), errs: make(chan error, 1)}
	b, err := json.Marshal(sampleHB)
	require.NoError(t, err)
	r.msgs <- kafka.Message{Value: []byte("{not json")}
	r.msgs <- kafka.Message{Key: []byte("d1"), Value: b}

	sink := &fakeSink{}
	c := NewHeartbeatConsumer(r, sink, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, applied := sink.snapshot()
		return len(applied) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, applied := sink.snapshot()
	assert.Equal(t, sampleHB, applied[0])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestHeartbeatProducerKeysByDriver(t *testing.T) {
	w := &recordingWriter{}
	p := NewHeartbeatProducer(w)
	require.NoError(t, p.Publish(context.Background(), sampleHB))

	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "d1", string(msgs[0].Key))
	var got geo.Heartbeat
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, sampleHB, got)

	w.fail = true
	assert.ErrorIs(t, p.Publish(context.Background(), sampleHB), errs.ErrTransient)
}

func TestEventForwarderMirrorsJobEvents(t *testing.T) {
	bus := eventbus.New[models.JobEvent](eventbus.Options{Logger: discard()})
	defer bus.Close()
	store := jobstore.New(jobstore.NewMemoryRepository(), bus, discard())
	w := &recordingWriter{}
	fwd := NewEventForwarder(w, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fwd.Run(ctx, store) }()
	require.Eventually(t, func() bool { return bus.Subscribers(jobstore.Topic) == 1 }, 2*time.Second, 5*time.Millisecond)

	job, err := store.Create(ctx, "dealer", []models.Stop{{Address: "x"}}, 100)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(w.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := w.messages()[0]
	assert.Equal(t, job.ID, string(msg.Key))
	var ev models.JobEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, models.JobCreated, ev.Type)
	assert.Equal(t, int64(1), ev.Job.Version)
}
