package jobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *eventbus.Bus[models.JobEvent]) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New[models.JobEvent](eventbus.Options{Logger: logger})
	t.Cleanup(bus.Close)
	var n atomic.Int64
	s := New(NewMemoryRepository(), bus, logger,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("job-%d", n.Add(1)) }),
	)
	return s, bus
}

func oneStop() []models.Stop {
	return []models.Stop{{Address: "1 Main St", Location: &models.Coord{Lat: 40.7, Lng: -74}}}
}

func nextEvent(t *testing.T, sub *eventbus.Subscription[models.JobEvent]) models.JobEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job event")
	}
	return models.JobEvent{}
}

func TestCreateStartsSearchingAtVersionOne(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, "dealer-1", oneStop(), models.Cents(1855))
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.StatusSearching, job.Status)
	assert.Equal(t, int64(1), job.Version)
	assert.Empty(t, job.DriverID)
	assert.Equal(t, fixedNow, job.CreatedAt)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		requester string
		stops     []models.Stop
		price     models.Money
		field     string
	}{
		{"empty requester", "", oneStop(), 100, "requester_id"},
		{"no stops", "d", nil, 100, "stops"},
		{"blank address", "d", []models.Stop{{Address: " "}}, 100, "stops.address"},
		{"bad latitude", "d", []models.Stop{{Address: "x", Location: &models.Coord{Lat: 91}}}, 100, "stops.location"},
		{"zero price", "d", oneStop(), 0, "price"},
		{"negative price", "d", oneStop(), -5, "price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Create(ctx, tc.requester, tc.stops, tc.price)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}

	jobs, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGetUnknownJob(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTransitionLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job, err := s.Create(ctx, "dealer-1", oneStop(), models.Cents(1855))
	require.NoError(t, err)

	claimed, err := s.Transition(ctx, TransitionRequest{
		JobID: job.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
		Fields: Fields{DriverID: "drv-a", DriverName: "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimed, claimed.Status)
	assert.Equal(t, int64(2), claimed.Version)
	assert.Equal(t, "drv-a", claimed.DriverID)
	require.NotNil(t, claimed.ClaimedAt)

	done, err := s.Transition(ctx, TransitionRequest{
		JobID: job.ID, ExpectedVersion: 2, ExpectedStatus: models.StatusClaimed, NewStatus: models.StatusCompleted,
		Fields: Fields{ProofRef: "photo-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, int64(3), done.Version)
	assert.Equal(t, "drv-a", done.DriverID)
	assert.Equal(t, "photo-1", done.ProofRef)
	assert.Equal(t, models.Cents(1855), done.Price)
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)

	moves := [][2]models.Status{
		{models.StatusSearching, models.StatusCompleted},
		{models.StatusClaimed, models.StatusSearching},
		{models.StatusCompleted, models.StatusClaimed},
		{models.StatusSearching, models.StatusSearching},
	}
	for _, mv := range moves {
		_, err := s.Transition(ctx, TransitionRequest{
			JobID: job.ID, ExpectedVersion: 1, ExpectedStatus: mv[0], NewStatus: mv[1], Fields: Fields{DriverID: "d"},
		})
		assert.ErrorIs(t, err, errs.ErrInvalidTransition, "%s -> %s", mv[0], mv[1])
	}

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestTransitionConflictReportsStoredState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)

	req := TransitionRequest{
		JobID: job.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
		Fields: Fields{DriverID: "a"},
	}
	_, err = s.Transition(ctx, req)
	require.NoError(t, err)

	req.Fields.DriverID = "b"
	_, err = s.Transition(ctx, req)
	var ce *errs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.ActualVersion)
	assert.Equal(t, "claimed", ce.ActualStatus)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.DriverID)
}

func TestClaimRequiresDriver(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)

	_, err = s.Transition(ctx, TransitionRequest{
		JobID: job.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)

	const n = 64
	var (
		wg        sync.WaitGroup
		winners   atomic.Int64
		conflicts atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.Transition(ctx, TransitionRequest{
				JobID: job.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
				Fields: Fields{DriverID: fmt.Sprintf("drv-%d", i)},
			})
			if err == nil {
				winners.Add(1)
			} else if assert.ErrorIs(t, err, errs.ErrConflict) {
				conflicts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load())
	assert.Equal(t, int64(n-1), conflicts.Load())
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestListFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)
	_, err = s.Create(ctx, "dealer-2", oneStop(), 200)
	require.NoError(t, err)
	_, err = s.Transition(ctx, TransitionRequest{
		JobID: a.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
		Fields: Fields{DriverID: "drv"},
	})
	require.NoError(t, err)

	searching, err := s.List(ctx, Filter{Statuses: []models.Status{models.StatusSearching}})
	require.NoError(t, err)
	require.Len(t, searching, 1)
	assert.Equal(t, "dealer-2", searching[0].RequesterID)

	mine, err := s.List(ctx, Filter{DriverID: "drv"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReturnedJobsDoNotAliasStoredState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)

	job.Stops[0].Address = "mutated"
	job.Stops[0].Location.Lat = 0

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", got.Stops[0].Address)
	assert.Equal(t, 40.7, got.Stops[0].Location.Lat)
}

func TestSubscribeSnapshotThenLiveChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	existing, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, Filter{Statuses: []models.Status{models.StatusSearching}})
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, models.JobSnapshot, ev.Type)
	assert.Equal(t, existing.ID, ev.Job.ID)

	fresh, err := s.Create(ctx, "dealer-2", oneStop(), 200)
	require.NoError(t, err)
	ev = nextEvent(t, sub)
	assert.Equal(t, models.JobCreated, ev.Type)
	assert.Equal(t, fresh.ID, ev.Job.ID)

	_, err = s.Transition(ctx, TransitionRequest{
		JobID: existing.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
		Fields: Fields{DriverID: "drv"},
	})
	require.NoError(t, err)
	ev = nextEvent(t, sub)
	assert.Equal(t, models.JobTransitioned, ev.Type)
	assert.Equal(t, existing.ID, ev.Job.ID)
	assert.Equal(t, models.StatusClaimed, ev.Job.Status)
	assert.Equal(t, models.StatusSearching, ev.From)
}

func TestSubscribeDropsStaleVersions(t *testing.T) {
	s, bus := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := s.Create(ctx, "dealer-1", oneStop(), 100)
	require.NoError(t, err)
	sub, err := s.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, int64(1), nextEvent(t, sub).Job.Version)

	// A late duplicate of the creation must not reach the subscriber.
	bus.Publish(Topic, models.JobEvent{Type: models.JobCreated, Job: job})

	_, err = s.Transition(ctx, TransitionRequest{
		JobID: job.ID, ExpectedVersion: 1, ExpectedStatus: models.StatusSearching, NewStatus: models.StatusClaimed,
		Fields: Fields{DriverID: "drv"},
	})
	require.NoError(t, err)
	ev := nextEvent(t, sub)
	assert.Equal(t, int64(2), ev.Job.Version)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s, bus := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return bus.Subscribers(Topic) == 0 }, time.Second, 5*time.Millisecond)
}
