// Package jobstore is the authoritative record of job lifecycle state.
//
// Store validates requests, delegates persistence and the compare-and-swap to
// a Repository and publishes a JobEvent on the "jobs" topic after every
// committed change. Publishing happens after the commit and never blocks it.
package jobstore

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

// Topic carries every JobEvent.
const Topic = "jobs"

type Store struct {
	repo   Repository
	bus    *eventbus.Bus[models.JobEvent]
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

func New(repo Repository, bus *eventbus.Bus[models.JobEvent], logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "jobstore"),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create records a new searching job and announces it.
func (s *Store) Create(ctx context.Context, requesterID string, stops []models.Stop, price models.Money) (models.Job, error) {
	if err := validateCreate(requesterID, stops, price); err != nil {
		return models.Job{}, err
	}
	job := models.Job{
		ID:          s.newID(),
		RequesterID: requesterID,
		Stops:       stops,
		Price:       price,
		Status:      models.StatusSearching,
		CreatedAt:   s.now().UTC(),
		Version:     1,
	}
	job = job.Clone()
	if err := s.repo.Insert(ctx, job); err != nil {
		return models.Job{}, err
	}
	observability.JobsCreatedTotal.Inc()
	s.logger.InfoContext(ctx, "job created", "job_id", job.ID, "requester_id", requesterID, "stops", len(stops), "price", job.Price.String())
	s.bus.Publish(Topic, models.JobEvent{Type: models.JobCreated, Job: job.Clone()})
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	if strings.TrimSpace(id) == "" {
		return models.Job{}, errs.NewValidationError("job_id", "must not be empty")
	}
	return s.repo.Get(ctx, id)
}

func (s *Store) List(ctx context.Context, f Filter) ([]models.Job, error) {
	return s.repo.List(ctx, f)
}

func (s *Store) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// TransitionRequest asks for an atomic move from ExpectedStatus at
// ExpectedVersion to NewStatus.
type TransitionRequest struct {
	JobID           string
	ExpectedVersion int64
	ExpectedStatus  models.Status
	NewStatus       models.Status
	Fields          Fields
}

// Transition is the compare-and-swap every lifecycle change goes through.
// It fails with errs.InvalidTransitionError when NewStatus is not the legal
// successor of ExpectedStatus and with errs.ConflictError when the stored
// version or status differs from the expected one.
func (s *Store) Transition(ctx context.Context, req TransitionRequest) (models.Job, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return models.Job{}, errs.NewValidationError("job_id", "must not be empty")
	}
	if !req.ExpectedStatus.CanTransitionTo(req.NewStatus) {
		return models.Job{}, errs.NewInvalidTransitionError(string(req.ExpectedStatus), string(req.NewStatus))
	}
	if req.NewStatus == models.StatusClaimed && strings.TrimSpace(req.Fields.DriverID) == "" {
		return models.Job{}, errs.NewValidationError("driver_id", "is required to claim a job")
	}

	start := time.Now()
	job, err := s.repo.Apply(ctx, Change{
		JobID:           req.JobID,
		ExpectedVersion: req.ExpectedVersion,
		ExpectedStatus:  req.ExpectedStatus,
		NewStatus:       req.NewStatus,
		Fields:          req.Fields,
		At:              s.now().UTC(),
	})
	observability.TransitionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.Job{}, err
	}

	s.logger.InfoContext(ctx, "job transitioned",
		"job_id", job.ID, "from", req.ExpectedStatus, "to", job.Status, "version", job.Version, "driver_id", job.DriverID)
	s.bus.Publish(Topic, models.JobEvent{Type: models.JobTransitioned, Job: job.Clone(), From: req.ExpectedStatus})
	return job, nil
}

// Subscribe streams the jobs currently matching f as snapshot events, then
// every later change. A job that has been emitted keeps being followed even
// after it stops matching f, so a "searching" feed sees the job get claimed.
// Versions of a job are strictly increasing on the stream; replays and
// reordered duplicates are dropped. Subscribing again restarts from a fresh
// snapshot.
func (s *Store) Subscribe(ctx context.Context, f Filter) (*eventbus.Subscription[models.JobEvent], error) {
	src := s.bus.Subscribe(Topic)
	jobs, err := s.repo.List(ctx, f)
	if err != nil {
		src.Close()
		return nil, err
	}

	seen := make(map[string]int64, len(jobs))
	prelude := make([]models.JobEvent, 0, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = j.Version
		prelude = append(prelude, models.JobEvent{Type: models.JobSnapshot, Job: j})
	}

	return eventbus.Pipe(ctx, src, prelude, func(ev models.JobEvent) (models.JobEvent, bool) {
		last, followed := seen[ev.Job.ID]
		if followed {
			if ev.Job.Version <= last {
				return ev, false
			}
		} else if !f.Match(ev.Job) {
			return ev, false
		}
		seen[ev.Job.ID] = ev.Job.Version
		return ev, true
	}), nil
}

func validateCreate(requesterID string, stops []models.Stop, price models.Money) error {
	if strings.TrimSpace(requesterID) == "" {
		return errs.NewValidationError("requester_id", "must not be empty")
	}
	if len(stops) == 0 {
		return errs.NewValidationError("stops", "must contain at least one stop")
	}
	for _, st := range stops {
		if strings.TrimSpace(st.Address) == "" {
			return errs.NewValidationError("stops.address", "must not be empty")
		}
		if st.Location != nil && !geo.ValidCoord(st.Location.Lat, st.Location.Lng) {
			return errs.NewValidationError("stops.location", "is out of range")
		}
	}
	if price <= 0 {
		return errs.NewValidationError("price", "must be greater than 0")
	}
	return nil
}
