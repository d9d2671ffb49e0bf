// Package chat relays messages between the driver and the requester of a job.
//
// Each job has an append-only log in a Repository, which assigns sequence
// numbers starting at 1. The relay appends and publishes under a per-job lock,
// so every subscriber in this process observes messages in sequence order.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

const maxTextLen = 4000

// Topic returns the bus topic carrying messages of jobID.
func Topic(jobID string) string { return "chat." + jobID }

// JobLookup tells the relay whether a job exists.
type JobLookup interface {
	Get(ctx context.Context, id string) (models.Job, error)
}

type Relay struct {
	jobs   JobLookup
	repo   Repository
	bus    *eventbus.Bus[models.Message]
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRelay(jobs JobLookup, repo Repository, bus *eventbus.Bus[models.Message], logger *slog.Logger) *Relay {
	return &Relay{
		jobs:   jobs,
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "chat"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Send appends a message to the job's log and publishes it.
func (r *Relay) Send(ctx context.Context, jobID, senderID string, role models.Role, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return models.Message{}, errs.NewValidationError("text", "must not be empty")
	case len(text) > maxTextLen:
		return models.Message{}, errs.NewValidationError("text", "is too long")
	case strings.TrimSpace(senderID) == "":
		return models.Message{}, errs.NewValidationError("sender_id", "must not be empty")
	case !role.Valid():
		return models.Message{}, errs.NewValidationError("sender_role", "must be driver, dealer or operator")
	}
	if err := r.checkJob(ctx, jobID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return models.Message{}, errs.NewValidationError("job_id", "refers to an unknown job")
		}
		return models.Message{}, err
	}

	l := r.lock(jobID)
	l.Lock()
	defer l.Unlock()
	msg, err := r.repo.Append(ctx, models.Message{
		ID:         uuid.NewString(),
		JobID:      jobID,
		SenderID:   senderID,
		SenderRole: role,
		Text:       text,
		SentAt:     r.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return models.Message{}, err
	}
	r.bus.Publish(Topic(jobID), msg)
	observability.ChatMessagesTotal.Inc()
	r.logger.DebugContext(ctx, "message sent", "job_id", jobID, "sender_id", senderID, "seq", msg.Seq)
	return msg, nil
}

// History returns the job's messages in sequence order.
func (r *Relay) History(ctx context.Context, jobID string) ([]models.Message, error) {
	if err := r.checkJob(ctx, jobID); err != nil {
		return nil, err
	}
	return r.repo.List(ctx, jobID)
}

// Subscribe replays the job's history and then streams new messages. Live
// messages already covered by the replay are dropped.
func (r *Relay) Subscribe(ctx context.Context, jobID string) (*eventbus.Subscription[models.Message], error) {
	if err := r.checkJob(ctx, jobID); err != nil {
		return nil, err
	}
	src := r.bus.Subscribe(Topic(jobID))
	history, err := r.repo.List(ctx, jobID)
	if err != nil {
		src.Close()
		return nil, err
	}

	var last uint64
	if n := len(history); n > 0 {
		last = history[n-1].Seq
	}
	return eventbus.Pipe(ctx, src, history, func(m models.Message) (models.Message, bool) {
		if m.Seq <= last {
			return m, false
		}
		last = m.Seq
		return m, true
	}), nil
}

func (r *Relay) checkJob(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errs.NewValidationError("job_id", "must not be empty")
	}
	if _, err := r.jobs.Get(ctx, jobID); err != nil {
		return err
	}
	return nil
}

func (r *Relay) lock(jobID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[jobID] = l
	}
	return l
}
