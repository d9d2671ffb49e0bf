// Package claim arbitrates drivers competing for the same job.
//
// Every decision is a single compare-and-swap on the job version. Losing the
// race is a normal outcome reported as a rejected Result, not an error, and the
// coordinator never retries on a caller's behalf: a retried claim after a
// conflict could hand the job to a second winner for the same attempt.
package claim

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/example/job-dispatch/internal/drivers"
	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

const (
	ReasonAlreadyClaimed   = "already_claimed"
	ReasonAlreadyCompleted = "already_completed"
)

// Result is the outcome of a claim or completion attempt. Job is the stored
// state after the attempt when it could be read.
type Result struct {
	Accepted bool       `json:"accepted"`
	Reason   string     `json:"reason,omitempty"`
	Job      models.Job `json:"job"`
}

// Jobs is the part of the job store the coordinator drives.
type Jobs interface {
	Get(ctx context.Context, id string) (models.Job, error)
	Transition(ctx context.Context, req jobstore.TransitionRequest) (models.Job, error)
}

type Coordinator struct {
	jobs            Jobs
	directory       drivers.Directory
	requireApproval bool
	logger          *slog.Logger
}

type Option func(*Coordinator)

// WithApproval makes Claim refuse drivers the directory does not list as
// approved.
func WithApproval(dir drivers.Directory) Option {
	return func(c *Coordinator) {
		c.directory = dir
		c.requireApproval = dir != nil
	}
}

func New(jobs Jobs, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{jobs: jobs, logger: logger.With("component", "claim")}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Claim attempts to assign jobID to driverID. Exactly one of any number of
// concurrent callers on a searching job is accepted; every other caller gets
// Reason "already_claimed".
func (c *Coordinator) Claim(ctx context.Context, jobID, driverID, driverName string) (Result, error) {
	if strings.TrimSpace(jobID) == "" {
		return Result{}, errs.NewValidationError("job_id", "must not be empty")
	}
	if strings.TrimSpace(driverID) == "" {
		return Result{}, errs.NewValidationError("driver_id", "must not be empty")
	}
	if err := c.checkApproved(ctx, driverID); err != nil {
		observability.ClaimsTotal.WithLabelValues("forbidden").Inc()
		return Result{}, err
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		observability.ClaimsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if job.Status != models.StatusSearching {
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		return Result{Reason: ReasonAlreadyClaimed, Job: job}, nil
	}

	claimed, err := c.jobs.Transition(ctx, jobstore.TransitionRequest{
		JobID:           jobID,
		ExpectedVersion: job.Version,
		ExpectedStatus:  models.StatusSearching,
		NewStatus:       models.StatusClaimed,
		Fields:          jobstore.Fields{DriverID: driverID, DriverName: driverName},
	})
	if errors.Is(err, errs.ErrConflict) {
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		c.logger.InfoContext(ctx, "claim lost race", "job_id", jobID, "driver_id", driverID)
		return Result{Reason: ReasonAlreadyClaimed, Job: c.current(ctx, jobID, job)}, nil
	}
	if err != nil {
		observability.ClaimsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	observability.ClaimsTotal.WithLabelValues("accepted").Inc()
	return Result{Accepted: true, Job: claimed}, nil
}

// Complete moves a claimed job to completed. Only the driver that claimed the
// job may complete it.
func (c *Coordinator) Complete(ctx context.Context, jobID, driverID, proofRef string) (Result, error) {
	if strings.TrimSpace(jobID) == "" {
		return Result{}, errs.NewValidationError("job_id", "must not be empty")
	}
	if strings.TrimSpace(driverID) == "" {
		return Result{}, errs.NewValidationError("driver_id", "must not be empty")
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		observability.CompletionsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if job.DriverID != "" && job.DriverID != driverID {
		observability.CompletionsTotal.WithLabelValues("forbidden").Inc()
		return Result{}, errs.NewPermissionError(driverID, "complete job "+jobID, "claimed by another driver")
	}
	if job.Status != models.StatusClaimed {
		observability.CompletionsTotal.WithLabelValues("invalid").Inc()
		return Result{}, errs.NewInvalidTransitionError(string(job.Status), string(models.StatusCompleted))
	}

	done, err := c.jobs.Transition(ctx, jobstore.TransitionRequest{
		JobID:           jobID,
		ExpectedVersion: job.Version,
		ExpectedStatus:  models.StatusClaimed,
		NewStatus:       models.StatusCompleted,
		Fields:          jobstore.Fields{ProofRef: proofRef},
	})
	if errors.Is(err, errs.ErrConflict) {
		observability.CompletionsTotal.WithLabelValues("rejected").Inc()
		return Result{Reason: ReasonAlreadyCompleted, Job: c.current(ctx, jobID, job)}, nil
	}
	if err != nil {
		observability.CompletionsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	observability.CompletionsTotal.WithLabelValues("accepted").Inc()
	return Result{Accepted: true, Job: done}, nil
}

func (c *Coordinator) checkApproved(ctx context.Context, driverID string) error {
	if !c.requireApproval {
		return nil
	}
	drv, err := c.directory.Get(ctx, driverID)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.NewPermissionError(driverID, "claim jobs", "driver is not registered")
	}
	if err != nil {
		return err
	}
	if drv.Approval != models.ApprovalActive {
		return errs.NewPermissionError(driverID, "claim jobs", "driver is "+string(drv.Approval))
	}
	return nil
}

// current re-reads a job after a lost race, falling back to what was seen
// before the attempt.
func (c *Coordinator) current(ctx context.Context, jobID string, fallback models.Job) models.Job {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		c.logger.WarnContext(ctx, "reload job after conflict failed", "job_id", jobID, "err", err)
		return fallback
	}
	return job
}
