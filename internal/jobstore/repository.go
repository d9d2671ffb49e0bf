package jobstore

import (
	"context"
	"slices"
	"time"

	"github.com/example/job-dispatch/internal/models"
)

// Repository persists job records and owns the compare-and-swap primitive.
// Implementations must be safe for concurrent use and must scope contention
// to a single job.
type Repository interface {
	Insert(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, f Filter) ([]models.Job, error)
	// Apply commits c only if the stored version and status equal the expected
	// ones. It returns errs.ConflictError otherwise and errs.NotFoundError for
	// unknown ids.
	Apply(ctx context.Context, c Change) (models.Job, error)
	Ping(ctx context.Context) error
}

// Filter selects jobs. Zero values match everything.
type Filter struct {
	Statuses    []models.Status
	RequesterID string
	DriverID    string
}

func (f Filter) Match(j models.Job) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if f.RequesterID != "" && j.RequesterID != f.RequesterID {
		return false
	}
	if f.DriverID != "" && j.DriverID != f.DriverID {
		return false
	}
	return true
}

// Fields are the values a transition writes. DriverID and DriverName apply on
// claim, ProofRef on completion.
type Fields struct {
	DriverID   string
	DriverName string
	ProofRef   string
}

// Change is a validated compare-and-swap request.
type Change struct {
	JobID           string
	ExpectedVersion int64
	ExpectedStatus  models.Status
	NewStatus       models.Status
	Fields          Fields
	At              time.Time
}

// apply mutates j in place. Callers have already checked version and status.
func (c Change) apply(j *models.Job) {
	at := c.At
	j.Status = c.NewStatus
	j.Version++
	switch c.NewStatus {
	case models.StatusClaimed:
		j.DriverID = c.Fields.DriverID
		j.DriverName = c.Fields.DriverName
		j.ClaimedAt = &at
	case models.StatusCompleted:
		j.ProofRef = c.Fields.ProofRef
		j.CompletedAt = &at
	}
}
