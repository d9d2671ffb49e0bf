package jobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
)

// MemoryRepository keeps jobs in process memory. The map lock only guards
// membership; each record carries its own mutex, so transitions on distinct
// jobs never contend.
type MemoryRepository struct {
	mu    sync.RWMutex
	jobs  map[string]*record
	order []string
}

type record struct {
	mu  sync.Mutex
	job models.Job
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]*record)}
}

func (m *MemoryRepository) Insert(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	m.jobs[job.ID] = &record{job: job.Clone()}
	m.order = append(m.order, job.ID)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (models.Job, error) {
	rec, ok := m.lookup(id)
	if !ok {
		return models.Job{}, errs.NewNotFoundError("job", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]models.Job, error) {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.order))
	for _, id := range m.order {
		recs = append(recs, m.jobs[id])
	}
	m.mu.RUnlock()

	out := make([]models.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		j := rec.job.Clone()
		rec.mu.Unlock()
		if f.Match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MemoryRepository) Apply(_ context.Context, c Change) (models.Job, error) {
	rec, ok := m.lookup(c.JobID)
	if !ok {
		return models.Job{}, errs.NewNotFoundError("job", c.JobID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.Version != c.ExpectedVersion || rec.job.Status != c.ExpectedStatus {
		return models.Job{}, &errs.ConflictError{
			JobID:           c.JobID,
			ExpectedVersion: c.ExpectedVersion,
			ActualVersion:   rec.job.Version,
			ExpectedStatus:  string(c.ExpectedStatus),
			ActualStatus:    string(rec.job.Status),
		}
	}
	c.apply(&rec.job)
	return rec.job.Clone(), nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) lookup(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	return rec, ok
}
