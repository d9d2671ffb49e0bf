// Package stats maintains the operator dashboard counters incrementally from
// job events.
//
// Each job carries three flags so that replayed, duplicated or reordered
// events never count twice:
//
//	counted  the job was added to activeOrders (first sighting while searching or claimed)
//	revenue  the job's price was added (first sighting while claimed or completed)
//	done     the job left activeOrders (first sighting while completed)
//
// A job first seen already completed never enters activeOrders, but its
// revenue is still counted once.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

// Source is the job event stream the aggregator follows.
type Source interface {
	Subscribe(ctx context.Context, f jobstore.Filter) (*eventbus.Subscription[models.JobEvent], error)
}

type Aggregator struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*flags
	active  int64
	revenue models.Money
}

type flags struct {
	counted bool
	revenue bool
	done    bool
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger.With("component", "stats"),
		jobs:   make(map[string]*flags),
	}
}

// Apply folds one sighting of a job into the counters.
func (a *Aggregator) Apply(j models.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.jobs[j.ID]
	if !ok {
		f = &flags{}
		a.jobs[j.ID] = f
	}
	if j.Active() && !f.counted && !f.done {
		f.counted = true
		a.active++
	}
	if j.Status.AtLeast(models.StatusClaimed) && !f.revenue {
		f.revenue = true
		a.revenue += j.Price
	}
	if j.Status == models.StatusCompleted && !f.done {
		f.done = true
		if f.counted {
			a.active--
		}
	}
	observability.StatsActiveOrders.Set(float64(a.active))
	observability.StatsCumulativeRevenue.Set(float64(a.revenue.Cents()) / 100)
}

func (a *Aggregator) Snapshot() models.StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.StatsSnapshot{ActiveOrders: a.active, CumulativeRevenue: a.revenue}
}

// Run follows every job until ctx is done. A dropped subscription is
// reopened; the fresh snapshot it replays is absorbed by the per-job flags.
func (a *Aggregator) Run(ctx context.Context, src Source) error {
	backoff := 100 * time.Millisecond
	for {
		sub, err := src.Subscribe(ctx, jobstore.Filter{})
		if err != nil {
			a.logger.WarnContext(ctx, "subscribe to jobs failed", "err", err, "retry_in", backoff)
		} else {
			for ev := range sub.Events() {
				a.Apply(ev.Job)
			}
			sub.Close()
			if ctx.Err() == nil {
				a.logger.WarnContext(ctx, "job stream ended, resubscribing")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil && backoff < 5*time.Second {
			backoff *= 2
		} else if err == nil {
			backoff = 100 * time.Millisecond
		}
	}
}

// Recompute derives the counters from a full scan of jobs.
func Recompute(jobs []models.Job) models.StatsSnapshot {
	var s models.StatsSnapshot
	for _, j := range jobs {
		if j.Active() {
			s.ActiveOrders++
		}
		if j.Status.AtLeast(models.StatusClaimed) {
			s.CumulativeRevenue += j.Price
		}
	}
	return s
}
