// Package reconcile periodically verifies the live dashboard counters against
// a full scan of the job store. It only reports; it never mutates jobs or
// counters.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
	"github.com/example/job-dispatch/internal/stats"
)

const DefaultSchedule = "@every 1m"

type JobLister interface {
	List(ctx context.Context, f jobstore.Filter) ([]models.Job, error)
}

type Snapshotter interface {
	Snapshot() models.StatsSnapshot
}

// Report is the outcome of one verification.
type Report struct {
	Live     models.StatsSnapshot
	Scanned  models.StatsSnapshot
	Drifted  bool
	Duration time.Duration
}

// StatsJob compares Snapshotter with a recomputation on a cron schedule. A
// mismatch is re-checked once after Settle, since transitions in flight make
// the two sides briefly disagree.
type StatsJob struct {
	jobs     JobLister
	live     Snapshotter
	schedule string
	settle   time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewStatsJob(jobs JobLister, live Snapshotter, schedule string, logger *slog.Logger) *StatsJob {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &StatsJob{
		jobs:     jobs,
		live:     live,
		schedule: schedule,
		settle:   500 * time.Millisecond,
		cron:     cron.New(),
		logger:   logger.With("component", "stats_reconcile_job"),
	}
}

// Start schedules the verification. It fails on an invalid schedule.
func (j *StatsJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := j.Check(ctx); err != nil {
			j.logger.ErrorContext(ctx, "stats reconciliation failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("stats reconciliation scheduled", "schedule", j.schedule)
	return nil
}

// Stop halts scheduling and waits for a running check to finish.
func (j *StatsJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("stats reconciliation stopped")
}

// Check runs one verification.
func (j *StatsJob) Check(ctx context.Context) (Report, error) {
	start := time.Now()
	rep, err := j.compare(ctx)
	if err != nil {
		return Report{}, err
	}
	if rep.Drifted && j.settle > 0 {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case <-time.After(j.settle):
		}
		if rep, err = j.compare(ctx); err != nil {
			return Report{}, err
		}
	}
	rep.Duration = time.Since(start)

	if rep.Drifted {
		observability.StatsDriftTotal.Inc()
		j.logger.WarnContext(ctx, "live stats drifted from full scan",
			"live_active", rep.Live.ActiveOrders, "scan_active", rep.Scanned.ActiveOrders,
			"live_revenue", rep.Live.CumulativeRevenue.String(), "scan_revenue", rep.Scanned.CumulativeRevenue.String())
	} else {
		j.logger.DebugContext(ctx, "live stats match full scan", "active", rep.Live.ActiveOrders, "duration", rep.Duration)
	}
	return rep, nil
}

func (j *StatsJob) compare(ctx context.Context) (Report, error) {
	all, err := j.jobs.List(ctx, jobstore.Filter{})
	if err != nil {
		return Report{}, err
	}
	rep := Report{Live: j.live.Snapshot(), Scanned: stats.Recompute(all)}
	rep.Drifted = rep.Live != rep.Scanned
	return rep, nil
}
