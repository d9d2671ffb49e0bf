// Package matcher ranks nearby drivers for a job by estimated time to the
// pickup. It only suggests; drivers still claim jobs themselves.
package matcher

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/routing"
)

const (
	DefaultSpeedMps = 8.0 // ~28.8 km/h city speed
	DefaultRadiusM  = 5000
	DefaultTopN     = 10
)

type Nearby interface {
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]geo.NearbyDriver, error)
}

// Candidate is a driver with an estimated arrival at the job's pickup.
type Candidate struct {
	DriverID  string  `json:"driver_id"`
	DistanceM float64 `json:"distance_m"`
	ETASec    float64 `json:"eta_sec"`
	Routed    bool    `json:"routed"`
}

type Service struct {
	nearby   Nearby
	router   routing.Router
	speedMps float64
	logger   *slog.Logger
}

type Option func(*Service)

// WithRouter uses road travel times, falling back to the straight-line
// estimate per driver when a lookup fails.
func WithRouter(r routing.Router) Option {
	return func(s *Service) { s.router = r }
}

func WithSpeed(mps float64) Option {
	return func(s *Service) {
		if mps > 0 {
			s.speedMps = mps
		}
	}
}

func New(nearby Nearby, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{nearby: nearby, speedMps: DefaultSpeedMps, logger: logger.With("component", "matcher")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Candidates lists up to topN drivers within radiusM of the job's first stop,
// soonest arrival first. Only searching jobs with a located pickup qualify.
func (s *Service) Candidates(ctx context.Context, job models.Job, radiusM float64, topN int) ([]Candidate, error) {
	if job.Status != models.StatusSearching {
		return nil, errs.NewValidationError("job_id", "job is "+string(job.Status)+", not searching")
	}
	if len(job.Stops) == 0 || job.Stops[0].Location == nil {
		return nil, errs.NewValidationError("stops.location", "pickup has no location")
	}
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	pickup := *job.Stops[0].Location

	near, err := s.nearby.Nearby(ctx, pickup.Lat, pickup.Lng, radiusM, topN)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(near))
	for _, d := range near {
		c := Candidate{DriverID: d.Location.DriverID, DistanceM: d.DistanceM, ETASec: d.DistanceM / s.speedMps}
		if s.router != nil {
			leg, err := s.router.Route(ctx, d.Location.Coord(), pickup)
			if err == nil {
				c.ETASec, c.Routed = leg.DurationS, true
			} else {
				s.logger.DebugContext(ctx, "route lookup failed, using estimate", "driver_id", d.Location.DriverID, "err", err)
			}
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ETASec != out[j].ETASec {
			return out[i].ETASec < out[j].ETASec
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}
