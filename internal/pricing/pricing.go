// Package pricing quotes a delivery price from the length of the route.
// With a router configured the road distance is used; otherwise, or when
// the router fails, the straight-line distance is inflated by RouteFactor to
// approximate it. Routes whose stops are not all geocoded are priced by stop
// count instead.
package pricing

import (
	"context"
	"log/slog"
	"math"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/routing"
)

const (
	SourceRoad     = "road"
	SourceEstimate = "estimate"
	SourceStops    = "stops"
)

// Config holds the tariff. PerStop, PerExtraStop and TaxRate only apply to
// stop-count quotes: BaseFare + (n-1)*PerExtraStop + n*PerStop, plus tax.
type Config struct {
	BaseFare     models.Money
	PerKm        models.Money
	RouteFactor  float64
	PerStop      models.Money
	PerExtraStop models.Money
	TaxRate      float64
}

func DefaultConfig() Config {
	return Config{
		BaseFare:     models.Cents(750),
		PerKm:        models.Cents(150),
		RouteFactor:  1.3,
		PerStop:      models.Cents(500),
		PerExtraStop: models.Cents(350),
		TaxRate:      0.13,
	}
}

// Quote is a priced route. DurationMin is only known for road distances.
type Quote struct {
	DistanceKm  float64      `json:"distance_km"`
	DurationMin float64      `json:"duration_min,omitempty"`
	Source      string       `json:"source"`
	Price       models.Money `json:"price"`
}

type Quoter struct {
	cfg    Config
	router routing.Router
	logger *slog.Logger
}

type Option func(*Quoter)

// WithRouter measures legs on the road network, falling back to the
// straight-line estimate when a lookup fails.
func WithRouter(r routing.Router, logger *slog.Logger) Option {
	return func(q *Quoter) {
		q.router = r
		if logger != nil {
			q.logger = logger.With("component", "pricing")
		}
	}
}

func NewQuoter(cfg Config, opts ...Option) *Quoter {
	if cfg.RouteFactor <= 0 {
		cfg.RouteFactor = 1
	}
	q := &Quoter{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Quote prices a route through stops in order. When every stop has a
// location and there are at least two, the price follows the distance;
// otherwise it follows the number of stops.
func (q *Quoter) Quote(ctx context.Context, stops []models.Stop) (Quote, error) {
	if len(stops) == 0 {
		return Quote{}, errs.NewValidationError("stops", "need at least one stop to quote")
	}
	located := len(stops) >= 2
	for _, st := range stops {
		if st.Location == nil {
			located = false
			continue
		}
		if !geo.ValidCoord(st.Location.Lat, st.Location.Lng) {
			return Quote{}, errs.NewValidationError("stops.location", "is out of range")
		}
	}
	if !located {
		return Quote{Source: SourceStops, Price: q.stopsPrice(len(stops))}, nil
	}

	if q.router != nil {
		out, err := q.roadQuote(ctx, stops)
		if err == nil {
			return out, nil
		}
		q.logger.WarnContext(ctx, "road distance lookup failed, using estimate", "err", err)
	}

	var meters float64
	for i := 1; i < len(stops); i++ {
		prev, cur := stops[i-1].Location, stops[i].Location
		meters += geo.Haversine(prev.Lat, prev.Lng, cur.Lat, cur.Lng)
	}
	km := meters / 1000 * q.cfg.RouteFactor
	return Quote{DistanceKm: round1(km), Source: SourceEstimate, Price: q.price(km)}, nil
}

func (q *Quoter) roadQuote(ctx context.Context, stops []models.Stop) (Quote, error) {
	var meters, seconds float64
	for i := 1; i < len(stops); i++ {
		leg, err := q.router.Route(ctx, *stops[i-1].Location, *stops[i].Location)
		if err != nil {
			return Quote{}, err
		}
		meters += leg.DistanceM
		seconds += leg.DurationS
	}
	km := meters / 1000
	return Quote{DistanceKm: round1(km), DurationMin: round1(seconds / 60), Source: SourceRoad, Price: q.price(km)}, nil
}

func (q *Quoter) price(km float64) models.Money {
	return q.cfg.BaseFare + models.Cents(int64(math.Round(km*float64(q.cfg.PerKm.Cents()))))
}

// stopsPrice taxes in whole basis points so half cents round up exactly.
func (q *Quoter) stopsPrice(n int) models.Money {
	sub := (q.cfg.BaseFare + models.Money(n-1)*q.cfg.PerExtraStop + models.Money(n)*q.cfg.PerStop).Cents()
	bps := int64(math.Round(q.cfg.TaxRate * 10000))
	return models.Cents(sub + (sub*bps+5000)/10000)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
