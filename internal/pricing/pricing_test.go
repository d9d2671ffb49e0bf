package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/routing"
)

func at(lat, lng float64) models.Stop {
	return models.Stop{Address: "x", Location: &models.Coord{Lat: lat, Lng: lng}}
}

var ctx = context.Background()

func TestQuoteSameSpotIsBaseFare(t *testing.T) {
	q := NewQuoter(DefaultConfig())
	got, err := q.Quote(ctx, []models.Stop{at(40, -74), at(40, -74)})
	require.NoError(t, err)
	assert.Equal(t, "7.50", got.Price.String())
	assert.Equal(t, 0.0, got.DistanceKm)
	assert.Equal(t, SourceEstimate, got.Source)
}

func TestQuoteOneDegreeOfLatitude(t *testing.T) {
	q := NewQuoter(DefaultConfig())
	// 111.195 km * 1.3 = 144.553 km; 144.553 * 1.50 = 216.83 + 7.50
	got, err := q.Quote(ctx, []models.Stop{at(0, 0), at(1, 0)})
	require.NoError(t, err)
	assert.Equal(t, 144.6, got.DistanceKm)
	assert.Equal(t, "224.33", got.Price.String())
}

func TestQuoteSumsLegs(t *testing.T) {
	q := NewQuoter(Config{BaseFare: 0, PerKm: models.Cents(100), RouteFactor: 1})
	one, err := q.Quote(ctx, []models.Stop{at(0, 0), at(0.1, 0)})
	require.NoError(t, err)
	two, err := q.Quote(ctx, []models.Stop{at(0, 0), at(0.1, 0), at(0.2, 0)})
	require.NoError(t, err)
	assert.InDelta(t, 2*one.Price.Cents(), two.Price.Cents(), 1)
}

func TestQuoteValidation(t *testing.T) {
	q := NewQuoter(DefaultConfig())
	_, err := q.Quote(ctx, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = q.Quote(ctx, []models.Stop{at(0, 0), at(100, 0)})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = q.Quote(ctx, []models.Stop{{Address: "no coords"}, at(0, 200)})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestQuoteByStopCountWithoutLocations(t *testing.T) {
	q := NewQuoter(DefaultConfig())

	// (7.50 + 1*3.50 + 2*5.00) * 1.13 = 23.73
	got, err := q.Quote(ctx, []models.Stop{{Address: "pickup"}, {Address: "dropoff"}})
	require.NoError(t, err)
	assert.Equal(t, SourceStops, got.Source)
	assert.Equal(t, "23.73", got.Price.String())
	assert.Zero(t, got.DistanceKm)

	// One located stop is not a route either. (7.50 + 5.00) * 1.13 = 14.125
	got, err = q.Quote(ctx, []models.Stop{at(0, 0)})
	require.NoError(t, err)
	assert.Equal(t, SourceStops, got.Source)
	assert.Equal(t, "14.13", got.Price.String())

	// A partly geocoded route falls back too. (7.50 + 2*3.50 + 3*5.00) * 1.13 = 33.335
	got, err = q.Quote(ctx, []models.Stop{at(0, 0), {Address: "b"}, at(1, 0)})
	require.NoError(t, err)
	assert.Equal(t, SourceStops, got.Source)
	assert.Equal(t, "33.34", got.Price.String())
}

func TestQuoteByStopCountUsesTariff(t *testing.T) {
	q := NewQuoter(Config{BaseFare: models.Cents(1000), PerStop: models.Cents(200), PerExtraStop: models.Cents(100), RouteFactor: 1})
	got, err := q.Quote(ctx, []models.Stop{{Address: "a"}, {Address: "b"}, {Address: "c"}})
	require.NoError(t, err)
	// 10.00 + 2*1.00 + 3*2.00, untaxed
	assert.Equal(t, "18.00", got.Price.String())
}

type fixedRouter struct {
	leg routing.Leg
	err error
}

func (f fixedRouter) Route(context.Context, models.Coord, models.Coord) (routing.Leg, error) {
	return f.leg, f.err
}

func TestQuoteUsesRoadDistance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := NewQuoter(DefaultConfig(), WithRouter(fixedRouter{leg: routing.Leg{DistanceM: 5000, DurationS: 600}}, logger))
	got, err := q.Quote(ctx, []models.Stop{at(0, 0), at(0.01, 0), at(0.02, 0)})
	require.NoError(t, err)
	assert.Equal(t, SourceRoad, got.Source)
	assert.Equal(t, 10.0, got.DistanceKm)
	assert.Equal(t, 20.0, got.DurationMin)
	// 7.50 + 10 km * 1.50
	assert.Equal(t, "22.50", got.Price.String())
}

func TestQuoteFallsBackWhenRouterFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := NewQuoter(DefaultConfig(), WithRouter(fixedRouter{err: errors.New("osrm down")}, logger))
	got, err := q.Quote(ctx, []models.Stop{at(0, 0), at(1, 0)})
	require.NoError(t, err)
	assert.Equal(t, SourceEstimate, got.Source)
	assert.Equal(t, "224.33", got.Price.String())
}
