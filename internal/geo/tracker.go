// Package geo tracks live driver positions.
//
// Every accepted heartbeat replaces the driver's current position. Fan-out is
// throttled: a position event is published only when the driver has moved
// more than MinDistance metres from the last published position.
package geo

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

const DefaultMinDistance = 10.0

// MaxClockSkew bounds how far ahead of the server clock a heartbeat timestamp
// may be. A later timestamp would make every real heartbeat after it stale.
const MaxClockSkew = 30 * time.Second

// Topic returns the bus topic carrying positions of driverID.
func Topic(driverID string) string { return "location." + driverID }

type Heartbeat struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type Tracker struct {
	positions   Positions
	bus         *eventbus.Bus[models.DriverLocation]
	minDistance float64
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	published map[string]*lastPublished
}

type lastPublished struct {
	mu  sync.Mutex
	loc models.DriverLocation
	ok  bool
}

func NewTracker(positions Positions, bus *eventbus.Bus[models.DriverLocation], minDistance float64, logger *slog.Logger) *Tracker {
	if minDistance < 0 {
		minDistance = 0
	}
	return &Tracker{
		positions:   positions,
		bus:         bus,
		minDistance: minDistance,
		logger:      logger.With("component", "location"),
		now:         time.Now,
		published:   make(map[string]*lastPublished),
	}
}

// ReportHeartbeat records a driver position. A heartbeat whose timestamp is
// not newer than the last accepted one is ignored and reported as not
// accepted; that is not an error.
func (t *Tracker) ReportHeartbeat(ctx context.Context, hb Heartbeat) (bool, error) {
	if strings.TrimSpace(hb.DriverID) == "" {
		observability.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return false, errs.NewValidationError("driver_id", "must not be empty")
	}
	if !ValidCoord(hb.Lat, hb.Lng) {
		observability.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return false, errs.NewValidationError("position", "is out of range")
	}
	if hb.Timestamp.IsZero() {
		observability.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return false, errs.NewValidationError("timestamp", "must be set")
	}
	if FromFuture(hb.Timestamp, t.now()) {
		observability.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return false, errs.NewValidationError("timestamp", "is ahead of the server clock")
	}

	loc := models.DriverLocation{
		DriverID:  hb.DriverID,
		Lat:       hb.Lat,
		Lng:       hb.Lng,
		Timestamp: hb.Timestamp.UTC().Truncate(time.Microsecond),
	}
	accepted, err := t.positions.Upsert(ctx, loc)
	if err != nil {
		observability.HeartbeatsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if !accepted {
		observability.HeartbeatsTotal.WithLabelValues("stale").Inc()
		t.logger.DebugContext(ctx, "stale heartbeat ignored", "driver_id", hb.DriverID, "timestamp", loc.Timestamp)
		return false, nil
	}
	observability.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	t.maybePublish(loc)
	return true, nil
}

// FromFuture reports whether ts is more than MaxClockSkew after now.
func FromFuture(ts, now time.Time) bool {
	return ts.After(now.Add(MaxClockSkew))
}

// maybePublish serialises publish decisions per driver so the published
// stream stays strictly ordered by timestamp.
func (t *Tracker) maybePublish(loc models.DriverLocation) {
	lp := t.lastFor(loc.DriverID)
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.ok {
		if !loc.Timestamp.After(lp.loc.Timestamp) {
			return
		}
		if Haversine(lp.loc.Lat, lp.loc.Lng, loc.Lat, loc.Lng) <= t.minDistance {
			return
		}
	}
	lp.loc, lp.ok = loc, true
	t.bus.Publish(Topic(loc.DriverID), loc)
	observability.LocationEventsPublished.Inc()
}

func (t *Tracker) lastFor(driverID string) *lastPublished {
	t.mu.Lock()
	defer t.mu.Unlock()
	lp, ok := t.published[driverID]
	if !ok {
		lp = &lastPublished{}
		t.published[driverID] = lp
	}
	return lp
}

// CurrentPosition returns the last accepted position, or errs.NotFoundError
// if the driver never reported.
func (t *Tracker) CurrentPosition(ctx context.Context, driverID string) (models.DriverLocation, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.DriverLocation{}, errs.NewValidationError("driver_id", "must not be empty")
	}
	return t.positions.Get(ctx, driverID)
}

// Subscribe streams the driver's current position, if known, followed by
// every published position. Timestamps on the stream strictly increase.
func (t *Tracker) Subscribe(ctx context.Context, driverID string) (*eventbus.Subscription[models.DriverLocation], error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, errs.NewValidationError("driver_id", "must not be empty")
	}
	src := t.bus.Subscribe(Topic(driverID))

	var (
		prelude []models.DriverLocation
		last    time.Time
	)
	cur, err := t.positions.Get(ctx, driverID)
	switch {
	case err == nil:
		prelude = append(prelude, cur)
		last = cur.Timestamp
	case errors.Is(err, errs.ErrNotFound):
	default:
		src.Close()
		return nil, err
	}

	return eventbus.Pipe(ctx, src, prelude, func(loc models.DriverLocation) (models.DriverLocation, bool) {
		if !loc.Timestamp.After(last) {
			return loc, false
		}
		last = loc.Timestamp
		return loc, true
	}), nil
}

// Nearby lists drivers within radiusM metres of lat/lng, closest first.
func (t *Tracker) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]NearbyDriver, error) {
	if !ValidCoord(lat, lng) {
		return nil, errs.NewValidationError("position", "is out of range")
	}
	if radiusM <= 0 {
		return nil, errs.NewValidationError("radius", "must be greater than 0")
	}
	return t.positions.Nearby(ctx, lat, lng, radiusM, limit)
}
