package geo

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
)

// MaxGeoLat is the largest latitude Redis GEO commands accept.
const MaxGeoLat = 85.05112878

// upsertScript compares the stored timestamp and writes the geo index entry
// and then the position hash. Redis keeps writes made before a failing
// command, so GEOADD goes first: if it fails the hash is untouched.
//
// KEYS[1] position hash, KEYS[2] geo set
// ARGV lat, lng, unix micros, driver id
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lng', ARGV[2], 'ts', ARGV[3])
return 1
`)

// RedisPositions implements Positions using a hash per driver and Redis GEO
// commands for proximity queries. Latitudes beyond MaxGeoLat are rejected
// with a validation error.
type RedisPositions struct {
	client redis.UniversalClient
	key    string
}

func NewRedisPositions(client redis.UniversalClient, geoKey string) *RedisPositions {
	return &RedisPositions{client: client, key: geoKey}
}

func (r *RedisPositions) Upsert(ctx context.Context, loc models.DriverLocation) (bool, error) {
	if math.Abs(loc.Lat) > MaxGeoLat {
		return false, errs.NewValidationError("lat", "must be within ±85.05112878 for the geo index")
	}
	n, err := upsertScript.Run(ctx, r.client, []string{posKey(loc.DriverID), r.key},
		strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		loc.Timestamp.UnixMicro(),
		loc.DriverID,
	).Int()
	if err != nil {
		return false, errs.NewTransientError("store driver position", err)
	}
	return n == 1, nil
}

func (r *RedisPositions) Get(ctx context.Context, driverID string) (models.DriverLocation, error) {
	m, err := r.client.HGetAll(ctx, posKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, errs.NewTransientError("read driver position", err)
	}
	if len(m) == 0 {
		return models.DriverLocation{}, errs.NewNotFoundError("driver position", driverID)
	}
	return decodePosition(driverID, m["lat"], m["lng"], m["ts"])
}

func (r *RedisPositions) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]NearbyDriver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, errs.NewTransientError("search driver positions", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HMGet(ctx, posKey(g.Name), "lat", "lng", "ts")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.NewTransientError("read driver positions", err)
	}

	out := make([]NearbyDriver, 0, len(res))
	for i, g := range res {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) != 3 || vals[0] == nil || vals[1] == nil || vals[2] == nil {
			continue
		}
		loc, err := decodePosition(g.Name, asString(vals[0]), asString(vals[1]), asString(vals[2]))
		if err != nil {
			continue
		}
		out = append(out, NearbyDriver{Location: loc, DistanceM: g.Dist})
	}
	return out, nil
}

func decodePosition(driverID, lat, lng, ts string) (models.DriverLocation, error) {
	la, err1 := strconv.ParseFloat(lat, 64)
	ln, err2 := strconv.ParseFloat(lng, 64)
	us, err3 := strconv.ParseInt(ts, 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return models.DriverLocation{}, err
	}
	return models.DriverLocation{
		DriverID:  driverID,
		Lat:       la,
		Lng:       ln,
		Timestamp: time.UnixMicro(us).UTC(),
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func posKey(id string) string { return "driver:pos:" + id }
