package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
)

// Positions stores the single current position of every driver.
type Positions interface {
	// Upsert stores loc only if its timestamp is strictly newer than the
	// stored one and reports whether it did. The comparison and the write are
	// atomic per driver.
	Upsert(ctx context.Context, loc models.DriverLocation) (bool, error)
	Get(ctx context.Context, driverID string) (models.DriverLocation, error)
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]NearbyDriver, error)
}

type NearbyDriver struct {
	Location  models.DriverLocation `json:"location"`
	DistanceM float64               `json:"distance_m"`
}

// MemoryPositions keeps positions in process memory with one slot per driver.
type MemoryPositions struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

type slot struct {
	mu  sync.Mutex
	loc models.DriverLocation
	set bool
}

func NewMemoryPositions() *MemoryPositions {
	return &MemoryPositions{slots: make(map[string]*slot)}
}

func (m *MemoryPositions) Upsert(_ context.Context, loc models.DriverLocation) (bool, error) {
	s := m.slot(loc.DriverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set && !loc.Timestamp.After(s.loc.Timestamp) {
		return false, nil
	}
	s.loc = loc
	s.set = true
	return true, nil
}

func (m *MemoryPositions) Get(_ context.Context, driverID string) (models.DriverLocation, error) {
	m.mu.RLock()
	s, ok := m.slots[driverID]
	m.mu.RUnlock()
	if !ok {
		return models.DriverLocation{}, errs.NewNotFoundError("driver position", driverID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return models.DriverLocation{}, errs.NewNotFoundError("driver position", driverID)
	}
	return s.loc, nil
}

// Nearby is a naive scan; the Redis backend uses a real geo index.
func (m *MemoryPositions) Nearby(_ context.Context, lat, lng, radiusM float64, limit int) ([]NearbyDriver, error) {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	arr := make([]NearbyDriver, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		loc, set := s.loc, s.set
		s.mu.Unlock()
		if !set {
			continue
		}
		dist := Haversine(lat, lng, loc.Lat, loc.Lng)
		if dist > radiusM {
			continue
		}
		arr = append(arr, NearbyDriver{Location: loc, DistanceM: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if closer(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func closer(a, b NearbyDriver) bool {
	if a.DistanceM != b.DistanceM {
		return a.DistanceM < b.DistanceM
	}
	return a.Location.DriverID < b.Location.DriverID
}

func (m *MemoryPositions) slot(driverID string) *slot {
	m.mu.RLock()
	s, ok := m.slots[driverID]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[driverID]; !ok {
		s = &slot{}
		m.slots[driverID] = s
	}
	return s
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// ValidCoord reports whether lat/lng is a finite WGS84 coordinate.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
