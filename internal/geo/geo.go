package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// Candidate is a driver position returned by a proximity query.
type Candidate struct {
	DriverID       string
	Coord          models.Coord
	DistanceMeters float64
}

// Locator is the driver position index used by matching and nearby search.
// Only drivers that are currently available are kept.
type Locator interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]Candidate, error)
}

type entry struct {
	coord   models.Coord
	updated time.Time
}

// Index is the in-process Locator.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !loc.Available {
		delete(g.drivers, loc.DriverID)
		return nil
	}
	g.drivers[loc.DriverID] = entry{coord: models.Coord{Lat: loc.Lat, Lng: loc.Lng}, updated: time.Now()}
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Len reports how many drivers are indexed.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// naive scan; Redis handles this in production
func (g *Index) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.drivers))
	for id, e := range g.drivers {
		dist := Haversine(lat, lng, e.coord.Lat, e.coord.Lng)
		if radiusKm > 0 && dist > radiusKm*1000 {
			continue
		}
		arr = append(arr, Candidate{DriverID: id, Coord: e.coord, DistanceMeters: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceMeters < arr[minIdx].DistanceMeters {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
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
