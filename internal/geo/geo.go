package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Hit is a driver found by a radius query.
type Hit struct {
	ID        string
	DistanceM float64
}

// Locator answers "which drivers are within r metres of p", nearest first.
type Locator interface {
	Upsert(ctx context.Context, id string, p models.Geopoint) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, p models.Geopoint, radiusM float64, limit int) ([]Hit, error)
}

// Index is the in-process Locator.
type Index struct {
	mu     sync.RWMutex
	points map[string]models.Geopoint
}

func NewIndex() *Index {
	return &Index{points: make(map[string]models.Geopoint)}
}

func (g *Index) Upsert(_ context.Context, id string, p models.Geopoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = p
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// naive scan; fine for a single process, Redis serves the fleet
func (g *Index) Nearby(_ context.Context, p models.Geopoint, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	arr := make([]Hit, 0, len(g.points))
	for id, loc := range g.points {
		dist := Haversine(p.Lat, p.Lon, loc.Lat, loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, Hit{ID: id, DistanceM: dist})
	}
	g.mu.RUnlock()

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

func closer(a, b Hit) bool {
	if a.DistanceM != b.DistanceM {
		return a.DistanceM < b.DistanceM
	}
	return a.ID < b.ID
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

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b models.Geopoint) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
