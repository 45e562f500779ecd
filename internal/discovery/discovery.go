// Package discovery finds eligible drivers around a pickup by widening
// the search radius step by step.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

const DefaultLimit = 10

// DefaultRadii is the first-round ladder in meters.
var DefaultRadii = []float64{3000, 6000, 9000, 12000, 15000, 20000}

// ExpandedRadii is used once a round went unanswered.
var ExpandedRadii = []float64{3000, 6000, 9000, 12000, 15000, 20000, 25000, 30000}

type Query struct {
	Pickup      models.Geopoint
	Radii       []float64
	BookingType models.BookingType
	Exclude     []string
}

type Candidate struct {
	Driver    *models.Driver
	DistanceM float64
}

// Result is empty with RadiusUsed set to the largest radius tried when no
// driver qualified anywhere on the ladder.
type Result struct {
	Drivers    []Candidate
	RadiusUsed float64
}

func (r Result) Empty() bool { return len(r.Drivers) == 0 }

func (r Result) IDs() []string {
	ids := make([]string, len(r.Drivers))
	for i, c := range r.Drivers {
		ids[i] = c.Driver.ID
	}
	return ids
}

// ValidateRadii requires a non-empty, strictly ascending list of positive
// radii.
func ValidateRadii(radii []float64) error {
	if len(radii) == 0 {
		return apperr.Validation("radius ladder is empty")
	}
	for i, r := range radii {
		if r <= 0 {
			return apperr.Validation("radius %v must be positive", r)
		}
		if i > 0 && r <= radii[i-1] {
			return apperr.Validation("radius ladder must be strictly ascending at %v", r)
		}
	}
	return nil
}

// Eligible applies the offer predicate for a booking type.
func Eligible(d *models.Driver, bt models.BookingType, now time.Time) bool {
	if !d.IsActive || !d.Reachable() {
		return false
	}
	if bt.Scheduled() {
		return !d.IsBusy || d.BusyWithFutureBooking(now)
	}
	return !d.IsBusy
}

type Searcher struct {
	locator geo.Locator
	drivers storage.DriverStore
	limit   int
	logger  *slog.Logger
	now     func() time.Time
}

func NewSearcher(locator geo.Locator, drivers storage.DriverStore, limit int, logger *slog.Logger) *Searcher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Searcher{locator: locator, drivers: drivers, limit: limit, logger: logger, now: time.Now}
}

func (s *Searcher) WithClock(now func() time.Time) *Searcher {
	s.now = now
	return s
}

// Search walks the ladder in order and stops at the first radius with at
// least one eligible driver.
func (s *Searcher) Search(ctx context.Context, q Query) (Result, error) {
	if err := q.Pickup.Validate(); err != nil {
		return Result{}, apperr.Validation("pickup: %v", err)
	}
	radii := q.Radii
	if radii == nil {
		radii = DefaultRadii
	}
	if err := ValidateRadii(radii); err != nil {
		return Result{}, err
	}
	exclude := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		exclude[id] = struct{}{}
	}

	now := s.now()
	for _, radius := range radii {
		hits, err := s.locator.Nearby(ctx, q.Pickup, radius, 0)
		if err != nil {
			return Result{}, apperr.Transient(err, "geo lookup at %.0fm", radius)
		}
		ids := make([]string, 0, len(hits))
		dist := make(map[string]float64, len(hits))
		for _, h := range hits {
			if _, skip := exclude[h.ID]; skip {
				continue
			}
			ids = append(ids, h.ID)
			dist[h.ID] = h.DistanceM
		}
		if len(ids) == 0 {
			continue
		}
		drivers, err := s.drivers.GetDrivers(ctx, ids)
		if err != nil {
			return Result{}, apperr.Transient(err, "load drivers at %.0fm", radius)
		}

		out := make([]Candidate, 0, s.limit)
		for _, d := range drivers {
			if !Eligible(d, q.BookingType, now) {
				continue
			}
			out = append(out, Candidate{Driver: d, DistanceM: dist[d.ID]})
			if len(out) == s.limit {
				break
			}
		}
		if len(out) > 0 {
			s.logger.Debug("drivers found", "radius_m", radius, "count", len(out))
			return Result{Drivers: out, RadiusUsed: radius}, nil
		}
		s.logger.Debug("all drivers in radius filtered out", "radius_m", radius, "in_radius", len(ids), "why", exclusionSummary(drivers, q.BookingType, now))
	}
	return Result{RadiusUsed: radii[len(radii)-1]}, nil
}

func exclusionSummary(drivers []*models.Driver, bt models.BookingType, now time.Time) string {
	var inactive, offline, busy int
	for _, d := range drivers {
		switch {
		case !d.IsActive:
			inactive++
		case !d.Reachable():
			offline++
		case !Eligible(d, bt, now):
			busy++
		}
	}
	return fmt.Sprintf("inactive=%d offline=%d busy=%d", inactive, offline, busy)
}
