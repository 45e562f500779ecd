package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup = models.Geopoint{Lat: 12.9716, Lon: 77.5946}
	now    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

// recordingLocator wraps a Locator and remembers every radius asked for.
type recordingLocator struct {
	geo.Locator
	radii []float64
	err   error
}

func (r *recordingLocator) Nearby(ctx context.Context, p models.Geopoint, radius float64, limit int) ([]geo.Hit, error) {
	r.radii = append(r.radii, radius)
	if r.err != nil {
		return nil, r.err
	}
	return r.Locator.Nearby(ctx, p, radius, limit)
}

func online(id string) *models.Driver {
	return &models.Driver{ID: id, IsActive: true, IsOnline: true, ConnectionID: "conn-" + id}
}

type fixture struct {
	store   *storage.MemoryStore
	index   *geo.Index
	rec     *recordingLocator
	searchr *Searcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), index: geo.NewIndex()}
	f.rec = &recordingLocator{Locator: f.index}
	f.searchr = NewSearcher(f.rec, f.store, 0, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(func() time.Time { return now })
	return f
}

func (f *fixture) add(t *testing.T, d *models.Driver, northM float64) {
	t.Helper()
	// one degree of latitude is ~111195m
	p := models.Geopoint{Lat: pickup.Lat + northM/111195, Lon: pickup.Lon}
	d.Location = p
	require.NoError(t, f.store.UpsertDriver(context.Background(), d))
	require.NoError(t, f.index.Upsert(context.Background(), d.ID, p))
}

func TestSearchUsesFirstRadiusWithDrivers(t *testing.T) {
	f := newFixture(t)
	f.add(t, online("a"), 5000)
	f.add(t, online("b"), 4800)

	res, err := f.searchr.Search(context.Background(), Query{Pickup: pickup, Radii: []float64{3000, 6000}})
	require.NoError(t, err)
	assert.Equal(t, 6000.0, res.RadiusUsed)
	assert.ElementsMatch(t, []string{"a", "b"}, res.IDs())
	assert.Equal(t, "b", res.Drivers[0].Driver.ID, "nearest first")
	assert.Equal(t, []float64{3000, 6000}, f.rec.radii)
}

func TestSearchRadiiNeverShrink(t *testing.T) {
	f := newFixture(t)
	f.add(t, online("far"), 14000)

	res, err := f.searchr.Search(context.Background(), Query{Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, 15000.0, res.RadiusUsed)
	for i := 1; i < len(f.rec.radii); i++ {
		assert.Greater(t, f.rec.radii[i], f.rec.radii[i-1])
	}
	assert.Equal(t, []float64{3000, 6000, 9000, 12000, 15000}, f.rec.radii)
}

func TestSearchEmptyReportsLargestRadius(t *testing.T) {
	f := newFixture(t)
	res, err := f.searchr.Search(context.Background(), Query{Pickup: pickup, Radii: []float64{1000, 2000}})
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, 2000.0, res.RadiusUsed)
}

func TestSearchEligibility(t *testing.T) {
	future := now.Add(3 * time.Hour)
	f := newFixture(t)
	inactive := online("inactive")
	inactive.IsActive = false
	noConn := online("no-conn")
	noConn.ConnectionID = ""
	busy := online("busy")
	busy.IsBusy = true
	booked := online("booked-later")
	booked.IsBusy = true
	booked.BusyUntil = &future
	for _, d := range []*models.Driver{inactive, noConn, busy, booked, online("free"), online("rejected")} {
		f.add(t, d, 1000)
	}

	res, err := f.searchr.Search(context.Background(), Query{Pickup: pickup, BookingType: models.BookingInstant, Exclude: []string{"rejected"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"free"}, res.IDs())

	res, err = f.searchr.Search(context.Background(), Query{Pickup: pickup, BookingType: models.BookingFullDay, Exclude: []string{"rejected"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"free", "booked-later"}, res.IDs())
}

func TestSearchCapsCandidates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.add(t, online(string(rune('a'+i))), float64(100+i*10))
	}
	res, err := f.searchr.Search(context.Background(), Query{Pickup: pickup})
	require.NoError(t, err)
	assert.Len(t, res.Drivers, DefaultLimit)
	assert.Equal(t, 3000.0, res.RadiusUsed)
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)
	for _, radii := range [][]float64{{}, {3000, 3000}, {6000, 3000}, {-1}} {
		_, err := f.searchr.Search(context.Background(), Query{Pickup: pickup, Radii: radii})
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "%v", radii)
	}
	_, err := f.searchr.Search(context.Background(), Query{Pickup: models.Geopoint{Lat: 91}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSearchGeoFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.rec.err = errors.New("redis down")
	_, err := f.searchr.Search(context.Background(), Query{Pickup: pickup})
	assert.True(t, apperr.IsTransient(err))
}
