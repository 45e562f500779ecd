package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func newRide(id string) *models.Ride {
	return &models.Ride{
		ID:              id,
		RiderID:         "rider-1",
		Status:          models.StatusRequested,
		BookingType:     models.BookingInstant,
		NotifiedDrivers: []string{"d1", "d2"},
		RequestedAt:     time.Now(),
	}
}

func ptr[T any](v T) *T { return &v }

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRide(ctx, newRide("r1")))
	assert.ErrorIs(t, s.CreateRide(ctx, newRide("r1")), ErrDuplicate)
}

func TestMemoryStoreUpdateRideConditions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRide(ctx, newRide("r1")))

	_, err := s.UpdateRide(ctx, "missing", RideCond{}, RideUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateRide(ctx, "r1", RideCond{Notified: "d9"}, RideUpdate{DriverID: ptr("d9")})
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = s.UpdateRide(ctx, "r1", RideCond{}, RideUpdate{AddRejected: []string{"d2"}})
	require.NoError(t, err)
	_, err = s.UpdateRide(ctx, "r1", RideCond{NotRejected: "d2"}, RideUpdate{DriverID: ptr("d2")})
	assert.ErrorIs(t, err, ErrPrecondition)

	got, err := s.UpdateRide(ctx, "r1",
		RideCond{StatusIn: []models.RideStatus{models.StatusRequested}, DriverUnset: true, Notified: "d1", NotRejected: "d1"},
		RideUpdate{Status: ptr(models.StatusAccepted), DriverID: ptr("d1")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)

	_, err = s.UpdateRide(ctx, "r1", RideCond{DriverUnset: true}, RideUpdate{DriverID: ptr("d2")})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestMemoryStoreRoundAndSets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRide(ctx, newRide("r1")))

	got, err := s.UpdateRide(ctx, "r1", RideCond{Round: ptr(0)}, RideUpdate{
		Round:       ptr(1),
		Offered:     []string{"d2", "d3"},
		AddNotified: []string{"d2", "d3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.DispatchRound)
	assert.Equal(t, []string{"d1", "d2", "d3"}, got.NotifiedDrivers)
	assert.Equal(t, []string{"d2", "d3"}, got.OfferedDrivers)

	_, err = s.UpdateRide(ctx, "r1", RideCond{Round: ptr(0)}, RideUpdate{Round: ptr(1)})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestMemoryStoreConcurrentClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRide(ctx, newRide("r1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, id := range []string{"d1", "d2", "d1", "d2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.UpdateRide(ctx, "r1", RideCond{DriverUnset: true, Notified: id}, RideUpdate{DriverID: ptr(id)})
			if err == nil {
				wins.Add(1)
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRide(ctx, newRide("r1")))
	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	r.NotifiedDrivers[0] = "mutated"
	again, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "d1", again.NotifiedDrivers[0])
}

func TestMemoryStoreListRides(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()
	a := newRide("a")
	a.UpdatedAt = now.Add(-time.Hour)
	b := newRide("b")
	b.RiderID = "rider-2"
	b.Status = models.StatusAccepted
	b.DriverID = "d1"
	require.NoError(t, s.CreateRide(ctx, a))
	require.NoError(t, s.CreateRide(ctx, b))

	got, err := s.ListRides(ctx, RideFilter{Statuses: []models.RideStatus{models.StatusRequested}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = s.ListRides(ctx, RideFilter{DriverID: "d1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListRides(ctx, RideFilter{UpdatedBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestMemoryStoreDrivers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", ConnectionID: "c1", IsOnline: true}))
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d2"}))

	got, err := s.GetDrivers(ctx, []string{"d2", "missing", "d1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].ID)
	assert.Equal(t, "d1", got[1].ID)

	cleared, err := s.ClearDriverConnection(ctx, "d1", "stale")
	require.NoError(t, err)
	assert.False(t, cleared)
	cleared, err = s.ClearDriverConnection(ctx, "d1", "c1")
	require.NoError(t, err)
	assert.True(t, cleared)
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.IsOnline)
	assert.Empty(t, d.ConnectionID)

	until := time.Now().Add(time.Hour)
	_, err = s.UpdateDriver(ctx, "d2", DriverUpdate{IsBusy: ptr(true), BusyUntil: &until})
	require.NoError(t, err)
	busy, err := s.ListBusyDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, "d2", busy[0].ID)

	d, err = s.UpdateDriver(ctx, "d2", DriverUpdate{IsBusy: ptr(false), ClearBusyUntil: true})
	require.NoError(t, err)
	assert.Nil(t, d.BusyUntil)

	_, err = s.UpdateDriver(ctx, "missing", DriverUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreNotificationsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, s.SaveNotification(ctx, &models.Notification{ID: id, RecipientID: "rider-1"}))
	}
	require.NoError(t, s.SaveNotification(ctx, &models.Notification{ID: "other", RecipientID: "rider-2"}))

	got, err := s.ListNotifications(ctx, "rider-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n3", got[0].ID)
	assert.Equal(t, "n2", got[1].ID)
}
