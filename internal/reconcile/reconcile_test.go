package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ride(bt models.BookingType) *models.Ride {
	return &models.Ride{BookingType: bt, Status: models.StatusAccepted}
}

func TestDecide(t *testing.T) {
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name    string
		driver  models.Driver
		active  []*models.Ride
		correct bool
		busy    bool
		reason  string
	}{
		{"idle and free", models.Driver{}, nil, false, false, ReasonConsistent},
		{"busy without rides", models.Driver{IsBusy: true, BusyUntil: &future}, nil, true, false, ReasonNoActiveRides},
		{"orphan window", models.Driver{BusyUntil: &past}, nil, true, false, ReasonStaleBusyWindow},
		{"instant not busy", models.Driver{}, []*models.Ride{ride(models.BookingInstant)}, true, true, ReasonInstantNotBusy},
		{"instant busy", models.Driver{IsBusy: true}, []*models.Ride{ride(models.BookingInstant)}, false, false, ReasonConsistent},
		{"scheduled only not busy", models.Driver{}, []*models.Ride{ride(models.BookingFullDay)}, false, false, ReasonScheduledOnly},
		{"scheduled window open", models.Driver{IsBusy: true, BusyUntil: &future}, []*models.Ride{ride(models.BookingRental)}, false, false, ReasonConsistent},
		{"scheduled window expired", models.Driver{IsBusy: true, BusyUntil: &past}, []*models.Ride{ride(models.BookingRental)}, true, false, ReasonWindowExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := tc.driver
			dec := Decide(&d, tc.active, now)
			assert.Equal(t, tc.correct, dec.Correct)
			assert.Equal(t, tc.reason, dec.Reason)
			if tc.correct {
				assert.Equal(t, tc.busy, dec.IsBusy)
			}
		})
	}
}

func newReconciler(s *storage.MemoryStore) *Reconciler {
	return New(s, s, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(func() time.Time { return now })
}

func TestReconcileCancellingOneOfTwoRides(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", IsBusy: true}))
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, s.CreateRide(ctx, &models.Ride{ID: id, DriverID: "d1", Status: models.StatusAccepted, BookingType: models.BookingInstant}))
	}
	rec := newReconciler(s)

	cancelled := models.StatusCancelled
	empty := ""
	_, err := s.UpdateRide(ctx, "r1", storage.RideCond{}, storage.RideUpdate{Status: &cancelled, DriverID: &empty})
	require.NoError(t, err)

	res, err := rec.Reconcile(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	d, _ := s.GetDriver(ctx, "d1")
	assert.True(t, d.IsBusy)

	_, err = s.UpdateRide(ctx, "r2", storage.RideCond{}, storage.RideUpdate{Status: &cancelled, DriverID: &empty})
	require.NoError(t, err)
	res, err = rec.Reconcile(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	d, _ = s.GetDriver(ctx, "d1")
	assert.False(t, d.IsBusy)
	assert.Nil(t, d.BusyUntil)

	res, err = rec.Reconcile(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, res.Corrected, "second pass is a no-op")
}

func TestReconcileUnknownDriver(t *testing.T) {
	_, err := newReconciler(storage.NewMemoryStore()).Reconcile(context.Background(), "ghost")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSweepBusyClearsExpiredWindows(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	past := now.Add(-time.Minute)
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", IsBusy: true, BusyUntil: &past}))
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d2", IsBusy: true}))
	require.NoError(t, s.CreateRide(ctx, &models.Ride{ID: "r2", DriverID: "d2", Status: models.StatusInProgress, BookingType: models.BookingInstant}))

	n, err := newReconciler(s).SweepBusy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d1, _ := s.GetDriver(ctx, "d1")
	assert.False(t, d1.IsBusy)
	d2, _ := s.GetDriver(ctx, "d2")
	assert.True(t, d2.IsBusy)
}
