package rides

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reconcile"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeNotifier struct {
	mu     sync.Mutex
	msgs   []fanout.Message
	closed []string
}

func (f *fakeNotifier) Notify(_ context.Context, m fanout.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeNotifier) CloseRoom(rideID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, rideID)
}

func (f *fakeNotifier) events(to string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		if m.ToID == to {
			out = append(out, m.Event)
		}
	}
	return out
}

type fakeQueue struct{ jobs []queue.Job }

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	locks    *lock.Memory
	notifier *fakeNotifier
	queue    *fakeQueue
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:    storage.NewMemoryStore(),
		locks:    lock.NewMemory(),
		notifier: &fakeNotifier{},
		queue:    &fakeQueue{},
	}
	f.svc = NewService(f.store, f.queue, f.notifier, reconcile.New(f.store, f.store, logger), f.locks, logger)
	return f
}

func validRequest(rider string) CreateRequest {
	return CreateRequest{
		RiderID: rider,
		Pickup:  models.Geopoint{Lat: 12.97, Lon: 77.59},
		Dropoff: models.Geopoint{Lat: 13.02, Lon: 77.62},
		Fare:    150,
	}
}

// accept binds driverID to the ride the way a won assignment would.
func (f *fixture) accept(t *testing.T, rideID, driverID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertDriver(ctx, &models.Driver{ID: driverID, IsActive: true, IsOnline: true, IsBusy: true, ConnectionID: "c-" + driverID}))
	st := models.StatusAccepted
	_, err := f.store.UpdateRide(ctx, rideID,
		storage.RideCond{StatusIn: []models.RideStatus{models.StatusRequested}, DriverUnset: true},
		storage.RideUpdate{Status: &st, DriverID: &driverID, AddNotified: []string{driverID}},
	)
	require.NoError(t, err)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing rider", func(r *CreateRequest) { r.RiderID = "" }},
		{"bad pickup", func(r *CreateRequest) { r.Pickup.Lat = 91 }},
		{"bad dropoff", func(r *CreateRequest) { r.Dropoff.Lon = -181 }},
		{"unknown booking", func(r *CreateRequest) { r.BookingType = "WEEKLY" }},
		{"full day without window", func(r *CreateRequest) { r.BookingType = models.BookingFullDay }},
		{"negative fare", func(r *CreateRequest) { r.Fare = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("r1")
			tt.mutate(&req)
			_, err := f.svc.Create(ctx, req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Empty(t, f.queue.jobs)
}

func TestCreatePersistsAndQueuesDispatch(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Create(context.Background(), validRequest("r1"))
	require.NoError(t, err)

	r := out.Ride
	assert.Equal(t, models.StatusRequested, r.Status)
	assert.Equal(t, models.BookingInstant, r.BookingType)
	assert.Len(t, out.StartOTP, otpLength)
	assert.Len(t, out.StopOTP, otpLength)
	assert.Greater(t, r.DistanceKm, 5.0)
	assert.Equal(t, []queue.Job{{RideID: r.ID}}, f.queue.jobs)
	assert.Equal(t, []string{models.EventRideRequested}, f.notifier.events("r1"))

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "otp")
}

func TestCreateRejectsSecondOpenRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, validRequest("r1"))
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonActiveRideExists, apperr.ReasonOf(err))

	_, err = f.svc.Create(ctx, validRequest("r2"))
	require.NoError(t, err, "other riders are unaffected")

	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: first.Ride.ID, By: models.PartyRider, ActorID: "r1"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, validRequest("r1"))
	assert.NoError(t, err)
}

func TestTripNeedsBothCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	id := out.Ride.ID
	f.accept(t, id, "d1")

	_, err = f.svc.MarkArrived(ctx, id, "d1")
	require.NoError(t, err)

	wrong := "0000"
	if out.StartOTP == wrong {
		wrong = "1111"
	}
	_, err = f.svc.Start(ctx, id, "d1", wrong)
	assert.Equal(t, apperr.KindOTPMismatch, apperr.KindOf(err))
	r, _ := f.svc.Get(ctx, id)
	assert.Equal(t, models.StatusArrived, r.Status)

	r, err = f.svc.Start(ctx, id, "d1", out.StartOTP)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)
	assert.NotNil(t, r.ActualStartTime)

	_, err = f.svc.Complete(ctx, id, "d1", out.StartOTP+"9", nil)
	assert.Equal(t, apperr.KindOTPMismatch, apperr.KindOf(err))

	fare := 210.5
	r, err = f.svc.Complete(ctx, id, "d1", out.StopOTP, &fare)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, 210.5, r.Fare)
	assert.Equal(t, "d1", r.DriverID)

	d, err := f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.IsBusy, "completion frees the driver")
	assert.Contains(t, f.notifier.closed, id)
}

func TestStartWithoutArrivalIsAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	f.accept(t, out.Ride.ID, "d1")

	r, err := f.svc.Start(ctx, out.Ride.ID, "d1", out.StartOTP)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	id := out.Ride.ID

	_, err = f.svc.MarkArrived(ctx, id, "d1")
	assert.Equal(t, apperr.ReasonInvalidTransition, apperr.ReasonOf(err))
	_, err = f.svc.Start(ctx, id, "d1", out.StartOTP)
	assert.Equal(t, apperr.ReasonInvalidTransition, apperr.ReasonOf(err))

	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: id, By: models.PartyRider, ActorID: "r1"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: id, By: models.PartyRider, ActorID: "r1"})
	assert.Equal(t, apperr.ReasonInvalidTransition, apperr.ReasonOf(err), "terminal rides stay terminal")

	_, err = f.svc.Get(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestActionsByWrongDriverAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	f.accept(t, out.Ride.ID, "d1")

	_, err = f.svc.MarkArrived(ctx, out.Ride.ID, "d2")
	assert.True(t, apperr.IsConflict(err))
	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: out.Ride.ID, By: models.PartyDriver, ActorID: "d2"})
	assert.True(t, apperr.IsConflict(err))
	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: out.Ride.ID, By: "admin"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCancelFreesDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	f.accept(t, out.Ride.ID, "d1")

	res, err := f.svc.Cancel(ctx, CancelRequest{RideID: out.Ride.ID, By: models.PartyRider, ActorID: "r1", Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, "d1", res.PreviousDriverID)
	assert.Empty(t, res.Ride.DriverID)
	assert.Equal(t, models.PartyRider, res.Ride.CancelledBy)
	assert.Equal(t, "changed plans", res.Ride.CancellationReason)
	assert.NotNil(t, res.Ride.CancelledAt)

	d, err := f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.IsBusy)
	assert.Contains(t, f.notifier.events("d1"), models.EventRideCancelled)
}

func TestCancelReleasesBookingHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Now().Add(24 * time.Hour)
	end := start.Add(8 * time.Hour)
	req := validRequest("r1")
	req.BookingType = models.BookingFullDay
	req.BookingMeta = models.BookingMeta{StartTime: &start, EndTime: &end}
	out, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	f.accept(t, out.Ride.ID, "d1")
	key := lock.BookingKey("d1", out.Ride.ID)
	ok, err := f.locks.Acquire(ctx, key, out.Ride.ID, time.Until(end))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: out.Ride.ID, By: models.PartyRider, ActorID: "r1"})
	require.NoError(t, err)
	owner, err := f.locks.Owner(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestCancelKeepsDriverBusyWithOtherActiveRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, validRequest("r2"))
	require.NoError(t, err)
	f.accept(t, a.Ride.ID, "d1")
	f.accept(t, b.Ride.ID, "d1")

	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: a.Ride.ID, By: models.PartyDriver, ActorID: "d1"})
	require.NoError(t, err)

	d, err := f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.IsBusy)
}

func TestLostRaceReportsCurrentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)
	f.accept(t, out.Ride.ID, "d1")

	stale, err := f.svc.Get(ctx, out.Ride.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, CancelRequest{RideID: out.Ride.ID, By: models.PartyRider, ActorID: "r1"})
	require.NoError(t, err)

	now := time.Now()
	_, err = f.svc.transition(ctx, stale, models.StatusArrived, storage.RideUpdate{ArrivedAt: &now})
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonInvalidTransition, apperr.ReasonOf(err))
	assert.Contains(t, err.Error(), "cancelled")
}

func TestCancelUnmatchedOnlyInSameRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.svc.Create(ctx, validRequest("r1"))
	require.NoError(t, err)

	_, err = f.svc.CancelUnmatched(ctx, out.Ride.ID, 2, "nobody")
	assert.Equal(t, apperr.ReasonNotAvailable, apperr.ReasonOf(err))

	r, err := f.svc.CancelUnmatched(ctx, out.Ride.ID, 0, "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.PartySystem, r.CancelledBy)
	assert.Equal(t, []string{models.EventRideRequested, models.EventNoDriverFound, models.EventRideCancelled}, f.notifier.events("r1"))
}

func TestGenerateOTP(t *testing.T) {
	code, err := generateOTP(6)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, code)
	_, err = generateOTP(2)
	assert.Error(t, err)
	assert.True(t, otpMatches("1234", " 1234 "))
	assert.False(t, otpMatches("1234", "123"))
}
