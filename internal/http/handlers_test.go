package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/discovery"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reconcile"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Geopoint{Lat: 12.9716, Lon: 77.5946}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (j *jobRecorder) Enqueue(_ context.Context, job queue.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, job)
	return nil
}

func (j *jobRecorder) take() []queue.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.jobs
	j.jobs = nil
	return out
}

type stack struct {
	store  *storage.MemoryStore
	hub    *fanout.Hub
	jobs   *jobRecorder
	worker *dispatch.Worker
	api    *Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := &stack{store: storage.NewMemoryStore(), hub: fanout.NewHub(logger), jobs: &jobRecorder{}}
	index := geo.NewIndex()
	locks := lock.NewMemory()
	notifier := fanout.NewNotifier(st.hub, st.store, nil, logger)
	svc := rides.NewService(st.store, st.jobs, notifier, reconcile.New(st.store, st.store, logger), locks, logger)
	assigner := assign.New(st.store, locks, notifier, st.jobs, logger)
	search := discovery.NewSearcher(index, st.store, 0, logger)
	st.worker = dispatch.NewWorker(st.store, search, locks, notifier, svc, st.jobs, nil, dispatch.Config{OfferTimeout: time.Hour}, logger)
	st.api = NewServer(Deps{
		Rides: svc, Assigner: assigner, Store: st.store, Locator: index, Notifier: notifier, Logger: logger,
	})
	return st
}

func (st *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	st.api.ServeHTTP(rec, req)
	return rec
}

func rideBody(rider string) map[string]any {
	return map[string]any{
		"riderId": rider,
		"pickup":  map[string]float64{"lat": pickup.Lat, "lon": pickup.Lon},
		"dropoff": map[string]float64{"lat": pickup.Lat + 0.04, "lon": pickup.Lon},
		"fare":    99.5,
	}
}

type errResp struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAndGetRide(t *testing.T) {
	st := newStack(t)

	rec := st.do(t, http.MethodPost, "/api/v1/rides", rideBody("r1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[rides.Created](t, rec)
	assert.Len(t, created.StartOTP, 4)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = st.do(t, http.MethodGet, "/api/v1/rides/"+created.Ride.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "otp")
	got := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.StatusRequested, got.Status)

	rec = st.do(t, http.MethodPost, "/api/v1/rides", rideBody("r1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "active_ride_exists", decodeBody[errResp](t, rec).Reason)
}

func TestErrorMapping(t *testing.T) {
	st := newStack(t)

	bad := rideBody("r1")
	bad["pickup"] = map[string]float64{"lat": 120, "lon": 0}
	rec := st.do(t, http.MethodPost, "/api/v1/rides", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody[errResp](t, rec).Kind)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	st.api.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = st.do(t, http.MethodGet, "/api/v1/rides/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = st.do(t, http.MethodPut, "/api/v1/drivers/ghost/availability", map[string]bool{"isActive": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestLifecycle(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	rec := st.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driverId": "d1", "location": pickup})
	require.Equal(t, http.StatusNoContent, rec.Code)
	conn := "rest-conn"
	online := true
	_, err := st.store.UpdateDriver(ctx, "d1", storage.DriverUpdate{ConnectionID: &conn, IsOnline: &online})
	require.NoError(t, err)

	rec = st.do(t, http.MethodPost, "/api/v1/rides", rideBody("r1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[rides.Created](t, rec)
	id := created.Ride.ID

	for _, job := range st.jobs.take() {
		require.NoError(t, st.worker.Handle(ctx, job))
	}

	rec = st.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", map[string]string{"driverId": "d1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "d1", decodeBody[models.Ride](t, rec).DriverID)

	rec = st.do(t, http.MethodPost, "/api/v1/rides/"+id+"/arrive", map[string]string{"driverId": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = st.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", map[string]string{"driverId": "d1", "otp": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = st.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", map[string]string{"driverId": "d1", "otp": created.StartOTP})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = st.do(t, http.MethodPost, "/api/v1/rides/"+id+"/complete", map[string]any{"driverId": "d1", "otp": created.StopOTP, "fare": 120})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 120.0, done.Fare)

	rec = st.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", map[string]string{"cancelledBy": "rider", "actorId": "r1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = st.do(t, http.MethodGet, "/api/v1/notifications/r1?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	notes := decodeBody[[]models.Notification](t, rec)
	require.Len(t, notes, 2)
	assert.Equal(t, models.EventRideCompleted, notes[0].Event)

	rec = st.do(t, http.MethodPut, "/api/v1/drivers/d1/availability", map[string]bool{"isActive": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[models.Driver](t, rec).IsActive)
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, name string, payload any) {
	t.Helper()
	ev, err := models.NewEvent(name, payload)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(ev))
}

// await reads until an event called name arrives.
func await(t *testing.T, c *websocket.Conn, name string) models.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev models.Event
		require.NoError(t, c.ReadJSON(&ev), "waiting for %s", name)
		if ev.Name == name {
			return ev
		}
	}
}

func TestRealtimeRideFlow(t *testing.T) {
	st := newStack(t)
	srv := httptest.NewServer(st.api)
	defer srv.Close()
	ctx := context.Background()

	driver := dial(t, srv, "/ws/drivers/d1")
	require.Eventually(t, func() bool {
		_, ok := st.hub.Lookup(fanout.EntityKey(models.PartyDriver, "d1"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	send(t, driver, models.EventDriverLocationUpdate, map[string]any{"location": pickup})
	require.Eventually(t, func() bool {
		d, err := st.store.GetDriver(ctx, "d1")
		return err == nil && d.Location == pickup
	}, 2*time.Second, 10*time.Millisecond)

	rider := dial(t, srv, "/ws/riders/r1")
	require.Eventually(t, func() bool {
		_, ok := st.hub.Lookup(fanout.EntityKey(models.PartyRider, "r1"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	send(t, rider, models.EventRideRequestCreated, rideBody("ignored"))
	var created rides.Created
	require.NoError(t, json.Unmarshal(await(t, rider, models.EventRideRequested).Payload, &created))
	assert.Equal(t, "r1", created.Ride.RiderID)

	jobs := st.jobs.take()
	require.Len(t, jobs, 1)
	require.NoError(t, st.worker.Handle(ctx, jobs[0]))

	var offer dispatch.Offer
	require.NoError(t, json.Unmarshal(await(t, driver, models.EventNewRideRequest).Payload, &offer))
	assert.Equal(t, created.Ride.ID, offer.RideID)

	send(t, driver, models.EventRideAccepted, map[string]string{"rideId": offer.RideID})
	await(t, rider, models.EventRideAccepted)
	await(t, driver, models.EventRideAssigned)

	send(t, driver, models.EventSendMessage, map[string]string{"rideId": offer.RideID, "text": "on my way"})
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(await(t, rider, models.EventReceiveMessage).Payload, &msg))
	assert.Equal(t, "on my way", msg.Text)
	assert.Equal(t, models.PartyDriver, msg.Sender)

	send(t, driver, models.EventDriverLocationUpdate, map[string]any{"location": pickup})
	await(t, rider, models.EventDriverLocationUpdate)

	send(t, driver, models.EventRideStarted, map[string]string{"rideId": offer.RideID, "otp": "nope"})
	await(t, driver, models.EventRideError)

	require.NoError(t, driver.Close())
	require.Eventually(t, func() bool {
		d, err := st.store.GetDriver(ctx, "d1")
		return err == nil && !d.IsOnline && d.ConnectionID == ""
	}, 2*time.Second, 10*time.Millisecond)
}
