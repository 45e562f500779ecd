// Package httpapi exposes the dispatch engine over REST and websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

// Deps are the components the API fronts. Locations may be nil when no
// Kafka brokers are configured.
type Deps struct {
	Rides     *rides.Service
	Assigner  *assign.Assigner
	Store     storage.Store
	Locator   geo.Locator
	Notifier  *fanout.Notifier
	Locations ingest.Publisher
	Logger    *slog.Logger
}

type Server struct {
	rides     *rides.Service
	assigner  *assign.Assigner
	store     storage.Store
	locator   geo.Locator
	notifier  *fanout.Notifier
	locations ingest.Publisher
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:     d.Rides,
		assigner:  d.Assigner,
		store:     d.Store,
		locator:   d.Locator,
		notifier:  d.Notifier,
		locations: d.Locations,
		logger:    d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/arrive", s.handleArrive).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/riders/{id}/rides", s.handleRiderRides).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPut)
	api.HandleFunc("/notifications/{id}", s.handleNotifications).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/drivers/{id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/riders/{id}", s.handleRiderWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// rideAction is the body of every ride command, over REST and websocket.
type rideAction struct {
	RideID      string       `json:"rideId,omitempty"`
	DriverID    string       `json:"driverId,omitempty"`
	OTP         string       `json:"otp,omitempty"`
	Fare        *float64     `json:"fare,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	CancelledBy models.Party `json:"cancelledBy,omitempty"`
	ActorID     string       `json:"actorId,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req rides.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.rides.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRiderRides(w http.ResponseWriter, r *http.Request) {
	out, err := s.rides.ListByRider(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// rideCommand decodes a rideAction for the ride in the path and runs fn.
func (s *Server) rideCommand(fn func(ctx context.Context, a rideAction) (*models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a rideAction
		if err := decode(r, &a); err != nil {
			s.writeError(w, r, err)
			return
		}
		a.RideID = mux.Vars(r)["id"]
		ride, err := fn(r.Context(), a)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.rideCommand(func(ctx context.Context, a rideAction) (*models.Ride, error) {
		return s.accept(ctx, a.RideID, a.DriverID)
	})(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.rideCommand(func(ctx context.Context, a rideAction) (*models.Ride, error) {
		return s.assigner.Reject(ctx, a.RideID, a.DriverID)
	})(w, r)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	s.rideCommand(func(ctx context.Context, a rideAction) (*models.Ride, error) {
		return s.rides.MarkArrived(ctx, a.RideID, a.DriverID)
	})(w, r)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.rideCommand(func(ctx context.Context, a rideAction) (*models.Ride, error) {
		return s.rides.Start(ctx, a.RideID, a.DriverID, a.OTP)
	})(w, r)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.rideCommand(func(ctx context.Context, a rideAction) (*models.Ride, error) {
		return s.rides.Complete(ctx, a.RideID, a.DriverID, a.OTP, a.Fare)
	})(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.rideCommand(func(ctx context.Context, a rideAction) (*models.Ride, error) {
		res, err := s.rides.Cancel(ctx, rides.CancelRequest{RideID: a.RideID, By: a.CancelledBy, ActorID: a.ActorID, Reason: a.Reason})
		if err != nil {
			return nil, err
		}
		return res.Ride, nil
	})(w, r)
}

// accept uses the driver's live connection, if any, as the ride's handle.
func (s *Server) accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	connID, _ := s.notifier.Hub().Lookup(fanout.EntityKey(models.PartyDriver, driverID))
	return s.assigner.Assign(ctx, rideID, driverID, connID)
}

type availabilityRequest struct {
	IsActive bool `json:"isActive"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.setAvailability(r.Context(), mux.Vars(r)["id"], req.IsActive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) setAvailability(ctx context.Context, driverID string, active bool) (*models.Driver, error) {
	d, err := s.store.UpdateDriver(ctx, driverID, storage.DriverUpdate{IsActive: &active})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("driver %s not found", driverID)
	}
	if err != nil {
		return nil, apperr.Transient(err, "update driver %s", driverID)
	}
	s.logger.Info("driver availability changed", "driver_id", driverID, "is_active", active)
	s.notifier.Notify(ctx, fanout.Message{To: models.PartyDriver, ToID: driverID, Event: models.EventDriverStatus, Payload: d})
	return d, nil
}

type locationRequest struct {
	DriverID string          `json:"driverId"`
	Location models.Geopoint `json:"location"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.updateLocation(r.Context(), req.DriverID, req.Location); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// updateLocation records a position report, feeds the geo index and
// forwards the position to riders of the driver's active rides.
func (s *Server) updateLocation(ctx context.Context, driverID string, p models.Geopoint) error {
	if driverID == "" {
		return apperr.Validation("driverId is required")
	}
	if err := p.Validate(); err != nil {
		return apperr.Validation("location: %v", err)
	}
	now := time.Now()
	_, err := s.store.UpdateDriver(ctx, driverID, storage.DriverUpdate{Location: &p, LastSeen: &now})
	if errors.Is(err, storage.ErrNotFound) {
		err = s.store.UpsertDriver(ctx, &models.Driver{ID: driverID, Location: p, IsActive: true, LastSeen: now})
	}
	if err != nil {
		return apperr.Transient(err, "store location of %s", driverID)
	}
	if err := s.locator.Upsert(ctx, driverID, p); err != nil {
		return apperr.Transient(err, "index location of %s", driverID)
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, ingest.LocationEvent{DriverID: driverID, Location: p, At: now}); err != nil {
			s.logger.Warn("publish location", "driver_id", driverID, "error", err)
		}
	}

	active, err := s.store.ListRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: models.ActiveStatuses()})
	if err != nil {
		s.logger.Warn("list active rides for location forward", "driver_id", driverID, "error", err)
		return nil
	}
	for _, ride := range active {
		ev, err := models.NewEvent(models.EventDriverLocationUpdate, map[string]any{"rideId": ride.ID, "driverId": driverID, "location": p})
		if err != nil {
			continue
		}
		_ = s.notifier.Hub().SendTo(fanout.EntityKey(models.PartyRider, ride.RiderID), ev)
	}
	return nil
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListNotifications(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, apperr.Transient(err, "list notifications"))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindOTPMismatch:
		return http.StatusUnprocessableEntity
	case apperr.KindNoSupply, apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String(), Reason: apperr.ReasonOf(err)})
}
