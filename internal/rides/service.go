// Package rides owns the ride lifecycle: creation and every status
// transition after assignment.
package rides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reconcile"
	"github.com/example/ride-dispatch/internal/storage"
)

type Notifier interface {
	Notify(ctx context.Context, m fanout.Message) bool
	CloseRoom(rideID string)
}

type Reconciler interface {
	Reconcile(ctx context.Context, driverID string) (reconcile.Result, error)
}

type Service struct {
	store      storage.RideStore
	queue      queue.Enqueuer
	notifier   Notifier
	reconciler Reconciler
	locks      lock.Locker
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(store storage.RideStore, q queue.Enqueuer, n Notifier, rec Reconciler, locks lock.Locker, logger *slog.Logger) *Service {
	return &Service{store: store, queue: q, notifier: n, reconciler: rec, locks: locks, logger: logger, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateRequest struct {
	RiderID           string             `json:"riderId"`
	RiderConnectionID string             `json:"-"`
	Pickup            models.Geopoint    `json:"pickup"`
	Dropoff           models.Geopoint    `json:"dropoff"`
	PickupAddress     string             `json:"pickupAddress,omitempty"`
	DropoffAddress    string             `json:"dropoffAddress,omitempty"`
	BookingType       models.BookingType `json:"bookingType,omitempty"`
	BookingMeta       models.BookingMeta `json:"bookingMeta"`
	Fare              float64            `json:"fare"`
	PaymentMethod     string             `json:"paymentMethod,omitempty"`
}

// Created is handed to the rider only; it is the one place the OTPs leave
// the service.
type Created struct {
	Ride     *models.Ride `json:"ride"`
	StartOTP string       `json:"startOtp"`
	StopOTP  string       `json:"stopOtp"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.RiderID == "" {
		return nil, apperr.Validation("riderId is required")
	}
	if err := req.Pickup.Validate(); err != nil {
		return nil, apperr.Validation("pickup: %v", err)
	}
	if err := req.Dropoff.Validate(); err != nil {
		return nil, apperr.Validation("dropoff: %v", err)
	}
	if req.BookingType == "" {
		req.BookingType = models.BookingInstant
	}
	if !req.BookingType.Valid() {
		return nil, apperr.Validation("unknown booking type %q", req.BookingType)
	}
	meta, err := req.BookingMeta.Normalize(req.BookingType)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}
	if req.Fare < 0 {
		return nil, apperr.Validation("fare must not be negative")
	}

	open, err := s.store.ListRides(ctx, storage.RideFilter{RiderID: req.RiderID, Statuses: models.OpenStatuses(), Limit: 1})
	if err != nil {
		return nil, apperr.Transient(err, "check open rides of %s", req.RiderID)
	}
	if len(open) > 0 {
		return nil, apperr.Conflict(apperr.ReasonActiveRideExists,
			"rider already has an active ride %s; cancel it before booking a new one", open[0].ID)
	}

	startOTP, err := generateOTP(otpLength)
	if err != nil {
		return nil, err
	}
	stopOTP, err := generateOTP(otpLength)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &models.Ride{
		ID:                uuid.NewString(),
		RiderID:           req.RiderID,
		Pickup:            req.Pickup,
		Dropoff:           req.Dropoff,
		PickupAddress:     req.PickupAddress,
		DropoffAddress:    req.DropoffAddress,
		BookingType:       req.BookingType,
		BookingMeta:       meta,
		Fare:              req.Fare,
		DistanceKm:        geo.DistanceKm(req.Pickup, req.Dropoff),
		PaymentMethod:     req.PaymentMethod,
		Status:            models.StatusRequested,
		NotifiedDrivers:   []string{},
		RejectedDrivers:   []string{},
		OfferedDrivers:    []string{},
		StartOTP:          startOTP,
		StopOTP:           stopOTP,
		RiderConnectionID: req.RiderConnectionID,
		RequestedAt:       now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateRide(ctx, r); err != nil {
		return nil, apperr.Transient(err, "persist ride")
	}
	observability.RidesCreated.Inc()
	s.logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "booking_type", r.BookingType)

	if err := s.queue.Enqueue(ctx, queue.Job{RideID: r.ID}); err != nil {
		// the stale-ride sweeper picks the ride up later
		s.logger.Error("enqueue dispatch job", "ride_id", r.ID, "error", err)
	}

	out := &Created{Ride: r, StartOTP: startOTP, StopOTP: stopOTP}
	s.notifier.Notify(ctx, fanout.Message{
		To: models.PartyRider, ToID: r.RiderID, RideID: r.ID,
		Event: models.EventRideRequested, Text: "Looking for a driver near you", Payload: out,
	})
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride %s not found", id)
	}
	if err != nil {
		return nil, apperr.Transient(err, "load ride %s", id)
	}
	return r, nil
}

// ListByRider returns the rider's rides, oldest first.
func (s *Service) ListByRider(ctx context.Context, riderID string, limit int) ([]*models.Ride, error) {
	out, err := s.store.ListRides(ctx, storage.RideFilter{RiderID: riderID, Limit: limit})
	if err != nil {
		return nil, apperr.Transient(err, "list rides of %s", riderID)
	}
	return out, nil
}
