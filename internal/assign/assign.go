// Package assign binds a driver to a ride. Under any number of concurrent
// accepts for one ride exactly one wins; the conditional ride write decides.
package assign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/storage"
)

type Store interface {
	storage.RideStore
	storage.DriverStore
}

type Notifier interface {
	Notify(ctx context.Context, m fanout.Message) bool
	OpenRoom(rideID, riderID, driverID string)
}

type Assigner struct {
	store    Store
	locks    lock.Locker
	notifier Notifier
	queue    queue.Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, locks lock.Locker, n Notifier, q queue.Enqueuer, logger *slog.Logger) *Assigner {
	return &Assigner{store: store, locks: locks, notifier: n, queue: q, logger: logger, now: time.Now}
}

func (a *Assigner) WithClock(now func() time.Time) *Assigner {
	a.now = now
	return a
}

func (a *Assigner) load(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := a.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride %s not found", rideID)
	}
	if err != nil {
		return nil, apperr.Transient(err, "load ride %s", rideID)
	}
	return r, nil
}

// Assign accepts rideID on behalf of driverID. Repeating a successful
// accept returns the ride unchanged.
func (a *Assigner) Assign(ctx context.Context, rideID, driverID, connID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validation("rideId and driverId are required")
	}
	log := a.logger.With("ride_id", rideID, "driver_id", driverID)

	r, err := a.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return a.classify(ctx, rideID, driverID)
	}

	if a.locks != nil {
		owner, err := a.locks.Owner(ctx, lock.DriverKey(driverID))
		switch {
		case err != nil:
			log.Warn("lock store unavailable, relying on conditional write", "error", err)
		case owner != rideID:
			// a winner releases the losers' locks, so report the real cause
			if cur, err := a.load(ctx, rideID); err == nil && (cur.Status != models.StatusRequested || cur.DriverID != "") {
				return a.classify(ctx, rideID, driverID)
			}
			observability.AssignmentsTotal.WithLabelValues(apperr.ReasonLockMismatch).Inc()
			return nil, apperr.Conflict(apperr.ReasonLockMismatch, "offer for ride %s is not held by driver %s", rideID, driverID)
		}
	}

	if r.BookingType == models.BookingDateWise {
		if err := a.checkDates(ctx, r, driverID); err != nil {
			observability.AssignmentsTotal.WithLabelValues(apperr.ReasonOf(err)).Inc()
			if apperr.IsConflict(err) && a.locks != nil {
				_ = a.locks.Release(ctx, lock.DriverKey(driverID), rideID)
			}
			return nil, err
		}
	}

	now := a.now()
	accepted := models.StatusAccepted
	updated, err := a.store.UpdateRide(ctx, rideID,
		storage.RideCond{
			StatusIn:    []models.RideStatus{models.StatusRequested},
			DriverUnset: true,
			Notified:    driverID,
			NotRejected: driverID,
		},
		storage.RideUpdate{Status: &accepted, DriverID: &driverID, DriverConnectionID: &connID, AcceptedAt: &now},
	)
	if errors.Is(err, storage.ErrPrecondition) {
		return a.classify(ctx, rideID, driverID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride %s not found", rideID)
	}
	if err != nil {
		return nil, apperr.Transient(err, "assign ride %s", rideID)
	}

	observability.AssignmentsTotal.WithLabelValues("won").Inc()
	observability.RideTransitions.WithLabelValues(string(accepted)).Inc()
	log.Info("ride assigned", "booking_type", updated.BookingType)

	a.commitDriver(ctx, updated, driverID, now)
	a.notifier.OpenRoom(updated.ID, updated.RiderID, driverID)

	driver, _ := a.store.GetDriver(ctx, driverID)
	a.notifier.Notify(ctx, fanout.Message{
		To: models.PartyRider, ToID: updated.RiderID, RideID: updated.ID,
		Event: models.EventRideAccepted, Text: "A driver accepted your ride",
		Payload: acceptedPayload{Ride: updated, Driver: driver},
	})
	a.notifier.Notify(ctx, fanout.Message{
		To: models.PartyDriver, ToID: driverID, RideID: updated.ID,
		Event: models.EventRideAssigned, Text: "Ride assigned to you", Payload: updated,
	})
	return updated, nil
}

type acceptedPayload struct {
	Ride   *models.Ride   `json:"ride"`
	Driver *models.Driver `json:"driver,omitempty"`
}

// classify explains why the conditional accept did not match.
func (a *Assigner) classify(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	cur, err := a.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	var out error
	switch {
	case cur.DriverID == driverID && cur.Status.Active():
		observability.AssignmentsTotal.WithLabelValues("repeat").Inc()
		return cur, nil
	case cur.DriverID != "":
		out = apperr.Conflict(apperr.ReasonAlreadyAssigned, "Ride already accepted by another driver")
	case cur.Status != models.StatusRequested:
		out = apperr.Conflict(apperr.ReasonNotAvailable, "Ride is no longer available (status: %s)", cur.Status)
	case !cur.WasNotified(driverID) || cur.HasRejected(driverID):
		out = apperr.Conflict(apperr.ReasonNotOffered, "ride %s was not offered to driver %s", rideID, driverID)
	default:
		out = apperr.Conflict(apperr.ReasonNotAvailable, "Ride is no longer available (status: %s)", cur.Status)
	}
	observability.AssignmentsTotal.WithLabelValues(apperr.ReasonOf(out)).Inc()
	return nil, out
}

func (a *Assigner) checkDates(ctx context.Context, r *models.Ride, driverID string) error {
	held, err := a.store.ListRides(ctx, storage.RideFilter{
		DriverID:     driverID,
		Statuses:     models.ActiveStatuses(),
		BookingTypes: []models.BookingType{models.BookingDateWise},
	})
	if err != nil {
		return apperr.Transient(err, "list date-wise rides of %s", driverID)
	}
	for _, other := range held {
		if other.ID != r.ID && models.DatesOverlap(other.BookingMeta.Dates, r.BookingMeta.Dates) {
			return apperr.Conflict(apperr.ReasonDateConflict, "driver %s is already booked on one of these dates (ride %s)", driverID, other.ID)
		}
	}
	return nil
}

// commitDriver marks the winner busy and settles advisory locks. Failures
// here are repaired later by the reconciler sweep, so they are only logged.
//
// INSTANT rides make the driver busy. FULL_DAY and RENTAL make it busy
// until the latest booking end it holds. DATE_WISE leaves the flag alone;
// the date check on accept keeps those bookings apart.
func (a *Assigner) commitDriver(ctx context.Context, r *models.Ride, driverID string, now time.Time) {
	var end time.Time
	busy := true
	switch {
	case r.BookingType == models.BookingDateWise:
	case r.BookingType.Scheduled():
		var ok bool
		if end, ok = r.BookingMeta.End(r.BookingType); ok {
			until := end
			if d, err := a.store.GetDriver(ctx, driverID); err == nil && d.BusyUntil != nil && d.BusyUntil.After(until) {
				until = *d.BusyUntil
			}
			a.updateDriver(ctx, r.ID, driverID, storage.DriverUpdate{IsBusy: &busy, BusyUntil: &until})
		}
	default:
		a.updateDriver(ctx, r.ID, driverID, storage.DriverUpdate{IsBusy: &busy})
	}

	if a.locks == nil {
		return
	}
	if err := a.locks.Release(ctx, lock.DriverKey(driverID), r.ID); err != nil {
		a.logger.Warn("release driver lock", "ride_id", r.ID, "driver_id", driverID, "error", err)
	}
	if end.After(now) {
		if _, err := a.locks.Acquire(ctx, lock.BookingKey(driverID, r.ID), r.ID, end.Sub(now)); err != nil {
			a.logger.Warn("hold driver for booking", "ride_id", r.ID, "driver_id", driverID, "error", err)
		}
	}
	for _, id := range r.OfferedDrivers {
		if id == driverID {
			continue
		}
		_ = a.locks.Release(ctx, lock.DriverKey(id), r.ID)
	}
}

func (a *Assigner) updateDriver(ctx context.Context, rideID, driverID string, upd storage.DriverUpdate) {
	if _, err := a.store.UpdateDriver(ctx, driverID, upd); err != nil {
		a.logger.Error("mark driver busy", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

// Reject records a decline. When every driver offered in the current round
// has declined, the next round is queued straight away.
func (a *Assigner) Reject(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validation("rideId and driverId are required")
	}
	updated, err := a.store.UpdateRide(ctx, rideID,
		storage.RideCond{StatusIn: []models.RideStatus{models.StatusRequested}, DriverUnset: true, Notified: driverID},
		storage.RideUpdate{AddRejected: []string{driverID}},
	)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride %s not found", rideID)
	}
	if errors.Is(err, storage.ErrPrecondition) {
		cur, lerr := a.load(ctx, rideID)
		if lerr != nil {
			return nil, lerr
		}
		if cur.Status != models.StatusRequested {
			return nil, apperr.Conflict(apperr.ReasonNotAvailable, "Ride is no longer available (status: %s)", cur.Status)
		}
		return nil, apperr.Conflict(apperr.ReasonNotOffered, "ride %s was not offered to driver %s", rideID, driverID)
	}
	if err != nil {
		return nil, apperr.Transient(err, "reject ride %s", rideID)
	}

	a.logger.Info("ride rejected", "ride_id", rideID, "driver_id", driverID, "round", updated.DispatchRound)
	if a.locks != nil {
		_ = a.locks.Release(ctx, lock.DriverKey(driverID), rideID)
	}
	if updated.RoundExhausted() {
		job := queue.Job{RideID: rideID, Round: updated.DispatchRound}
		if err := a.queue.Enqueue(ctx, job); err != nil {
			a.logger.Error("enqueue reassignment", "ride_id", rideID, "round", job.Round, "error", err)
		} else {
			a.logger.Info("every offered driver declined, reassigning", "ride_id", rideID, "round", job.Round)
		}
	}
	return updated, nil
}
