package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// transition writes upd only if the ride still has the status and driver
// observed in r. A lost race is reported with the status that won.
func (s *Service) transition(ctx context.Context, r *models.Ride, next models.RideStatus, upd storage.RideUpdate) (*models.Ride, error) {
	cond := storage.RideCond{StatusIn: []models.RideStatus{r.Status}}
	if r.DriverID != "" {
		cond.DriverID = r.DriverID
	} else {
		cond.DriverUnset = true
	}
	upd.Status = &next

	updated, err := s.store.UpdateRide(ctx, r.ID, cond, upd)
	switch {
	case err == nil:
		observability.RideTransitions.WithLabelValues(string(next)).Inc()
		s.logger.Info("ride status changed", "ride_id", r.ID, "from", r.Status, "to", next)
		return updated, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.NotFound("ride %s not found", r.ID)
	case errors.Is(err, storage.ErrPrecondition):
		cur, gerr := s.store.GetRide(ctx, r.ID)
		if gerr != nil {
			return nil, apperr.Conflict(apperr.ReasonInvalidTransition, "ride %s changed concurrently", r.ID)
		}
		return nil, apperr.Conflict(apperr.ReasonInvalidTransition, "ride %s is %s, cannot move to %s", r.ID, cur.Status, next)
	}
	return nil, apperr.Transient(err, "update ride %s", r.ID)
}

func (s *Service) loadFor(ctx context.Context, rideID string, next models.RideStatus) (*models.Ride, error) {
	r, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !r.Status.CanTransition(next) {
		return nil, apperr.Conflict(apperr.ReasonInvalidTransition, "ride %s is %s, cannot move to %s", r.ID, r.Status, next)
	}
	return r, nil
}

func checkDriver(r *models.Ride, driverID string) error {
	if driverID != "" && r.DriverID != driverID {
		return apperr.Conflict(apperr.ReasonAlreadyAssigned, "ride %s is not assigned to driver %s", r.ID, driverID)
	}
	return nil
}

// MarkArrived moves an accepted ride to arrived.
func (s *Service) MarkArrived(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.loadFor(ctx, rideID, models.StatusArrived)
	if err != nil {
		return nil, err
	}
	if err := checkDriver(r, driverID); err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.transition(ctx, r, models.StatusArrived, storage.RideUpdate{ArrivedAt: &now})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, updated, models.EventDriverArrived, "Your driver has arrived")
	return updated, nil
}

// Start requires the start code generated at creation.
func (s *Service) Start(ctx context.Context, rideID, driverID, otp string) (*models.Ride, error) {
	r, err := s.loadFor(ctx, rideID, models.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if err := checkDriver(r, driverID); err != nil {
		return nil, err
	}
	if !otpMatches(r.StartOTP, otp) {
		return nil, apperr.OTPMismatch("start code does not match")
	}
	now := s.now()
	updated, err := s.transition(ctx, r, models.StatusInProgress, storage.RideUpdate{ActualStartTime: &now})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, updated, models.EventRideStarted, "Your ride has started")
	return updated, nil
}

// Complete requires the stop code and fixes the final fare. A nil fare
// keeps the quoted one.
func (s *Service) Complete(ctx context.Context, rideID, driverID, otp string, fare *float64) (*models.Ride, error) {
	if fare != nil && *fare < 0 {
		return nil, apperr.Validation("fare must not be negative")
	}
	r, err := s.loadFor(ctx, rideID, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	if err := checkDriver(r, driverID); err != nil {
		return nil, err
	}
	if !otpMatches(r.StopOTP, otp) {
		return nil, apperr.OTPMismatch("stop code does not match")
	}
	now := s.now()
	final := r.Fare
	if fare != nil {
		final = *fare
	}
	updated, err := s.transition(ctx, r, models.StatusCompleted, storage.RideUpdate{ActualEndTime: &now, Fare: &final})
	if err != nil {
		return nil, err
	}
	s.releaseDriver(ctx, updated.ID, updated.DriverID)
	s.notifier.CloseRoom(updated.ID)
	s.notifyBoth(ctx, updated, models.EventRideCompleted, fmt.Sprintf("Ride completed, fare %.2f", final))
	return updated, nil
}

type CancelRequest struct {
	RideID  string
	By      models.Party
	ActorID string
	Reason  string
}

type CancelResult struct {
	Ride             *models.Ride
	PreviousDriverID string
}

// Cancel works from any non-terminal status. The driver reference is
// cleared and returned so its availability can be repaired.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if !req.By.Valid() {
		return nil, apperr.Validation("cancelledBy must be rider, driver or system")
	}
	r, err := s.loadFor(ctx, req.RideID, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	switch req.By {
	case models.PartyRider:
		if req.ActorID != "" && req.ActorID != r.RiderID {
			return nil, apperr.Validation("ride %s does not belong to rider %s", r.ID, req.ActorID)
		}
	case models.PartyDriver:
		if req.ActorID == "" || req.ActorID != r.DriverID {
			return nil, apperr.Conflict(apperr.ReasonAlreadyAssigned, "ride %s is not assigned to driver %s", r.ID, req.ActorID)
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + string(req.By)
	}

	now := s.now()
	noDriver := ""
	updated, err := s.transition(ctx, r, models.StatusCancelled, storage.RideUpdate{
		DriverID:           &noDriver,
		CancelledBy:        &req.By,
		CancellationReason: &reason,
		CancelledAt:        &now,
	})
	if err != nil {
		return nil, err
	}
	s.afterCancel(ctx, r, updated)
	return &CancelResult{Ride: updated, PreviousDriverID: r.DriverID}, nil
}

// CancelUnmatched is the system cancellation of a ride nobody took. It
// only applies while the ride is still requested in the given round.
func (s *Service) CancelUnmatched(ctx context.Context, rideID string, round int, reason string) (*models.Ride, error) {
	now := s.now()
	cancelled := models.StatusCancelled
	system := models.PartySystem
	updated, err := s.store.UpdateRide(ctx, rideID,
		storage.RideCond{StatusIn: []models.RideStatus{models.StatusRequested}, DriverUnset: true, Round: &round},
		storage.RideUpdate{Status: &cancelled, CancelledBy: &system, CancellationReason: &reason, CancelledAt: &now},
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.NotFound("ride %s not found", rideID)
	case errors.Is(err, storage.ErrPrecondition):
		return nil, apperr.Conflict(apperr.ReasonNotAvailable, "ride %s moved on before cancellation", rideID)
	case err != nil:
		return nil, apperr.Transient(err, "cancel ride %s", rideID)
	}
	observability.RideTransitions.WithLabelValues(string(cancelled)).Inc()
	s.logger.Info("ride cancelled by system", "ride_id", rideID, "round", round, "reason", reason)

	s.notifier.Notify(ctx, fanout.Message{
		To: models.PartyRider, ToID: updated.RiderID, RideID: rideID,
		Event: models.EventNoDriverFound, Text: reason, Payload: updated,
	})
	before := updated.Clone()
	before.Status = models.StatusRequested
	s.afterCancel(ctx, before, updated)
	return updated, nil
}

func (s *Service) afterCancel(ctx context.Context, before, after *models.Ride) {
	if before.DriverID != "" {
		s.releaseDriver(ctx, after.ID, before.DriverID)
	}
	if s.locks != nil && before.Status == models.StatusRequested {
		for _, id := range before.OfferedDrivers {
			_ = s.locks.Release(ctx, lock.DriverKey(id), after.ID)
		}
	}
	s.notifier.CloseRoom(after.ID)

	text := after.CancellationReason
	s.notifier.Notify(ctx, fanout.Message{
		To: models.PartyRider, ToID: after.RiderID, RideID: after.ID,
		Event: models.EventRideCancelled, Text: text, Payload: after,
	})
	if before.DriverID != "" {
		s.notifier.Notify(ctx, fanout.Message{
			To: models.PartyDriver, ToID: before.DriverID, RideID: after.ID,
			Event: models.EventRideCancelled, Text: text, Payload: after,
		})
		return
	}
	for _, id := range before.OfferedDrivers {
		if before.HasRejected(id) {
			continue
		}
		s.notifier.Notify(ctx, fanout.Message{
			To: models.PartyDriver, ToID: id, RideID: after.ID,
			Event: models.EventRideCancelled, Text: "The ride request was withdrawn", Payload: after,
		})
	}
}

// releaseDriver drops the driver's reservation for the ride and repairs
// its busy flag.
func (s *Service) releaseDriver(ctx context.Context, rideID, driverID string) {
	if driverID == "" {
		return
	}
	if s.locks != nil {
		for _, key := range []string{lock.DriverKey(driverID), lock.BookingKey(driverID, rideID)} {
			if err := s.locks.Release(ctx, key, rideID); err != nil {
				s.logger.Warn("release driver lock", "ride_id", rideID, "driver_id", driverID, "key", key, "error", err)
			}
		}
	}
	if s.reconciler == nil {
		return
	}
	if _, err := s.reconciler.Reconcile(ctx, driverID); err != nil {
		s.logger.Warn("reconcile driver", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

func (s *Service) notifyBoth(ctx context.Context, r *models.Ride, event, text string) {
	s.notifier.Notify(ctx, fanout.Message{To: models.PartyRider, ToID: r.RiderID, RideID: r.ID, Event: event, Text: text, Payload: r})
	if r.DriverID != "" {
		s.notifier.Notify(ctx, fanout.Message{To: models.PartyDriver, ToID: r.DriverID, RideID: r.ID, Event: event, Text: text, Payload: r})
	}
}
