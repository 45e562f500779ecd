// Package reconcile repairs a driver's busy flag from its active rides.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	ReasonConsistent      = "consistent"
	ReasonNoActiveRides   = "no_active_rides"
	ReasonInstantNotBusy  = "instant_ride_not_busy"
	ReasonScheduledOnly   = "scheduled_only"
	ReasonWindowExpired   = "busy_window_expired"
	ReasonStaleBusyWindow = "stale_busy_until"
)

// Decision is what Decide wants written to the driver, if anything.
type Decision struct {
	Correct        bool
	IsBusy         bool
	ClearBusyUntil bool
	Reason         string
}

// Decide is a pure function of the driver and its active rides.
//
// A driver is busy iff it holds an active INSTANT ride or a busy window
// that has not ended yet.
func Decide(d *models.Driver, active []*models.Ride, now time.Time) Decision {
	hasInstant := false
	for _, r := range active {
		if r.BookingType == models.BookingInstant {
			hasInstant = true
			break
		}
	}
	windowOpen := d.BusyUntil != nil && d.BusyUntil.After(now)

	switch {
	case len(active) == 0 && d.IsBusy:
		return Decision{Correct: true, IsBusy: false, ClearBusyUntil: true, Reason: ReasonNoActiveRides}
	case len(active) == 0 && d.BusyUntil != nil:
		return Decision{Correct: true, IsBusy: false, ClearBusyUntil: true, Reason: ReasonStaleBusyWindow}
	case hasInstant && !d.IsBusy:
		return Decision{Correct: true, IsBusy: true, Reason: ReasonInstantNotBusy}
	case !hasInstant && d.IsBusy && !windowOpen:
		return Decision{Correct: true, IsBusy: false, ClearBusyUntil: true, Reason: ReasonWindowExpired}
	case len(active) > 0 && !hasInstant && !d.IsBusy:
		return Decision{Reason: ReasonScheduledOnly}
	}
	return Decision{Reason: ReasonConsistent}
}

type Result struct {
	Corrected bool
	Reason    string
	Active    int
}

type Reconciler struct {
	rides   storage.RideStore
	drivers storage.DriverStore
	logger  *slog.Logger
	now     func() time.Time
}

func New(rides storage.RideStore, drivers storage.DriverStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{rides: rides, drivers: drivers, logger: logger, now: time.Now}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile is safe to call redundantly.
func (r *Reconciler) Reconcile(ctx context.Context, driverID string) (Result, error) {
	d, err := r.drivers.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperr.NotFound("driver %s not found", driverID)
	}
	if err != nil {
		return Result{}, apperr.Transient(err, "load driver %s", driverID)
	}
	active, err := r.rides.ListRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: models.ActiveStatuses()})
	if err != nil {
		return Result{}, apperr.Transient(err, "list active rides of %s", driverID)
	}

	dec := Decide(d, active, r.now())
	res := Result{Reason: dec.Reason, Active: len(active)}
	if !dec.Correct {
		r.logger.Debug("driver status consistent", "driver_id", driverID, "is_busy", d.IsBusy, "active", len(active), "reason", dec.Reason)
		return res, nil
	}

	upd := storage.DriverUpdate{IsBusy: &dec.IsBusy, ClearBusyUntil: dec.ClearBusyUntil}
	if _, err := r.drivers.UpdateDriver(ctx, driverID, upd); err != nil {
		return res, fmt.Errorf("correct driver %s: %w", driverID, err)
	}
	observability.ReconcileCorrections.WithLabelValues(dec.Reason).Inc()
	r.logger.Info("driver status corrected",
		"driver_id", driverID, "was_busy", d.IsBusy, "is_busy", dec.IsBusy, "active", len(active), "reason", dec.Reason)
	res.Corrected = true
	return res, nil
}

// SweepBusy reconciles every driver that is busy or carries a busy window,
// which catches windows that expired with nobody cancelling anything.
func (r *Reconciler) SweepBusy(ctx context.Context) (int, error) {
	drivers, err := r.drivers.ListBusyDrivers(ctx)
	if err != nil {
		return 0, err
	}
	corrected := 0
	for _, d := range drivers {
		res, err := r.Reconcile(ctx, d.ID)
		if err != nil {
			r.logger.Warn("reconcile failed", "driver_id", d.ID, "error", err)
			continue
		}
		if res.Corrected {
			corrected++
		}
	}
	return corrected, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.SweepBusy(ctx); err != nil {
				r.logger.Warn("busy sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("busy sweep corrected drivers", "count", n)
			}
		}
	}
}
