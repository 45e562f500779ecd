// Package dispatch runs discovery rounds for requested rides and keeps
// retrying until a driver accepts or the ride is cancelled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/discovery"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/storage"
)

const ReasonNoDriverAccepted = "no driver accepted the ride"

type Searcher interface {
	Search(ctx context.Context, q discovery.Query) (discovery.Result, error)
}

type Notifier interface {
	Notify(ctx context.Context, m fanout.Message) bool
}

type Canceller interface {
	CancelUnmatched(ctx context.Context, rideID string, round int, reason string) (*models.Ride, error)
}

type Estimator interface {
	Estimate(ctx context.Context, from, to models.Geopoint) float64
}

type Config struct {
	Radii         []float64
	ExpandedRadii []float64
	// MaxRounds bounds how many discovery rounds a ride may go through
	// before the system gives up on it.
	MaxRounds    int
	OfferTimeout time.Duration
	LockTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Radii == nil {
		c.Radii = discovery.DefaultRadii
	}
	if c.ExpandedRadii == nil {
		c.ExpandedRadii = discovery.ExpandedRadii
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 45 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	return c
}

// Offer is the payload of newRideRequest.
type Offer struct {
	RideID            string             `json:"rideId"`
	Pickup            models.Geopoint    `json:"pickup"`
	Dropoff           models.Geopoint    `json:"dropoff"`
	PickupAddress     string             `json:"pickupAddress,omitempty"`
	DropoffAddress    string             `json:"dropoffAddress,omitempty"`
	BookingType       models.BookingType `json:"bookingType"`
	BookingMeta       models.BookingMeta `json:"bookingMeta"`
	Fare              float64            `json:"fare"`
	DistanceKm        float64            `json:"distanceKm"`
	DistanceToPickupM float64            `json:"distanceToPickupM"`
	ETASeconds        float64            `json:"etaSeconds"`
	Round             int                `json:"round"`
	ExpiresAt         time.Time          `json:"expiresAt"`
}

type Worker struct {
	store    storage.RideStore
	search   Searcher
	locks    lock.Locker
	notifier Notifier
	cancel   Canceller
	queue    queue.Enqueuer
	eta      Estimator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	after    func(d time.Duration, f func())
	base     context.Context
}

func NewWorker(store storage.RideStore, s Searcher, locks lock.Locker, n Notifier, c Canceller, q queue.Enqueuer, eta Estimator, cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		store:    store,
		search:   s,
		locks:    locks,
		notifier: n,
		cancel:   c,
		queue:    q,
		eta:      eta,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		after:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		base:     context.Background(),
	}
}

// Run consumes q until ctx is cancelled. Offer timers fire against ctx.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	w.base = ctx
	w.logger.Info("dispatch worker started")
	return q.Run(ctx, w.Handle)
}

// Handle runs one discovery round. Returning an error hands the job back
// to the queue for retry, so only transient failures do that.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()
	log := w.logger.With("ride_id", job.RideID, "round", job.Round)

	r, err := w.store.GetRide(ctx, job.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("dispatch job for unknown ride")
		observability.DispatchRounds.WithLabelValues("unknown").Inc()
		return nil
	}
	if err != nil {
		return apperr.Transient(err, "load ride %s", job.RideID)
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		log.Debug("ride no longer requested, job discarded", "status", r.Status)
		observability.DispatchRounds.WithLabelValues("stale").Inc()
		return nil
	}
	if r.DispatchRound != job.Round {
		log.Debug("round already handled, job discarded", "ride_round", r.DispatchRound)
		observability.DispatchRounds.WithLabelValues("duplicate").Inc()
		return nil
	}
	if job.Round >= w.cfg.MaxRounds {
		observability.DispatchRounds.WithLabelValues("exhausted").Inc()
		return w.giveUp(ctx, r, job.Round, ReasonNoDriverAccepted)
	}

	radii := w.cfg.Radii
	if job.Round > 0 {
		radii = w.cfg.ExpandedRadii
	}
	res, err := w.search.Search(ctx, discovery.Query{
		Pickup:      r.Pickup,
		Radii:       radii,
		BookingType: r.BookingType,
		Exclude:     r.RejectedDrivers,
	})
	if err != nil {
		if apperr.IsTransient(err) {
			return err
		}
		log.Error("discovery failed", "error", err)
		observability.DispatchRounds.WithLabelValues("error").Inc()
		return nil
	}
	if res.Empty() {
		observability.DispatchRounds.WithLabelValues("no_supply").Inc()
		return w.giveUp(ctx, r, job.Round, fmt.Sprintf("no drivers within %.0fm", res.RadiusUsed))
	}
	observability.DiscoveryRadius.Observe(res.RadiusUsed)

	offered := w.reserve(ctx, r.ID, res.Drivers)
	ids := make([]string, len(offered))
	for i, c := range offered {
		ids[i] = c.Driver.ID
	}

	next := job.Round + 1
	claimed, err := w.store.UpdateRide(ctx, r.ID,
		storage.RideCond{StatusIn: []models.RideStatus{models.StatusRequested}, DriverUnset: true, Round: &job.Round},
		storage.RideUpdate{Round: &next, Offered: ids, AddNotified: ids},
	)
	if errors.Is(err, storage.ErrPrecondition) || errors.Is(err, storage.ErrNotFound) {
		log.Debug("round claimed elsewhere or ride moved on")
		observability.DispatchRounds.WithLabelValues("duplicate").Inc()
		w.unreserve(ctx, r.ID, ids)
		return nil
	}
	if err != nil {
		return apperr.Transient(err, "claim round for ride %s", r.ID)
	}

	expires := w.now().Add(w.cfg.OfferTimeout)
	for _, c := range offered {
		w.notifier.Notify(ctx, fanout.Message{
			To: models.PartyDriver, ToID: c.Driver.ID, RideID: r.ID,
			Event: models.EventNewRideRequest, Text: "New ride request nearby",
			Payload: w.offer(ctx, claimed, c, expires),
		})
	}
	if len(offered) == 0 {
		log.Info("every candidate is reserved by another ride, waiting", "candidates", len(res.Drivers))
	} else {
		log.Info("ride offered", "radius_m", res.RadiusUsed, "drivers", len(offered))
	}
	observability.DispatchRounds.WithLabelValues("offered").Inc()

	w.after(w.cfg.OfferTimeout, func() { w.offerExpired(r.ID, next) })
	return nil
}

// reserve takes the advisory lock of each candidate for this ride and
// drops candidates already reserved for a different ride. A lock store
// failure keeps the candidate; the conditional accept still decides.
func (w *Worker) reserve(ctx context.Context, rideID string, cands []discovery.Candidate) []discovery.Candidate {
	if w.locks == nil {
		return cands
	}
	out := make([]discovery.Candidate, 0, len(cands))
	for _, c := range cands {
		ok, err := w.locks.Acquire(ctx, lock.DriverKey(c.Driver.ID), rideID, w.cfg.LockTTL)
		if err != nil {
			w.logger.Warn("lock store unavailable", "ride_id", rideID, "driver_id", c.Driver.ID, "error", err)
			out = append(out, c)
			continue
		}
		if !ok {
			w.logger.Debug("driver reserved for another ride", "ride_id", rideID, "driver_id", c.Driver.ID)
			continue
		}
		out = append(out, c)
	}
	return out
}

// unreserve drops the reservations a losing round claim took. Drivers the
// winning claim offered keep theirs, since both claims share the ride as
// lock owner.
func (w *Worker) unreserve(ctx context.Context, rideID string, ids []string) {
	if w.locks == nil || len(ids) == 0 {
		return
	}
	keep := map[string]bool{}
	if cur, err := w.store.GetRide(ctx, rideID); err == nil && cur.Status == models.StatusRequested && cur.DriverID == "" {
		for _, id := range cur.OfferedDrivers {
			keep[id] = true
		}
	}
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := w.locks.Release(ctx, lock.DriverKey(id), rideID); err != nil {
			w.logger.Warn("release driver lock", "ride_id", rideID, "driver_id", id, "error", err)
		}
	}
}

func (w *Worker) offer(ctx context.Context, r *models.Ride, c discovery.Candidate, expires time.Time) Offer {
	o := Offer{
		RideID:            r.ID,
		Pickup:            r.Pickup,
		Dropoff:           r.Dropoff,
		PickupAddress:     r.PickupAddress,
		DropoffAddress:    r.DropoffAddress,
		BookingType:       r.BookingType,
		BookingMeta:       r.BookingMeta,
		Fare:              r.Fare,
		DistanceKm:        r.DistanceKm,
		DistanceToPickupM: c.DistanceM,
		Round:             r.DispatchRound,
		ExpiresAt:         expires,
	}
	if w.eta != nil {
		o.ETASeconds = w.eta.Estimate(ctx, c.Driver.Location, r.Pickup)
	}
	return o
}

func (w *Worker) giveUp(ctx context.Context, r *models.Ride, round int, reason string) error {
	_, err := w.cancel.CancelUnmatched(ctx, r.ID, round, reason)
	switch {
	case err == nil:
		return nil
	case apperr.IsTransient(err):
		return err
	default:
		w.logger.Debug("system cancellation skipped", "ride_id", r.ID, "round", round, "error", err)
		return nil
	}
}

// offerExpired queues the next round when nobody answered in time.
func (w *Worker) offerExpired(rideID string, round int) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("panic in offer timeout", "ride_id", rideID, "round", round, "panic", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(w.base, 10*time.Second)
	defer cancel()
	if ctx.Err() != nil {
		return
	}
	r, err := w.store.GetRide(ctx, rideID)
	if err != nil {
		w.logger.Warn("offer timeout: load ride", "ride_id", rideID, "error", err)
		return
	}
	if r.Status != models.StatusRequested || r.DriverID != "" || r.DispatchRound != round {
		return
	}
	w.logger.Info("offer round timed out", "ride_id", rideID, "round", round)
	if err := w.queue.Enqueue(ctx, queue.Job{RideID: rideID, Round: round}); err != nil {
		w.logger.Error("enqueue after timeout", "ride_id", rideID, "round", round, "error", err)
	}
}
