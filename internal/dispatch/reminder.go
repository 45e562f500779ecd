package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// ReminderMarks are the lead times, shortest first, at which both parties
// of an accepted scheduled booking are reminded.
var ReminderMarks = []time.Duration{5 * time.Minute, 30 * time.Minute, 60 * time.Minute}

type Reminder struct {
	store    storage.RideStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewReminder(store storage.RideStore, n Notifier, logger *slog.Logger) *Reminder {
	return &Reminder{store: store, notifier: n, logger: logger, now: time.Now, sent: make(map[string]time.Time)}
}

func (r *Reminder) WithClock(now func() time.Time) *Reminder {
	r.now = now
	return r
}

// nextStart is the next moment the booking begins, if it lies ahead.
func nextStart(ride *models.Ride, now time.Time) (time.Time, bool) {
	switch ride.BookingType {
	case models.BookingFullDay, models.BookingRental:
		if s := ride.BookingMeta.StartTime; s != nil && s.After(now) {
			return *s, true
		}
	case models.BookingDateWise:
		for _, d := range ride.BookingMeta.Dates {
			if d.After(now) {
				return d, true
			}
		}
	}
	return time.Time{}, false
}

// Check sends every reminder that is due and returns how many it sent.
// Each (ride, start, mark) is reminded once.
func (r *Reminder) Check(ctx context.Context) (int, error) {
	rides, err := r.store.ListRides(ctx, storage.RideFilter{
		Statuses:     []models.RideStatus{models.StatusAccepted},
		BookingTypes: []models.BookingType{models.BookingFullDay, models.BookingRental, models.BookingDateWise},
	})
	if err != nil {
		return 0, err
	}
	now := r.now()
	sent := 0
	for _, ride := range rides {
		start, ok := nextStart(ride, now)
		if !ok {
			continue
		}
		lead := start.Sub(now)
		for _, mark := range ReminderMarks {
			if lead > mark {
				continue
			}
			if r.claim(fmt.Sprintf("%s|%d|%s", ride.ID, start.Unix(), mark), start) {
				r.remind(ctx, ride, start, lead)
				sent++
			}
			break
		}
	}
	r.prune(now)
	return sent, nil
}

func (r *Reminder) claim(key string, start time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.sent[key]; done {
		return false
	}
	r.sent[key] = start
	return true
}

func (r *Reminder) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, start := range r.sent {
		if start.Before(now) {
			delete(r.sent, k)
		}
	}
}

func (r *Reminder) remind(ctx context.Context, ride *models.Ride, start time.Time, lead time.Duration) {
	mins := int(lead.Round(time.Minute) / time.Minute)
	payload := map[string]any{"rideId": ride.ID, "startTime": start, "minutesUntilStart": mins}
	text := fmt.Sprintf("Your booking starts in %d minutes", mins)
	r.notifier.Notify(ctx, fanout.Message{To: models.PartyDriver, ToID: ride.DriverID, RideID: ride.ID, Event: models.EventBookingReminder, Text: text, Payload: payload})
	r.notifier.Notify(ctx, fanout.Message{To: models.PartyRider, ToID: ride.RiderID, RideID: ride.ID, Event: models.EventBookingReminder, Text: text, Payload: payload})
	r.logger.Info("booking reminder sent", "ride_id", ride.ID, "driver_id", ride.DriverID, "minutes", mins)
}

func (r *Reminder) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Check(ctx); err != nil {
				r.logger.Warn("booking reminder check failed", "error", err)
			}
		}
	}
}
