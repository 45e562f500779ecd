package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/storage"
)

// Sweeper re-queues requested rides nobody has touched for StaleAfter.
// Offer timers live in process memory, so a restart would otherwise
// strand them.
type Sweeper struct {
	store      storage.RideStore
	queue      queue.Enqueuer
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(store storage.RideStore, q queue.Enqueuer, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, queue: q, staleAfter: staleAfter, logger: logger, now: time.Now}
}

func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListRides(ctx, storage.RideFilter{
		Statuses:      []models.RideStatus{models.StatusRequested},
		UpdatedBefore: s.now().Add(-s.staleAfter),
		Limit:         500,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range stale {
		if err := s.queue.Enqueue(ctx, queue.Job{RideID: r.ID, Round: r.DispatchRound}); err != nil {
			s.logger.Warn("requeue stale ride", "ride_id", r.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("stale ride sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("stale rides requeued", "count", n)
			}
		}
	}
}
