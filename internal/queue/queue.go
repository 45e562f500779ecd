// Package queue carries dispatch jobs between ride creation, rejection
// handling and the dispatch workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

const DispatchTopic = "ride-dispatch"

var (
	ErrClosed = errors.New("queue: closed")
	ErrPanic  = errors.New("queue: handler panicked")
)

// Job asks a worker to run one discovery round for a ride. Round is the
// DispatchRound the ride must still be at for the job to be acted on.
type Job struct {
	RideID string `json:"rideId"`
	Round  int    `json:"round"`
}

type Handler func(ctx context.Context, job Job) error

type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Queue delivers every enqueued job to a handler at least once.
type Queue interface {
	Enqueuer
	// Run blocks, feeding jobs to h from Concurrency goroutines, until ctx
	// is cancelled.
	Run(ctx context.Context, h Handler) error
	Close() error
}

type Options struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	return o
}

// handleWithRetry runs h until it succeeds or attempts run out, doubling the
// delay between tries.
func handleWithRetry(ctx context.Context, logger *slog.Logger, h Handler, job Job, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = safeHandle(ctx, logger, h, job); err == nil {
			observability.QueueJobsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		if i == attempts-1 {
			break
		}
		logger.Warn("dispatch job failed, retrying", "ride_id", job.RideID, "round", job.Round, "attempt", i+1, "error", err)
		observability.QueueJobsTotal.WithLabelValues("retry").Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	observability.QueueJobsTotal.WithLabelValues("dropped").Inc()
	logger.Error("dispatch job dropped", "ride_id", job.RideID, "round", job.Round, "error", err)
	return err
}

// safeHandle turns a panic in h into an error so the retry policy applies.
func safeHandle(ctx context.Context, logger *slog.Logger, h Handler, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in dispatch job", "ride_id", job.RideID, "round", job.Round, "panic", rec)
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	return h(ctx, job)
}

// Memory is an in-process Queue backed by a buffered channel. The channel
// is never closed; done tells producers and consumers the queue is gone.
type Memory struct {
	opts   Options
	logger *slog.Logger
	jobs   chan Job
	done   chan struct{}
	once   sync.Once
}

func NewMemory(logger *slog.Logger, opts Options, buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{opts: opts.withDefaults(), logger: logger, jobs: make(chan Job, buffer), done: make(chan struct{})}
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.jobs <- job:
		observability.QueueJobsTotal.WithLabelValues("enqueued").Inc()
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case job := <-m.jobs:
					_ = handleWithRetry(ctx, m.logger, h, job, m.opts.MaxAttempts, m.opts.Backoff)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Len reports how many jobs are waiting.
func (m *Memory) Len() int { return len(m.jobs) }
