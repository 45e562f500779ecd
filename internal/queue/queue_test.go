package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandleWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, job Job) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}
	start := time.Now()
	err := handleWithRetry(context.Background(), discard(), h, Job{RideID: "r1"}, 3, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestHandleWithRetryGivesUp(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, job Job) error {
		calls++
		return errors.New("down")
	}
	err := handleWithRetry(context.Background(), discard(), h, Job{RideID: "r1"}, 2, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestMemoryQueueDeliversEveryJob(t *testing.T) {
	q := NewMemory(discard(), Options{Concurrency: 3}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(5)
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, job Job) error {
			mu.Lock()
			seen[job.RideID] = job.Round
			mu.Unlock()
			wg.Done()
			return nil
		})
	}()

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Enqueue(ctx, Job{RideID: id, Round: i}))
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
	assert.Equal(t, 4, seen["e"])
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemory(discard(), Options{}, 1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{RideID: "r1"}), ErrClosed)
}

func TestHandleWithRetryRecoversPanics(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, job Job) error {
		calls++
		panic("nil ride")
	}
	var err error
	require.NotPanics(t, func() {
		err = handleWithRetry(context.Background(), discard(), h, Job{RideID: "r1"}, 2, time.Millisecond)
	})
	assert.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, 2, calls, "a panicking job is retried like a failing one")
}

func TestMemoryQueueKeepsServingAfterPanic(t *testing.T) {
	q := NewMemory(discard(), Options{Concurrency: 1, MaxAttempts: 1}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 2)
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, job Job) error {
			if job.RideID == "bad" {
				panic("boom")
			}
			handled <- job.RideID
			return nil
		})
	}()
	require.NoError(t, q.Enqueue(ctx, Job{RideID: "bad"}))
	require.NoError(t, q.Enqueue(ctx, Job{RideID: "good"}))

	select {
	case id := <-handled:
		assert.Equal(t, "good", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after a panicking job")
	}
}

func TestMemoryQueueCloseUnblocksFullEnqueue(t *testing.T) {
	q := NewMemory(discard(), Options{}, 1)
	require.NoError(t, q.Enqueue(context.Background(), Job{RideID: "r1"}))

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(context.Background(), Job{RideID: "r2"}) }()

	closed := make(chan struct{})
	go func() {
		_ = q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a waiting producer")
	}
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("producer never released")
	}
}
