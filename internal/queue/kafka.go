package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/observability"
)

// Kafka is a Queue over a topic. Jobs are keyed by ride id so every job
// of one ride lands on the same partition; concurrency comes from several
// readers in one consumer group.
type Kafka struct {
	brokers []string
	topic   string
	group   string
	opts    Options
	logger  *slog.Logger
	writer  *kafka.Writer
}

func NewKafka(logger *slog.Logger, brokers []string, topic, group string, opts Options) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Kafka{brokers: brokers, topic: topic, group: group, opts: opts.withDefaults(), logger: logger, writer: w}
}

func (k *Kafka) Enqueue(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.RideID), Value: b}); err != nil {
		return fmt.Errorf("enqueue ride %s: %w", job.RideID, err)
	}
	observability.QueueJobsTotal.WithLabelValues("enqueued").Inc()
	return nil
}

func (k *Kafka) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < k.opts.Concurrency; i++ {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.brokers,
			Topic:    k.topic,
			GroupID:  k.group,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()
			k.consume(ctx, r, h)
		}(r)
	}
	wg.Wait()
	return ctx.Err()
}

func (k *Kafka) consume(ctx context.Context, r *kafka.Reader, h Handler) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Warn("kafka fetch error", "topic", k.topic, "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var job Job
		if err := json.Unmarshal(m.Value, &job); err != nil || job.RideID == "" {
			observability.QueueJobsTotal.WithLabelValues("invalid").Inc()
			k.logger.Warn("invalid dispatch job", "offset", m.Offset, "error", err)
		} else if err := handleWithRetry(ctx, k.logger, h, job, k.opts.MaxAttempts, k.opts.Backoff); err != nil && errors.Is(err, context.Canceled) {
			return
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.logger.Error("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
