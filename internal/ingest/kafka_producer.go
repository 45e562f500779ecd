// Package ingest streams driver location updates to Kafka so that the
// location consumer can keep the geo index current.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const LocationTopic = "driver-locations"

var errMissingDriver = errors.New("location event without driverId")

// LocationEvent is one position report of a driver.
type LocationEvent struct {
	DriverID string          `json:"driverId"`
	Location models.Geopoint `json:"location"`
	At       time.Time       `json:"at"`
}

type Publisher interface {
	PublishLocation(ctx context.Context, ev LocationEvent) error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	// keyed by driver so one driver's reports stay ordered
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev LocationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a message written by PublishLocation.
func Decode(b []byte) (LocationEvent, error) {
	var ev LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.DriverID == "" {
		return ev, errMissingDriver
	}
	return ev, ev.Location.Validate()
}
