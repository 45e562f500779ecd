package fanout

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var titles = map[string]string{
	models.EventNewRideRequest:  "New ride request",
	models.EventRideRequested:   "Ride requested",
	models.EventRideAccepted:    "Ride accepted",
	models.EventRideAssigned:    "Ride assigned",
	models.EventDriverArrived:   "Driver arrived",
	models.EventRideStarted:     "Ride started",
	models.EventRideCompleted:   "Ride completed",
	models.EventRideCancelled:   "Ride cancelled",
	models.EventNoDriverFound:   "No driver found",
	models.EventBookingReminder: "Upcoming booking",
}

// Message is one event addressed to one party.
type Message struct {
	To      models.Party
	ToID    string
	RideID  string
	Event   string
	Text    string
	Payload any
}

// Notifier records every message and then tries to deliver it. Delivery
// failures never surface to the caller: a lifecycle transition that
// already committed stays committed.
type Notifier struct {
	hub    *Hub
	store  storage.NotificationStore
	push   PushSender
	logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(hub *Hub, store storage.NotificationStore, push PushSender, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, store: store, push: push, logger: logger, now: time.Now}
}

// Notify returns true when the event reached a live session or the push
// gateway.
func (n *Notifier) Notify(ctx context.Context, m Message) bool {
	ev, err := models.NewEvent(m.Event, m.Payload)
	if err != nil {
		n.logger.Error("encode event", "event", m.Event, "error", err)
		return false
	}

	delivered := n.deliver(ctx, m, ev)
	observability.NotificationsTotal.WithLabelValues(m.Event, strconv.FormatBool(delivered)).Inc()

	if n.store != nil {
		title := titles[m.Event]
		if title == "" {
			title = m.Event
		}
		rec := &models.Notification{
			ID:          uuid.NewString(),
			RecipientID: m.ToID,
			Recipient:   m.To,
			RideID:      m.RideID,
			Event:       m.Event,
			Title:       title,
			Message:     m.Text,
			Delivered:   delivered,
			CreatedAt:   n.now(),
		}
		if err := n.store.SaveNotification(ctx, rec); err != nil {
			n.logger.Warn("save notification", "event", m.Event, "recipient_id", m.ToID, "error", err)
		}
	}
	return delivered
}

func (n *Notifier) deliver(ctx context.Context, m Message, ev models.Event) bool {
	err := n.hub.SendTo(EntityKey(m.To, m.ToID), ev)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrNoSession) {
		n.logger.Debug("realtime delivery failed", "event", m.Event, "recipient_id", m.ToID, "error", err)
	}
	if n.push == nil {
		n.logger.Debug("recipient offline", "event", m.Event, "recipient_id", m.ToID)
		return false
	}
	if err := n.push.Push(ctx, m.ToID, ev); err != nil {
		n.logger.Debug("push delivery failed", "event", m.Event, "recipient_id", m.ToID, "error", err)
		return false
	}
	return true
}

// ToRoom broadcasts to every member of the ride room except skip.
func (n *Notifier) ToRoom(rideID, event string, payload any, skip string) int {
	ev, err := models.NewEvent(event, payload)
	if err != nil {
		n.logger.Error("encode event", "event", event, "error", err)
		return 0
	}
	return n.hub.Broadcast(RoomFor(rideID), ev, skip)
}

func (n *Notifier) Hub() *Hub { return n.hub }

// OpenRoom joins the rider's and the driver's current connections to the
// ride room.
func (n *Notifier) OpenRoom(rideID, riderID, driverID string) {
	room := RoomFor(rideID)
	if id, ok := n.hub.Lookup(EntityKey(models.PartyRider, riderID)); ok {
		n.hub.Join(room, id)
	}
	if id, ok := n.hub.Lookup(EntityKey(models.PartyDriver, driverID)); ok {
		n.hub.Join(room, id)
	}
}

func (n *Notifier) CloseRoom(rideID string) { n.hub.CloseRoom(RoomFor(rideID)) }
