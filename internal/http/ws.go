package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	sess := fanout.NewWSSession(conn, s.logger.With("driver_id", driverID), 64)
	ctx := r.Context()

	if err := s.driverOnline(ctx, driverID, sess.ID()); err != nil {
		s.logger.Error("mark driver online", "driver_id", driverID, "error", err)
	}
	key := fanout.EntityKey(models.PartyDriver, driverID)
	s.notifier.Hub().Register(key, sess)
	s.rejoinRooms(ctx, storage.RideFilter{DriverID: driverID, Statuses: models.ActiveStatuses()}, sess.ID())
	observability.DriversOnline.Inc()
	s.logger.Info("driver connected", "driver_id", driverID, "conn_id", sess.ID())

	sess.Serve(ctx, func(ctx context.Context, sess *fanout.WSSession, ev models.Event) {
		s.handleDriverEvent(ctx, driverID, sess, ev)
	})

	observability.DriversOnline.Dec()
	s.notifier.Hub().Unregister(key, sess.ID())
	s.notifier.Hub().Drop(sess.ID())
	// the request context is gone by now
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cleared, err := s.store.ClearDriverConnection(cctx, driverID, sess.ID())
	if err != nil {
		s.logger.Warn("clear driver connection", "driver_id", driverID, "error", err)
	}
	s.logger.Info("driver disconnected", "driver_id", driverID, "conn_id", sess.ID(), "cleared", cleared)
}

func (s *Server) driverOnline(ctx context.Context, driverID, connID string) error {
	online := true
	now := time.Now()
	_, err := s.store.UpdateDriver(ctx, driverID, storage.DriverUpdate{ConnectionID: &connID, IsOnline: &online, LastSeen: &now})
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.UpsertDriver(ctx, &models.Driver{ID: driverID, ConnectionID: connID, IsOnline: true, IsActive: true, LastSeen: now})
	}
	return err
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "rider_id", riderID, "error", err)
		return
	}
	sess := fanout.NewWSSession(conn, s.logger.With("rider_id", riderID), 64)
	ctx := r.Context()

	key := fanout.EntityKey(models.PartyRider, riderID)
	s.notifier.Hub().Register(key, sess)
	s.rejoinRooms(ctx, storage.RideFilter{RiderID: riderID, Statuses: models.ActiveStatuses()}, sess.ID())
	s.logger.Info("rider connected", "rider_id", riderID, "conn_id", sess.ID())

	sess.Serve(ctx, func(ctx context.Context, sess *fanout.WSSession, ev models.Event) {
		s.handleRiderEvent(ctx, riderID, sess, ev)
	})

	s.notifier.Hub().Unregister(key, sess.ID())
	s.notifier.Hub().Drop(sess.ID())
	s.logger.Info("rider disconnected", "rider_id", riderID, "conn_id", sess.ID())
}

func (s *Server) rejoinRooms(ctx context.Context, f storage.RideFilter, connID string) {
	active, err := s.store.ListRides(ctx, f)
	if err != nil {
		s.logger.Warn("list rides to rejoin", "error", err)
		return
	}
	for _, ride := range active {
		s.notifier.Hub().Join(fanout.RoomFor(ride.ID), connID)
	}
}

type locationUpdate struct {
	Location models.Geopoint `json:"location"`
}

type chatRequest struct {
	RideID string `json:"rideId"`
	Text   string `json:"text"`
}

func (s *Server) handleDriverEvent(ctx context.Context, driverID string, sess *fanout.WSSession, ev models.Event) {
	var err error
	switch ev.Name {
	case models.EventRideAccepted:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.assigner.Assign(ctx, a.RideID, driverID, sess.ID())
		}
	case models.EventRideRejected:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.assigner.Reject(ctx, a.RideID, driverID)
		}
	case models.EventDriverArrived:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.rides.MarkArrived(ctx, a.RideID, driverID)
		}
	case models.EventRideStarted:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.rides.Start(ctx, a.RideID, driverID, a.OTP)
		}
	case models.EventRideCompleted:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.rides.Complete(ctx, a.RideID, driverID, a.OTP, a.Fare)
		}
	case models.EventRideCancelled:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.rides.Cancel(ctx, rides.CancelRequest{RideID: a.RideID, By: models.PartyDriver, ActorID: driverID, Reason: a.Reason})
		}
	case models.EventDriverLocationUpdate:
		var u locationUpdate
		if err = unmarshal(ev, &u); err == nil {
			err = s.updateLocation(ctx, driverID, u.Location)
		}
	case models.EventDriverToggleStatus:
		var a availabilityRequest
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.setAvailability(ctx, driverID, a.IsActive)
		}
	case models.EventSendMessage:
		var c chatRequest
		if err = unmarshal(ev, &c); err == nil {
			err = s.chat(ctx, models.PartyDriver, driverID, sess, c)
		}
	default:
		err = apperr.Validation("unsupported event %q", ev.Name)
	}
	s.replyError(sess, ev, err)
}

func (s *Server) handleRiderEvent(ctx context.Context, riderID string, sess *fanout.WSSession, ev models.Event) {
	var err error
	switch ev.Name {
	case models.EventRideRequestCreated:
		var req rides.CreateRequest
		if err = unmarshal(ev, &req); err == nil {
			req.RiderID = riderID
			req.RiderConnectionID = sess.ID()
			_, err = s.rides.Create(ctx, req)
		}
	case models.EventRideCancelled:
		var a rideAction
		if err = unmarshal(ev, &a); err == nil {
			_, err = s.rides.Cancel(ctx, rides.CancelRequest{RideID: a.RideID, By: models.PartyRider, ActorID: riderID, Reason: a.Reason})
		}
	case models.EventSendMessage:
		var c chatRequest
		if err = unmarshal(ev, &c); err == nil {
			err = s.chat(ctx, models.PartyRider, riderID, sess, c)
		}
	default:
		err = apperr.Validation("unsupported event %q", ev.Name)
	}
	s.replyError(sess, ev, err)
}

// chat relays a message to the other members of the ride room. Only the
// ride's rider and assigned driver may talk.
func (s *Server) chat(ctx context.Context, from models.Party, senderID string, sess *fanout.WSSession, c chatRequest) error {
	text := strings.TrimSpace(c.Text)
	if c.RideID == "" || text == "" {
		return apperr.Validation("rideId and text are required")
	}
	ride, err := s.rides.Get(ctx, c.RideID)
	if err != nil {
		return err
	}
	if (from == models.PartyRider && ride.RiderID != senderID) || (from == models.PartyDriver && ride.DriverID != senderID) {
		return apperr.Validation("sender is not part of ride %s", c.RideID)
	}
	if !ride.Status.Active() {
		return apperr.Conflict(apperr.ReasonNotAvailable, "ride %s is %s", ride.ID, ride.Status)
	}
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		SenderID:  senderID,
		Sender:    from,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.notifier.Hub().Join(fanout.RoomFor(ride.ID), sess.ID())
	n := s.notifier.ToRoom(ride.ID, models.EventReceiveMessage, msg, sess.ID())
	s.logger.Debug("chat message relayed", "ride_id", ride.ID, "sender", from, "recipients", n)
	return nil
}

func unmarshal(ev models.Event, v any) error {
	if len(ev.Payload) == 0 {
		return apperr.Validation("%s: payload required", ev.Name)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return apperr.Validation("%s: %v", ev.Name, err)
	}
	return nil
}

func (s *Server) replyError(sess *fanout.WSSession, ev models.Event, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("realtime event failed", "event", ev.Name, "conn_id", sess.ID(), "error", err)
	reply, merr := models.NewEvent(models.EventRideError, errorBody{
		Error:  err.Error(),
		Kind:   apperr.KindOf(err).String(),
		Reason: apperr.ReasonOf(err),
	})
	if merr != nil {
		return
	}
	_ = sess.Send(reply)
}
