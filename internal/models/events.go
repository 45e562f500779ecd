package models

import "encoding/json"

// Inbound realtime events.
const (
	EventRideRequestCreated   = "rideRequestCreated"
	EventRideAccepted         = "rideAccepted"
	EventRideRejected         = "rideRejected"
	EventDriverArrived        = "driverArrived"
	EventRideStarted          = "rideStarted"
	EventRideCompleted        = "rideCompleted"
	EventRideCancelled        = "rideCancelled"
	EventDriverLocationUpdate = "driverLocationUpdate"
	EventDriverToggleStatus   = "driverToggleStatus"
	EventSendMessage          = "sendMessage"
)

// Outbound realtime events. Some share a name with inbound ones.
const (
	EventNewRideRequest  = "newRideRequest"
	EventRideRequested   = "rideRequested"
	EventRideAssigned    = "rideAssigned"
	EventNoDriverFound   = "noDriverFound"
	EventReceiveMessage  = "receiveMessage"
	EventBookingReminder = "bookingReminder"
	EventDriverStatus    = "driverStatusUpdate"
	EventRideError       = "rideError"
)

// Event is the envelope exchanged over realtime connections.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an envelope.
func NewEvent(name string, payload any) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Payload: b}, nil
}
