package models

import (
	"fmt"
	"time"
)

// Geopoint is a longitude/latitude pair. Field order follows the
// [lng, lat] convention of geo indexes.
type Geopoint struct {
	Lon float64 `json:"lon" bson:"lon"`
	Lat float64 `json:"lat" bson:"lat"`
}

func (p Geopoint) Validate() error {
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	return nil
}

type Party string

const (
	PartyRider  Party = "rider"
	PartyDriver Party = "driver"
	PartySystem Party = "system"
)

func (p Party) Valid() bool {
	switch p {
	case PartyRider, PartyDriver, PartySystem:
		return true
	}
	return false
}

type Driver struct {
	ID           string     `json:"id" bson:"_id"`
	Name         string     `json:"name,omitempty" bson:"name,omitempty"`
	Location     Geopoint   `json:"location" bson:"location"`
	ConnectionID string     `json:"connection_id,omitempty" bson:"connection_id,omitempty"`
	IsOnline     bool       `json:"is_online" bson:"is_online"`
	IsActive     bool       `json:"is_active" bson:"is_active"`
	IsBusy       bool       `json:"is_busy" bson:"is_busy"`
	BusyUntil    *time.Time `json:"busy_until,omitempty" bson:"busy_until,omitempty"`
	LastSeen     time.Time  `json:"last_seen" bson:"last_seen"`
}

// Reachable reports whether the driver can receive realtime offers.
func (d *Driver) Reachable() bool {
	return d.IsOnline && d.ConnectionID != ""
}

// BusyWithFutureBooking reports whether the busy flag comes from a
// scheduled booking that has not ended yet.
func (d *Driver) BusyWithFutureBooking(now time.Time) bool {
	return d.IsBusy && d.BusyUntil != nil && d.BusyUntil.After(now)
}

type Ride struct {
	ID      string `json:"id" bson:"_id"`
	RiderID string `json:"rider_id" bson:"rider_id"`
	// DriverID is set only while the ride is accepted, arrived,
	// in_progress or completed.
	DriverID string `json:"driver_id,omitempty" bson:"driver_id,omitempty"`

	Pickup         Geopoint `json:"pickup" bson:"pickup"`
	Dropoff        Geopoint `json:"dropoff" bson:"dropoff"`
	PickupAddress  string   `json:"pickup_address,omitempty" bson:"pickup_address,omitempty"`
	DropoffAddress string   `json:"dropoff_address,omitempty" bson:"dropoff_address,omitempty"`

	BookingType BookingType `json:"booking_type" bson:"booking_type"`
	BookingMeta BookingMeta `json:"booking_meta" bson:"booking_meta"`

	Fare          float64 `json:"fare" bson:"fare"`
	DistanceKm    float64 `json:"distance_km" bson:"distance_km"`
	PaymentMethod string  `json:"payment_method,omitempty" bson:"payment_method,omitempty"`

	Status             RideStatus `json:"status" bson:"status"`
	CancelledBy        Party      `json:"cancelled_by,omitempty" bson:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty" bson:"cancellation_reason,omitempty"`

	NotifiedDrivers []string `json:"notified_drivers" bson:"notified_drivers"`
	RejectedDrivers []string `json:"rejected_drivers" bson:"rejected_drivers"`
	// OfferedDrivers are the candidates of the current dispatch round.
	OfferedDrivers []string `json:"offered_drivers" bson:"offered_drivers"`
	DispatchRound  int      `json:"dispatch_round" bson:"dispatch_round"`

	StartOTP string `json:"-" bson:"start_otp"`
	StopOTP  string `json:"-" bson:"stop_otp"`

	RiderConnectionID  string `json:"-" bson:"rider_connection_id,omitempty"`
	DriverConnectionID string `json:"-" bson:"driver_connection_id,omitempty"`

	RequestedAt     time.Time  `json:"requested_at" bson:"requested_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	ArrivedAt       *time.Time `json:"arrived_at,omitempty" bson:"arrived_at,omitempty"`
	ActualStartTime *time.Time `json:"actual_start_time,omitempty" bson:"actual_start_time,omitempty"`
	ActualEndTime   *time.Time `json:"actual_end_time,omitempty" bson:"actual_end_time,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.NotifiedDrivers = append([]string(nil), r.NotifiedDrivers...)
	c.RejectedDrivers = append([]string(nil), r.RejectedDrivers...)
	c.OfferedDrivers = append([]string(nil), r.OfferedDrivers...)
	c.BookingMeta.Dates = append([]time.Time(nil), r.BookingMeta.Dates...)
	return &c
}

func (r *Ride) WasNotified(driverID string) bool { return contains(r.NotifiedDrivers, driverID) }
func (r *Ride) HasRejected(driverID string) bool { return contains(r.RejectedDrivers, driverID) }

// RoundExhausted reports whether every driver offered in the current
// round has declined.
func (r *Ride) RoundExhausted() bool {
	if len(r.OfferedDrivers) == 0 {
		return false
	}
	for _, id := range r.OfferedDrivers {
		if !contains(r.RejectedDrivers, id) {
			return false
		}
	}
	return true
}

type Notification struct {
	ID          string    `json:"id" bson:"_id"`
	RecipientID string    `json:"recipient_id" bson:"recipient_id"`
	Recipient   Party     `json:"recipient" bson:"recipient"`
	RideID      string    `json:"ride_id,omitempty" bson:"ride_id,omitempty"`
	Event       string    `json:"event" bson:"event"`
	Title       string    `json:"title" bson:"title"`
	Message     string    `json:"message" bson:"message"`
	Delivered   bool      `json:"delivered" bson:"delivered"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	SenderID  string    `json:"sender_id"`
	Sender    Party     `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
