package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrPrecondition = errors.New("storage: precondition failed")
	ErrDuplicate    = errors.New("storage: duplicate id")
)

// RideCond is the precondition of a conditional ride update. Zero-valued
// fields do not constrain the match.
type RideCond struct {
	StatusIn    []models.RideStatus
	DriverUnset bool
	DriverID    string
	Round       *int
	// Notified requires the id to be present in notified_drivers.
	Notified string
	// NotRejected requires the id to be absent from rejected_drivers.
	NotRejected string
}

// RideUpdate lists the fields written when the precondition holds. Nil
// pointers leave a field untouched; a pointer to "" clears a string field.
type RideUpdate struct {
	Status             *models.RideStatus
	DriverID           *string
	DriverConnectionID *string
	RiderConnectionID  *string
	CancelledBy        *models.Party
	CancellationReason *string
	Fare               *float64
	AcceptedAt         *time.Time
	ArrivedAt          *time.Time
	ActualStartTime    *time.Time
	ActualEndTime      *time.Time
	CancelledAt        *time.Time
	Round              *int
	// Offered replaces offered_drivers when non-nil.
	Offered     []string
	AddNotified []string
	AddRejected []string
}

type RideFilter struct {
	RiderID       string
	DriverID      string
	Statuses      []models.RideStatus
	BookingTypes  []models.BookingType
	UpdatedBefore time.Time
	Limit         int
}

type DriverUpdate struct {
	Location       *models.Geopoint
	ConnectionID   *string
	IsOnline       *bool
	IsActive       *bool
	IsBusy         *bool
	BusyUntil      *time.Time
	ClearBusyUntil bool
	LastSeen       *time.Time
}

// RideStore persists rides. UpdateRide is the only write path after
// creation and is atomic per document: it returns ErrNotFound when the id
// is unknown and ErrPrecondition when cond does not hold.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, id string, cond RideCond, upd RideUpdate) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)
}

type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// GetDrivers returns the known drivers among ids in the order given.
	GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error)
	UpdateDriver(ctx context.Context, id string, upd DriverUpdate) (*models.Driver, error)
	// ClearDriverConnection marks the driver offline only if connID is
	// still its current connection.
	ClearDriverConnection(ctx context.Context, id, connID string) (bool, error)
	ListBusyDrivers(ctx context.Context) ([]*models.Driver, error)
}

type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]*models.Notification, error)
}

type Store interface {
	RideStore
	DriverStore
	NotificationStore
	Close() error
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func bookingIn(t models.BookingType, set []models.BookingType) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func statusStrings(set []models.RideStatus) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

func bookingStrings(set []models.BookingType) []string {
	out := make([]string, len(set))
	for i, t := range set {
		out[i] = string(t)
	}
	return out
}
