package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps every document in process. A single mutex serializes
// writes, which gives UpdateRide the same atomicity a document store
// provides per record.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.Ride
	drivers       map[string]*models.Driver
	notifications []*models.Notification
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.Driver),
		now:     time.Now,
	}
}

// WithClock overrides the time source used for UpdatedAt.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	c := r.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = m.now()
	}
	m.rides[r.ID] = c
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, id string, cond RideCond, upd RideUpdate) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !rideMatches(r, cond) {
		return nil, ErrPrecondition
	}
	applyRideUpdate(r, upd)
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) ListRides(_ context.Context, f RideFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(r.Status, f.Statuses) {
			continue
		}
		if len(f.BookingTypes) > 0 && !bookingIn(r.BookingType, f.BookingTypes) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.drivers[d.ID] = &c
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemoryStore) GetDrivers(_ context.Context, ids []string) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateDriver(_ context.Context, id string, upd DriverUpdate) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyDriverUpdate(d, upd)
	c := *d
	return &c, nil
}

func (m *MemoryStore) ClearDriverConnection(_ context.Context, id, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.ConnectionID != connID {
		return false, nil
	}
	d.ConnectionID = ""
	d.IsOnline = false
	d.LastSeen = m.now()
	return true, nil
}

func (m *MemoryStore) ListBusyDrivers(_ context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.IsBusy || d.BusyUntil != nil {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *n
	m.notifications = append(m.notifications, &c)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, recipientID string, limit int) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.RecipientID != recipientID {
			continue
		}
		c := *n
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func rideMatches(r *models.Ride, c RideCond) bool {
	if len(c.StatusIn) > 0 && !statusIn(r.Status, c.StatusIn) {
		return false
	}
	if c.DriverUnset && r.DriverID != "" {
		return false
	}
	if c.DriverID != "" && r.DriverID != c.DriverID {
		return false
	}
	if c.Round != nil && r.DispatchRound != *c.Round {
		return false
	}
	if c.Notified != "" && !r.WasNotified(c.Notified) {
		return false
	}
	if c.NotRejected != "" && r.HasRejected(c.NotRejected) {
		return false
	}
	return true
}

func applyRideUpdate(r *models.Ride, u RideUpdate) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.DriverID != nil {
		r.DriverID = *u.DriverID
	}
	if u.DriverConnectionID != nil {
		r.DriverConnectionID = *u.DriverConnectionID
	}
	if u.RiderConnectionID != nil {
		r.RiderConnectionID = *u.RiderConnectionID
	}
	if u.CancelledBy != nil {
		r.CancelledBy = *u.CancelledBy
	}
	if u.CancellationReason != nil {
		r.CancellationReason = *u.CancellationReason
	}
	if u.Fare != nil {
		r.Fare = *u.Fare
	}
	setTime(&r.AcceptedAt, u.AcceptedAt)
	setTime(&r.ArrivedAt, u.ArrivedAt)
	setTime(&r.ActualStartTime, u.ActualStartTime)
	setTime(&r.ActualEndTime, u.ActualEndTime)
	setTime(&r.CancelledAt, u.CancelledAt)
	if u.Round != nil {
		r.DispatchRound = *u.Round
	}
	if u.Offered != nil {
		r.OfferedDrivers = append([]string(nil), u.Offered...)
	}
	r.NotifiedDrivers = addToSet(r.NotifiedDrivers, u.AddNotified)
	r.RejectedDrivers = addToSet(r.RejectedDrivers, u.AddRejected)
}

func applyDriverUpdate(d *models.Driver, u DriverUpdate) {
	if u.Location != nil {
		d.Location = *u.Location
	}
	if u.ConnectionID != nil {
		d.ConnectionID = *u.ConnectionID
	}
	if u.IsOnline != nil {
		d.IsOnline = *u.IsOnline
	}
	if u.IsActive != nil {
		d.IsActive = *u.IsActive
	}
	if u.IsBusy != nil {
		d.IsBusy = *u.IsBusy
	}
	if u.ClearBusyUntil {
		d.BusyUntil = nil
	} else if u.BusyUntil != nil {
		t := *u.BusyUntil
		d.BusyUntil = &t
	}
	if u.LastSeen != nil {
		d.LastSeen = *u.LastSeen
	}
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := *v
		*dst = &t
	}
}

func addToSet(set, add []string) []string {
	for _, v := range add {
		found := false
		for _, s := range set {
			if s == v {
				found = true
				break
			}
		}
		if !found {
			set = append(set, v)
		}
	}
	return set
}
