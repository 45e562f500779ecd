package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const rideColumns = `id, rider_id, driver_id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
pickup_address, dropoff_address, booking_type, booking_meta, fare, distance_km, payment_method,
status, cancelled_by, cancellation_reason, notified_drivers, rejected_drivers, offered_drivers,
dispatch_round, start_otp, stop_otp, rider_connection_id, driver_connection_id, requested_at,
accepted_at, arrived_at, actual_start_time, actual_end_time, cancelled_at, updated_at`

const driverColumns = `id, name, lon, lat, connection_id, is_online, is_active, is_busy, busy_until, last_seen`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// Migrate applies the embedded schema files in name order. Every file is
// written to be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	meta, err := json.Marshal(r.BookingMeta)
	if err != nil {
		return err
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = p.now()
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES
($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lon, r.Pickup.Lat, r.Dropoff.Lon, r.Dropoff.Lat,
		r.PickupAddress, r.DropoffAddress, string(r.BookingType), meta, r.Fare, r.DistanceKm, r.PaymentMethod,
		string(r.Status), string(r.CancelledBy), r.CancellationReason,
		pq.Array(nonNil(r.NotifiedDrivers)), pq.Array(nonNil(r.RejectedDrivers)), pq.Array(nonNil(r.OfferedDrivers)),
		r.DispatchRound, r.StartOTP, r.StopOTP, r.RiderConnectionID, r.DriverConnectionID, r.RequestedAt,
		nullTime(r.AcceptedAt), nullTime(r.ArrivedAt), nullTime(r.ActualStartTime), nullTime(r.ActualEndTime),
		nullTime(r.CancelledAt), updated)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type sqlArgs struct{ vals []any }

func (a *sqlArgs) add(v any) string {
	a.vals = append(a.vals, v)
	return "$" + strconv.Itoa(len(a.vals))
}

// UpdateRide runs the whole compare-and-set as one UPDATE ... WHERE so the
// row lock held by Postgres provides the atomicity.
func (p *PostgresStore) UpdateRide(ctx context.Context, id string, cond RideCond, upd RideUpdate) (*models.Ride, error) {
	var a sqlArgs
	sets := rideSetClauses(&a, upd)
	sets = append(sets, "updated_at = "+a.add(p.now()))

	where := []string{"id = " + a.add(id)}
	if len(cond.StatusIn) > 0 {
		where = append(where, "status = ANY("+a.add(pq.Array(statusStrings(cond.StatusIn)))+")")
	}
	if cond.DriverUnset {
		where = append(where, "driver_id = ''")
	}
	if cond.DriverID != "" {
		where = append(where, "driver_id = "+a.add(cond.DriverID))
	}
	if cond.Round != nil {
		where = append(where, "dispatch_round = "+a.add(*cond.Round))
	}
	if cond.Notified != "" {
		where = append(where, a.add(cond.Notified)+" = ANY(notified_drivers)")
	}
	if cond.NotRejected != "" {
		where = append(where, "NOT ("+a.add(cond.NotRejected)+" = ANY(rejected_drivers))")
	}

	q := `UPDATE rides SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, q, a.vals...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrPrecondition
}

func rideSetClauses(a *sqlArgs, u RideUpdate) []string {
	var sets []string
	set := func(col string, v any) { sets = append(sets, col+" = "+a.add(v)) }
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.DriverID != nil {
		set("driver_id", *u.DriverID)
	}
	if u.DriverConnectionID != nil {
		set("driver_connection_id", *u.DriverConnectionID)
	}
	if u.RiderConnectionID != nil {
		set("rider_connection_id", *u.RiderConnectionID)
	}
	if u.CancelledBy != nil {
		set("cancelled_by", string(*u.CancelledBy))
	}
	if u.CancellationReason != nil {
		set("cancellation_reason", *u.CancellationReason)
	}
	if u.Fare != nil {
		set("fare", *u.Fare)
	}
	if u.AcceptedAt != nil {
		set("accepted_at", *u.AcceptedAt)
	}
	if u.ArrivedAt != nil {
		set("arrived_at", *u.ArrivedAt)
	}
	if u.ActualStartTime != nil {
		set("actual_start_time", *u.ActualStartTime)
	}
	if u.ActualEndTime != nil {
		set("actual_end_time", *u.ActualEndTime)
	}
	if u.CancelledAt != nil {
		set("cancelled_at", *u.CancelledAt)
	}
	if u.Round != nil {
		set("dispatch_round", *u.Round)
	}
	if u.Offered != nil {
		set("offered_drivers", pq.Array(u.Offered))
	}
	if len(u.AddNotified) > 0 {
		ph := a.add(pq.Array(u.AddNotified))
		sets = append(sets, "notified_drivers = notified_drivers || ARRAY(SELECT unnest("+ph+"::text[]) EXCEPT SELECT unnest(notified_drivers))")
	}
	if len(u.AddRejected) > 0 {
		ph := a.add(pq.Array(u.AddRejected))
		sets = append(sets, "rejected_drivers = rejected_drivers || ARRAY(SELECT unnest("+ph+"::text[]) EXCEPT SELECT unnest(rejected_drivers))")
	}
	return sets
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var a sqlArgs
	where := []string{"TRUE"}
	if f.RiderID != "" {
		where = append(where, "rider_id = "+a.add(f.RiderID))
	}
	if f.DriverID != "" {
		where = append(where, "driver_id = "+a.add(f.DriverID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+a.add(pq.Array(statusStrings(f.Statuses)))+")")
	}
	if len(f.BookingTypes) > 0 {
		where = append(where, "booking_type = ANY("+a.add(pq.Array(bookingStrings(f.BookingTypes)))+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+a.add(f.UpdatedBefore))
	}
	q := `SELECT ` + rideColumns + ` FROM rides WHERE ` + strings.Join(where, " AND ") + ` ORDER BY requested_at`
	if f.Limit > 0 {
		q += ` LIMIT ` + a.add(f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, a.vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	lastSeen := d.LastSeen
	if lastSeen.IsZero() {
		lastSeen = p.now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (`+driverColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, lon = EXCLUDED.lon, lat = EXCLUDED.lat,
connection_id = EXCLUDED.connection_id, is_online = EXCLUDED.is_online, is_active = EXCLUDED.is_active,
is_busy = EXCLUDED.is_busy, busy_until = EXCLUDED.busy_until, last_seen = EXCLUDED.last_seen`,
		d.ID, d.Name, d.Location.Lon, d.Location.Lat, d.ConnectionID, d.IsOnline, d.IsActive, d.IsBusy,
		nullTime(d.BusyUntil), lastSeen)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]*models.Driver, len(ids))
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderDrivers(ids, byID), nil
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, id string, u DriverUpdate) (*models.Driver, error) {
	var a sqlArgs
	var sets []string
	set := func(col string, v any) { sets = append(sets, col+" = "+a.add(v)) }
	if u.Location != nil {
		set("lon", u.Location.Lon)
		set("lat", u.Location.Lat)
	}
	if u.ConnectionID != nil {
		set("connection_id", *u.ConnectionID)
	}
	if u.IsOnline != nil {
		set("is_online", *u.IsOnline)
	}
	if u.IsActive != nil {
		set("is_active", *u.IsActive)
	}
	if u.IsBusy != nil {
		set("is_busy", *u.IsBusy)
	}
	if u.ClearBusyUntil {
		sets = append(sets, "busy_until = NULL")
	} else if u.BusyUntil != nil {
		set("busy_until", *u.BusyUntil)
	}
	if u.LastSeen != nil {
		set("last_seen", *u.LastSeen)
	}
	if len(sets) == 0 {
		return p.GetDriver(ctx, id)
	}
	q := `UPDATE drivers SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + a.add(id) + ` RETURNING ` + driverColumns
	d, err := scanDriver(p.db.QueryRowContext(ctx, q, a.vals...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ClearDriverConnection(ctx context.Context, id, connID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET connection_id = '', is_online = FALSE, last_seen = $3 WHERE id = $1 AND connection_id = $2`,
		id, connID, p.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ListBusyDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE is_busy OR busy_until IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, recipient_id, recipient, ride_id, event, title, message, delivered, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.RecipientID, string(n.Recipient), n.RideID, n.Event, n.Title, n.Message, n.Delivered, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, recipient_id, recipient, ride_id, event, title, message, delivered, created_at
FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var recipient string
		if err := rows.Scan(&n.ID, &n.RecipientID, &recipient, &n.RideID, &n.Event, &n.Title, &n.Message, &n.Delivered, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Recipient = models.Party(recipient)
		out = append(out, &n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                              models.Ride
		bookingType, status, cancelledBy               string
		meta                                           []byte
		notified, rejected, offered                    pq.StringArray
		accepted, arrived, started, ended, cancelledAt sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lon, &r.Pickup.Lat, &r.Dropoff.Lon, &r.Dropoff.Lat,
		&r.PickupAddress, &r.DropoffAddress, &bookingType, &meta, &r.Fare, &r.DistanceKm, &r.PaymentMethod,
		&status, &cancelledBy, &r.CancellationReason, &notified, &rejected, &offered,
		&r.DispatchRound, &r.StartOTP, &r.StopOTP, &r.RiderConnectionID, &r.DriverConnectionID, &r.RequestedAt,
		&accepted, &arrived, &started, &ended, &cancelledAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.BookingMeta); err != nil {
			return nil, fmt.Errorf("decode booking_meta for ride %s: %w", r.ID, err)
		}
	}
	r.BookingType = models.BookingType(bookingType)
	r.Status = models.RideStatus(status)
	r.CancelledBy = models.Party(cancelledBy)
	r.NotifiedDrivers = []string(notified)
	r.RejectedDrivers = []string(rejected)
	r.OfferedDrivers = []string(offered)
	r.AcceptedAt = timePtr(accepted)
	r.ArrivedAt = timePtr(arrived)
	r.ActualStartTime = timePtr(started)
	r.ActualEndTime = timePtr(ended)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func scanDriver(s scanner) (*models.Driver, error) {
	var d models.Driver
	var busyUntil sql.NullTime
	if err := s.Scan(&d.ID, &d.Name, &d.Location.Lon, &d.Location.Lat, &d.ConnectionID, &d.IsOnline,
		&d.IsActive, &d.IsBusy, &busyUntil, &d.LastSeen); err != nil {
		return nil, err
	}
	d.BusyUntil = timePtr(busyUntil)
	return &d, nil
}

func orderDrivers(ids []string, byID map[string]*models.Driver) []*models.Driver {
	out := make([]*models.Driver, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
