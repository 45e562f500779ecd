package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

// MongoStore keeps rides, drivers and notifications as documents. Every
// conditional ride write is a single FindOneAndUpdate, which MongoDB
// executes atomically per document.
type MongoStore struct {
	client        *mongo.Client
	rides         *mongo.Collection
	drivers       *mongo.Collection
	notifications *mongo.Collection
	now           func() time.Time
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	return &MongoStore{
		client:        client,
		rides:         db.Collection("rides"),
		drivers:       db.Collection("drivers"),
		notifications: db.Collection("notifications"),
		now:           time.Now,
	}, nil
}

// EnsureIndexes creates the secondary indexes queried by the dispatch loop.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "rider_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return err
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	doc := r.Clone()
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = m.now()
	}
	doc.NotifiedDrivers = nonNil(doc.NotifiedDrivers)
	doc.RejectedDrivers = nonNil(doc.RejectedDrivers)
	doc.OfferedDrivers = nonNil(doc.OfferedDrivers)
	_, err := m.rides.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) UpdateRide(ctx context.Context, id string, cond RideCond, upd RideUpdate) (*models.Ride, error) {
	filter := rideFilterDoc(id, cond)
	update := rideUpdateDoc(upd, m.now())

	var r models.Ride
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.rides.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	n, err := m.rides.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return nil, ErrPrecondition
}

func rideFilterDoc(id string, c RideCond) bson.M {
	f := bson.M{"_id": id}
	if len(c.StatusIn) > 0 {
		f["status"] = bson.M{"$in": statusStrings(c.StatusIn)}
	}
	switch {
	case c.DriverUnset:
		f["driver_id"] = bson.M{"$in": bson.A{nil, ""}}
	case c.DriverID != "":
		f["driver_id"] = c.DriverID
	}
	if c.Round != nil {
		f["dispatch_round"] = *c.Round
	}
	if c.Notified != "" {
		f["notified_drivers"] = c.Notified
	}
	if c.NotRejected != "" {
		f["rejected_drivers"] = bson.M{"$ne": c.NotRejected}
	}
	return f
}

func rideUpdateDoc(u RideUpdate, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	unset := bson.M{}
	if u.Status != nil {
		set["status"] = string(*u.Status)
	}
	if u.DriverID != nil {
		if *u.DriverID == "" {
			unset["driver_id"] = ""
		} else {
			set["driver_id"] = *u.DriverID
		}
	}
	if u.DriverConnectionID != nil {
		set["driver_connection_id"] = *u.DriverConnectionID
	}
	if u.RiderConnectionID != nil {
		set["rider_connection_id"] = *u.RiderConnectionID
	}
	if u.CancelledBy != nil {
		set["cancelled_by"] = string(*u.CancelledBy)
	}
	if u.CancellationReason != nil {
		set["cancellation_reason"] = *u.CancellationReason
	}
	if u.Fare != nil {
		set["fare"] = *u.Fare
	}
	for field, v := range map[string]*time.Time{
		"accepted_at":       u.AcceptedAt,
		"arrived_at":        u.ArrivedAt,
		"actual_start_time": u.ActualStartTime,
		"actual_end_time":   u.ActualEndTime,
		"cancelled_at":      u.CancelledAt,
	} {
		if v != nil {
			set[field] = *v
		}
	}
	if u.Round != nil {
		set["dispatch_round"] = *u.Round
	}
	if u.Offered != nil {
		set["offered_drivers"] = u.Offered
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	add := bson.M{}
	if len(u.AddNotified) > 0 {
		add["notified_drivers"] = bson.M{"$each": u.AddNotified}
	}
	if len(u.AddRejected) > 0 {
		add["rejected_drivers"] = bson.M{"$each": u.AddRejected}
	}
	if len(add) > 0 {
		doc["$addToSet"] = add
	}
	return doc
}

func (m *MongoStore) ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	filter := bson.M{}
	if f.RiderID != "" {
		filter["rider_id"] = f.RiderID
	}
	if f.DriverID != "" {
		filter["driver_id"] = f.DriverID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": statusStrings(f.Statuses)}
	}
	if len(f.BookingTypes) > 0 {
		filter["booking_type"] = bson.M{"$in": bookingStrings(f.BookingTypes)}
	}
	if !f.UpdatedBefore.IsZero() {
		filter["updated_at"] = bson.M{"$lt": f.UpdatedBefore}
	}
	opts := options.Find().SetSort(bson.D{{Key: "requested_at", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := m.rides.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	doc := *d
	if doc.LastSeen.IsZero() {
		doc.LastSeen = m.now()
	}
	_, err := m.drivers.ReplaceOne(ctx, bson.M{"_id": d.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var d models.Driver
	err := m.drivers.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *MongoStore) GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cur, err := m.drivers.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var found []*models.Driver
	if err := cur.All(ctx, &found); err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Driver, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}
	return orderDrivers(ids, byID), nil
}

func (m *MongoStore) UpdateDriver(ctx context.Context, id string, u DriverUpdate) (*models.Driver, error) {
	set := bson.M{}
	unset := bson.M{}
	if u.Location != nil {
		set["location"] = *u.Location
	}
	if u.ConnectionID != nil {
		set["connection_id"] = *u.ConnectionID
	}
	if u.IsOnline != nil {
		set["is_online"] = *u.IsOnline
	}
	if u.IsActive != nil {
		set["is_active"] = *u.IsActive
	}
	if u.IsBusy != nil {
		set["is_busy"] = *u.IsBusy
	}
	if u.ClearBusyUntil {
		unset["busy_until"] = ""
	} else if u.BusyUntil != nil {
		set["busy_until"] = *u.BusyUntil
	}
	if u.LastSeen != nil {
		set["last_seen"] = *u.LastSeen
	}
	if len(set) == 0 && len(unset) == 0 {
		return m.GetDriver(ctx, id)
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	var d models.Driver
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.drivers.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *MongoStore) ClearDriverConnection(ctx context.Context, id, connID string) (bool, error) {
	res, err := m.drivers.UpdateOne(ctx,
		bson.M{"_id": id, "connection_id": connID},
		bson.M{"$set": bson.M{"connection_id": "", "is_online": false, "last_seen": m.now()}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (m *MongoStore) ListBusyDrivers(ctx context.Context) ([]*models.Driver, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"is_busy": true},
		bson.M{"busy_until": bson.M{"$ne": nil}},
	}}
	cur, err := m.drivers.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*models.Driver
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	_, err := m.notifications.InsertOne(ctx, n)
	return err
}

func (m *MongoStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cur, err := m.notifications.Find(ctx, bson.M{"recipient_id": recipientID}, opts)
	if err != nil {
		return nil, err
	}
	var out []*models.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
