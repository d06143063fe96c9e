package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-booking/internal/models"
)

type mongoRepo[E any, F Filter[E], P document[E]] struct {
	coll *mongo.Collection
}

func newMongoRepo[E any, F Filter[E], P document[E]](db *mongo.Database, name string) *mongoRepo[E, F, P] {
	return &mongoRepo[E, F, P]{coll: db.Collection(name)}
}

func mapWriteErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func (r *mongoRepo[E, F, P]) Create(ctx context.Context, e *E) error {
	m := P(e).Base()
	if m.ID.IsZero() {
		m.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt, m.Version = now, now, 1
	if _, err := r.coll.InsertOne(ctx, e); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *mongoRepo[E, F, P]) Get(ctx context.Context, id primitive.ObjectID) (*E, error) {
	e := new(E)
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *mongoRepo[E, F, P]) Update(ctx context.Context, e *E) error {
	m := P(e).Base()
	next := *e
	written := nextMeta(*m, time.Now())
	*P(&next).Base() = written
	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": m.ID, "version": m.Version}, &next)
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"_id": m.ID})
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	applyMeta(ctx, m, written)
	return nil
}

func (r *mongoRepo[E, F, P]) Find(ctx context.Context, f F, p Page) ([]*E, int64, error) {
	q := f.Query()
	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if p.Limit > 0 {
		opts.SetSkip(p.skip()).SetLimit(int64(p.Limit))
	}
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, err
	}
	out := []*E{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *mongoRepo[E, F, P]) FindOne(ctx context.Context, f F) (*E, error) {
	e := new(E)
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if err := r.coll.FindOne(ctx, f.Query(), opts).Decode(e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *mongoRepo[E, F, P]) Count(ctx context.Context, f F) (int64, error) {
	return r.coll.CountDocuments(ctx, f.Query())
}

type mongoHotpoints struct {
	*mongoRepo[models.Hotpoint, HotpointFilter, *models.Hotpoint]
}

func (m mongoHotpoints) Near(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]*models.Hotpoint, error) {
	near := bson.M{"$geometry": models.NewPoint(lat, lng)}
	if radiusMeters > 0 {
		near["$maxDistance"] = radiusMeters
	}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.coll.Find(ctx, bson.M{"active": true, "location": bson.M{"$near": near}}, opts)
	if err != nil {
		return nil, err
	}
	out := []*models.Hotpoint{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mongoTx uses multi-document transactions; they need a replica set, so
// they can be switched off for a standalone mongod.
type mongoTx struct {
	client  *mongo.Client
	enabled bool
}

func (t *mongoTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if !t.enabled || mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := t.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	ctx, hooks := withCommitHooks(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		hooks.reset()
		return nil, fn(sc)
	})
	if err != nil {
		return err
	}
	hooks.run()
	return nil
}

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// NewMongoStore wires every collection of db and makes sure the indexes
// exist. audit may be nil, in which case the audit log lives in memory.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string, transactions bool, audit AuditLog) (*Store, error) {
	db := client.Database(dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	if audit == nil {
		audit = NewMemoryAuditLog()
	}
	return &Store{
		Users:         newMongoRepo[models.User, UserFilter](db, "users"),
		Drivers:       newMongoRepo[models.Driver, DriverFilter](db, "drivers"),
		Vehicles:      newMongoRepo[models.Vehicle, VehicleFilter](db, "vehicles"),
		Hotpoints:     mongoHotpoints{newMongoRepo[models.Hotpoint, HotpointFilter](db, "hotpoints")},
		Routes:        newMongoRepo[models.Route, RouteFilter](db, "routes"),
		Bookings:      newMongoRepo[models.Booking, BookingFilter](db, "bookings"),
		Trips:         newMongoRepo[models.Trip, TripFilter](db, "trips"),
		Payments:      newMongoRepo[models.Payment, PaymentFilter](db, "payments"),
		Reviews:       newMongoRepo[models.Review, ReviewFilter](db, "reviews"),
		Notifications: newMongoRepo[models.Notification, NotificationFilter](db, "notifications"),
		Tickets:       newMongoRepo[models.SupportTicket, TicketFilter](db, "support_tickets"),
		Promos:        newMongoRepo[models.PromoCode, PromoFilter](db, "promo_codes"),
		Settings:      newMongoRepo[models.AdminSetting, SettingFilter](db, "admin_settings"),
		Content:       newMongoRepo[models.Content, ContentFilter](db, "content"),
		Feedback:      newMongoRepo[models.Feedback, FeedbackFilter](db, "feedback"),
		Audit:         audit,
		Tx:            &mongoTx{client: client, enabled: transactions},
	}, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	unique := func(keys bson.D) mongo.IndexModel {
		return mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}
	nonEmpty := func(field string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{field: bson.M{"$type": "string", "$gt": ""}}),
		}
	}
	plan := map[string][]mongo.IndexModel{
		"users":           {unique(bson.D{{Key: "email", Value: 1}})},
		"drivers":         {unique(bson.D{{Key: "user", Value: 1}}), {Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		"vehicles":        {unique(bson.D{{Key: "plate_number", Value: 1}})},
		"hotpoints":       {{Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		"routes":          {nonEmpty("code")},
		"bookings":        {unique(bson.D{{Key: "booking_id", Value: 1}}), {Keys: bson.D{{Key: "route", Value: 1}, {Key: "schedule.scheduled_date_time", Value: 1}}}},
		"trips":           {unique(bson.D{{Key: "trip_id", Value: 1}}), {Keys: bson.D{{Key: "driver", Value: 1}}}},
		"payments":        {nonEmpty("transaction_id"), {Keys: bson.D{{Key: "booking", Value: 1}}}},
		"reviews":         {unique(bson.D{{Key: "user", Value: 1}, {Key: "trip", Value: 1}})},
		"notifications":   {{Keys: bson.D{{Key: "user", Value: 1}, {Key: "read", Value: 1}}}},
		"support_tickets": {unique(bson.D{{Key: "ticket_number", Value: 1}})},
		"promo_codes":     {unique(bson.D{{Key: "code", Value: 1}})},
		"admin_settings":  {unique(bson.D{{Key: "key", Value: 1}})},
		"content":         {unique(bson.D{{Key: "slug", Value: 1}})},
	}
	for coll, idx := range plan {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}
