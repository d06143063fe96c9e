package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
)

// uniqueKey extracts a value that must be unique across a collection.
// Empty values are not indexed.
type uniqueKey[E any] func(*E) string

// memRepo keeps documents bson-encoded so callers never share memory with
// the store, which mirrors what a round-trip to MongoDB gives them.
type memRepo[E any, F Filter[E], P document[E]] struct {
	mu     sync.RWMutex
	docs   map[primitive.ObjectID][]byte
	unique []uniqueKey[E]
}

func newMemRepo[E any, F Filter[E], P document[E]](unique ...uniqueKey[E]) *memRepo[E, F, P] {
	return &memRepo[E, F, P]{docs: make(map[primitive.ObjectID][]byte), unique: unique}
}

func (r *memRepo[E, F, P]) decode(b []byte) (*E, error) {
	e := new(E)
	if err := bson.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *memRepo[E, F, P]) checkUnique(e *E, self primitive.ObjectID) error {
	for _, key := range r.unique {
		want := key(e)
		if want == "" {
			continue
		}
		for id, b := range r.docs {
			if id == self {
				continue
			}
			other, err := r.decode(b)
			if err != nil {
				return err
			}
			if strings.EqualFold(key(other), want) {
				return fmt.Errorf("%w: %s", ErrDuplicate, want)
			}
		}
	}
	return nil
}

func (r *memRepo[E, F, P]) Create(_ context.Context, e *E) error {
	m := P(e).Base()
	if m.ID.IsZero() {
		m.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt, m.Version = now, now, 1

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, m.ID.Hex())
	}
	if err := r.checkUnique(e, m.ID); err != nil {
		return err
	}
	b, err := bson.Marshal(e)
	if err != nil {
		return err
	}
	r.docs[m.ID] = b
	return nil
}

func (r *memRepo[E, F, P]) Get(_ context.Context, id primitive.ObjectID) (*E, error) {
	r.mu.RLock()
	b, ok := r.docs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.decode(b)
}

func (r *memRepo[E, F, P]) Update(ctx context.Context, e *E) error {
	m := P(e).Base()
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.docs[m.ID]
	if !ok {
		return ErrNotFound
	}
	cur, err := r.decode(b)
	if err != nil {
		return err
	}
	if P(cur).Base().Version != m.Version {
		return ErrConflict
	}
	if err := r.checkUnique(e, m.ID); err != nil {
		return err
	}
	next := *e
	written := nextMeta(*m, time.Now())
	*P(&next).Base() = written
	nb, err := bson.Marshal(&next)
	if err != nil {
		return err
	}
	r.docs[m.ID] = nb
	applyMeta(ctx, m, written)
	return nil
}

func (r *memRepo[E, F, P]) all(f F) ([]*E, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*E, 0, len(r.docs))
	for _, b := range r.docs {
		e, err := r.decode(b)
		if err != nil {
			return nil, err
		}
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := P(out[i]).Base(), P(out[j]).Base()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.Hex() > b.ID.Hex()
	})
	return out, nil
}

func (r *memRepo[E, F, P]) Find(_ context.Context, f F, p Page) ([]*E, int64, error) {
	out, err := r.all(f)
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(out))
	start := p.skip()
	if start >= total {
		return []*E{}, total, nil
	}
	out = out[start:]
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, total, nil
}

func (r *memRepo[E, F, P]) FindOne(ctx context.Context, f F) (*E, error) {
	out, _, err := r.Find(ctx, f, Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (r *memRepo[E, F, P]) Count(_ context.Context, f F) (int64, error) {
	out, err := r.all(f)
	return int64(len(out)), err
}

func (r *memRepo[E, F, P]) snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[primitive.ObjectID][]byte, len(r.docs))
	for k, v := range r.docs {
		cp[k] = v
	}
	return cp
}

func (r *memRepo[E, F, P]) restore(s any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = s.(map[primitive.ObjectID][]byte)
}

type snapshotter interface {
	snapshot() any
	restore(any)
}

type memHotpoints struct {
	*memRepo[models.Hotpoint, HotpointFilter, *models.Hotpoint]
}

func (m memHotpoints) Near(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]*models.Hotpoint, error) {
	active := true
	all, err := m.all(HotpointFilter{Active: &active})
	if err != nil {
		return nil, err
	}
	type pair struct {
		h    *models.Hotpoint
		dist float64
	}
	arr := make([]pair, 0, len(all))
	for _, h := range all {
		c := h.Location.Coord()
		d := geo.Haversine(lat, lng, c.Lat, c.Lng)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		arr = append(arr, pair{h, d})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]*models.Hotpoint, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.h)
	}
	return out, nil
}

// memTx serialises transactions and restores every collection when fn
// fails. Writes made outside a transaction while one is running can be
// lost on rollback; the memory backend is meant for tests and local runs.
type memTx struct {
	mu    sync.Mutex
	repos []snapshotter
}

type txKey struct{}

func (t *memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snaps := make([]any, len(t.repos))
	for i, r := range t.repos {
		snaps[i] = r.snapshot()
	}
	ctx, hooks := withCommitHooks(context.WithValue(ctx, txKey{}, true))
	if err := fn(ctx); err != nil {
		for i, r := range t.repos {
			r.restore(snaps[i])
		}
		return err
	}
	hooks.run()
	return nil
}

// NewMemoryStore returns a fully in-process store.
func NewMemoryStore() *Store {
	users := newMemRepo[models.User, UserFilter](func(u *models.User) string { return u.Email })
	drivers := newMemRepo[models.Driver, DriverFilter](func(d *models.Driver) string { return d.UserID.Hex() })
	vehicles := newMemRepo[models.Vehicle, VehicleFilter](func(v *models.Vehicle) string { return v.PlateNumber })
	hotpoints := newMemRepo[models.Hotpoint, HotpointFilter]()
	routes := newMemRepo[models.Route, RouteFilter](func(r *models.Route) string { return r.Code })
	bookings := newMemRepo[models.Booking, BookingFilter](func(b *models.Booking) string { return b.BookingID })
	trips := newMemRepo[models.Trip, TripFilter](func(t *models.Trip) string { return t.TripID })
	payments := newMemRepo[models.Payment, PaymentFilter](func(p *models.Payment) string { return p.TransactionID })
	reviews := newMemRepo[models.Review, ReviewFilter](func(r *models.Review) string {
		return r.UserID.Hex() + ":" + r.TripID.Hex()
	})
	notifications := newMemRepo[models.Notification, NotificationFilter]()
	tickets := newMemRepo[models.SupportTicket, TicketFilter](func(t *models.SupportTicket) string { return t.TicketNumber })
	promos := newMemRepo[models.PromoCode, PromoFilter](func(p *models.PromoCode) string { return p.Code })
	settings := newMemRepo[models.AdminSetting, SettingFilter](func(s *models.AdminSetting) string { return s.Key })
	content := newMemRepo[models.Content, ContentFilter](func(c *models.Content) string { return c.Slug })
	feedback := newMemRepo[models.Feedback, FeedbackFilter]()

	tx := &memTx{repos: []snapshotter{
		users, drivers, vehicles, hotpoints, routes, bookings, trips, payments,
		reviews, notifications, tickets, promos, settings, content, feedback,
	}}
	return &Store{
		Users:         users,
		Drivers:       drivers,
		Vehicles:      vehicles,
		Hotpoints:     memHotpoints{hotpoints},
		Routes:        routes,
		Bookings:      bookings,
		Trips:         trips,
		Payments:      payments,
		Reviews:       reviews,
		Notifications: notifications,
		Tickets:       tickets,
		Promos:        promos,
		Settings:      settings,
		Content:       content,
		Feedback:      feedback,
		Audit:         NewMemoryAuditLog(),
		Tx:            tx,
	}
}
