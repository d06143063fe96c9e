package storage

import (
	"context"
	"errors"
	"net/http"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrConflict  = errors.New("document was modified concurrently")
	ErrDuplicate = errors.New("duplicate key")
)

// APIError maps the sentinels above onto API errors. Anything else is
// returned unchanged.
func APIError(err error) error {
	switch {
	case errors.Is(err, ErrConflict):
		return apperr.Wrap(http.StatusConflict, "resource was modified concurrently, retry the request", err)
	case errors.Is(err, ErrDuplicate):
		return apperr.Wrap(http.StatusConflict, "resource already exists", err)
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(http.StatusNotFound, "resource not found", err)
	}
	return err
}

// Page selects a window of a listing. Limit <= 0 means no limit.
type Page struct {
	Page  int
	Limit int
}

func (p Page) skip() int64 {
	if p.Limit <= 0 || p.Page <= 1 {
		return 0
	}
	return int64((p.Page - 1) * p.Limit)
}

// Filter narrows a listing. Match is used by the memory backend and Query
// by MongoDB; both must agree.
type Filter[E any] interface {
	Match(*E) bool
	Query() bson.M
}

type document[E any] interface {
	*E
	Base() *models.Meta
}

// Repo is the persistence contract shared by every collection. Update is a
// compare-and-swap on the document version and returns ErrConflict when
// somebody else saved first.
type Repo[E any, F Filter[E]] interface {
	Create(ctx context.Context, e *E) error
	Get(ctx context.Context, id primitive.ObjectID) (*E, error)
	Update(ctx context.Context, e *E) error
	Find(ctx context.Context, f F, p Page) ([]*E, int64, error)
	FindOne(ctx context.Context, f F) (*E, error)
	Count(ctx context.Context, f F) (int64, error)
}

// HotpointRepo adds proximity search.
type HotpointRepo interface {
	Repo[models.Hotpoint, HotpointFilter]
	Near(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]*models.Hotpoint, error)
}

// Transactor runs fn so that every repository write made with the ctx it
// receives commits or rolls back together.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Store struct {
	Users         Repo[models.User, UserFilter]
	Drivers       Repo[models.Driver, DriverFilter]
	Vehicles      Repo[models.Vehicle, VehicleFilter]
	Hotpoints     HotpointRepo
	Routes        Repo[models.Route, RouteFilter]
	Bookings      Repo[models.Booking, BookingFilter]
	Trips         Repo[models.Trip, TripFilter]
	Payments      Repo[models.Payment, PaymentFilter]
	Reviews       Repo[models.Review, ReviewFilter]
	Notifications Repo[models.Notification, NotificationFilter]
	Tickets       Repo[models.SupportTicket, TicketFilter]
	Promos        Repo[models.PromoCode, PromoFilter]
	Settings      Repo[models.AdminSetting, SettingFilter]
	Content       Repo[models.Content, ContentFilter]
	Feedback      Repo[models.Feedback, FeedbackFilter]

	Audit AuditLog
	Tx    Transactor
}
