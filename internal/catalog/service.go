// Package catalog manages what riders can book: hotpoints, routes, fare
// quotes and promo codes.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

// Estimator fills in route distance and duration.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) eta.Estimate
}

type Deps struct {
	Store     *storage.Store
	Estimator Estimator
	Logger    *slog.Logger
	Location  *time.Location
	Currency  string
}

type Service struct {
	store     *storage.Store
	estimator Estimator
	logger    *slog.Logger
	loc       *time.Location
	currency  string
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		estimator: d.Estimator,
		logger:    d.Logger,
		loc:       d.Location,
		currency:  strings.ToUpper(d.Currency),
		now:       time.Now,
	}
	if s.estimator == nil {
		s.estimator = &eta.Estimator{SpeedMps: 8.33}
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.currency == "" {
		s.currency = "USD"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

type HotpointInput struct {
	Name        string         `json:"name" validate:"required,max=120"`
	Description string         `json:"description" validate:"omitempty,max=500"`
	Lat         float64        `json:"lat" validate:"gte=-90,lte=90"`
	Lng         float64        `json:"lng" validate:"gte=-180,lte=180"`
	Address     models.Address `json:"address"`
	Category    string         `json:"category" validate:"required,oneof=airport station mall hotel landmark office residential other"`
	Active      *bool          `json:"active"`
}

func (s *Service) CreateHotpoint(ctx context.Context, in HotpointInput) (*models.Hotpoint, error) {
	h := &models.Hotpoint{Active: true}
	if err := applyHotpoint(h, in); err != nil {
		return nil, err
	}
	if err := s.store.Hotpoints.Create(ctx, h); err != nil {
		return nil, storage.APIError(err)
	}
	return h, nil
}

func applyHotpoint(h *models.Hotpoint, in HotpointInput) error {
	p := models.NewPoint(in.Lat, in.Lng)
	if !p.Valid() {
		return apperr.Validation("invalid coordinates")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return apperr.Validation("name is required")
	}
	h.Name = name
	h.Description = strings.TrimSpace(in.Description)
	h.Location = p
	h.Address = in.Address
	h.Category = in.Category
	if in.Active != nil {
		h.Active = *in.Active
	}
	return nil
}

func (s *Service) GetHotpoint(ctx context.Context, id primitive.ObjectID) (*models.Hotpoint, error) {
	h, err := s.store.Hotpoints.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("hotpoint")
	}
	return h, err
}

func (s *Service) ListHotpoints(ctx context.Context, f storage.HotpointFilter, page storage.Page) ([]*models.Hotpoint, int64, error) {
	return s.store.Hotpoints.Find(ctx, f, page)
}

func (s *Service) UpdateHotpoint(ctx context.Context, id primitive.ObjectID, in HotpointInput) (*models.Hotpoint, error) {
	h, err := s.GetHotpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyHotpoint(h, in); err != nil {
		return nil, err
	}
	if err := s.store.Hotpoints.Update(ctx, h); err != nil {
		return nil, storage.APIError(err)
	}
	return h, nil
}

// DeleteHotpoint deactivates a hotpoint. Routes still pointing at it keep
// working for existing bookings but new routes cannot use it.
func (s *Service) DeleteHotpoint(ctx context.Context, id primitive.ObjectID) error {
	h, err := s.GetHotpoint(ctx, id)
	if err != nil {
		return err
	}
	h.Active = false
	return storage.APIError(s.store.Hotpoints.Update(ctx, h))
}

// NearbyHotpoints lists active hotpoints around a point, closest first.
func (s *Service) NearbyHotpoints(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]*models.Hotpoint, error) {
	if !models.NewPoint(lat, lng).Valid() {
		return nil, apperr.Validation("invalid coordinates")
	}
	if radiusKm <= 0 {
		radiusKm = 10
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.Hotpoints.Near(ctx, lat, lng, radiusKm*1000, limit)
}
