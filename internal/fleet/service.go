// Package fleet manages driver profiles, vehicles, driver positions and
// reviews.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/storage"
)

// LocationPublisher streams driver positions to the consumer.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

type Notifier interface {
	Notify(ctx context.Context, userID primitive.ObjectID, kind, title, message string, data map[string]string) error
}

type Deps struct {
	Store     *storage.Store
	Locator   geo.Locator
	Locations LocationPublisher
	Events    events.Publisher
	Notifier  Notifier
	Logger    *slog.Logger
}

type Service struct {
	store     *storage.Store
	locator   geo.Locator
	locations LocationPublisher
	events    events.Publisher
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		locator:   d.Locator,
		locations: d.Locations,
		events:    d.Events,
		notifier:  d.Notifier,
		logger:    d.Logger,
		now:       time.Now,
	}
	if s.locator == nil {
		s.locator = geo.NewIndex()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("publish failed", "event", e.Type, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, userID primitive.ObjectID, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), userID, notify.TypeSystem, title, message, nil); err != nil {
		s.logger.Warn("notify failed", "user_id", userID.Hex(), "error", err)
	}
}

type LicenseInput struct {
	Number    string    `json:"number" validate:"required,max=64"`
	Class     string    `json:"class" validate:"omitempty,max=16"`
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
}

type RegisterDriverInput struct {
	License   LicenseInput `json:"license" validate:"required"`
	VehicleID string       `json:"vehicleId" validate:"omitempty,mongodb"`
}

// RegisterDriver creates the driver profile of the calling user. New
// drivers wait for admin approval.
func (s *Service) RegisterDriver(ctx context.Context, actor auth.Principal, in RegisterDriverInput) (*models.Driver, error) {
	if actor.Role != models.RoleDriver {
		return nil, apperr.Authorization("only driver accounts can register as drivers")
	}
	number := strings.ToUpper(strings.TrimSpace(in.License.Number))
	if number == "" {
		return nil, apperr.Validation("license number is required")
	}
	if !in.License.ExpiresAt.After(s.now()) {
		return nil, apperr.Validation("license has expired")
	}
	d := &models.Driver{
		UserID: actor.UserID,
		License: models.License{
			Number:    number,
			Class:     strings.TrimSpace(in.License.Class),
			ExpiresAt: in.License.ExpiresAt.UTC(),
		},
		Status: models.DriverPendingApproval,
	}
	if in.VehicleID != "" {
		v, err := s.ownVehicle(ctx, actor, in.VehicleID)
		if err != nil {
			return nil, err
		}
		d.VehicleID = models.IDPtr(v.ID)
	}
	if err := s.store.Drivers.Create(ctx, d); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("driver profile already exists")
		}
		return nil, err
	}
	if d.VehicleID != nil {
		if err := s.linkVehicle(ctx, *d.VehicleID, d.ID); err != nil {
			s.logger.Warn("link vehicle to new driver", "driver_id", d.ID.Hex(), "error", err)
		}
	}
	s.logger.Info("driver registered", "driver_id", d.ID.Hex(), "user_id", actor.UserID.Hex())
	return d, nil
}

func (s *Service) getDriver(ctx context.Context, id primitive.ObjectID) (*models.Driver, error) {
	d, err := s.store.Drivers.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("driver")
	}
	return d, err
}

func (s *Service) GetDriver(ctx context.Context, id primitive.ObjectID) (*models.Driver, error) {
	return s.getDriver(ctx, id)
}

// MyDriver returns the driver profile of the caller.
func (s *Service) MyDriver(ctx context.Context, actor auth.Principal) (*models.Driver, error) {
	d, err := s.store.Drivers.FindOne(ctx, storage.DriverFilter{UserID: &actor.UserID})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("driver profile")
	}
	return d, err
}

func (s *Service) ListDrivers(ctx context.Context, f storage.DriverFilter, page storage.Page) ([]*models.Driver, int64, error) {
	return s.store.Drivers.Find(ctx, f, page)
}

// SetDriverStatus moves a driver through the approval lifecycle. Drivers
// that can no longer drive drop out of the position index.
func (s *Service) SetDriverStatus(ctx context.Context, actor auth.Principal, id primitive.ObjectID, to models.DriverStatus) (*models.Driver, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Authorization("only admins can change driver status")
	}
	d, err := s.getDriver(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionDriver(d.Status, to) {
		return nil, apperr.Conflict(fmt.Sprintf("driver cannot move from %s to %s", d.Status, to))
	}
	from := d.Status
	d.Status = to
	if to != models.DriverActive {
		d.Available = false
	}
	if err := s.store.Drivers.Update(ctx, d); err != nil {
		return nil, storage.APIError(err)
	}
	if !d.Available {
		if err := s.locator.Remove(ctx, d.ID.Hex()); err != nil {
			s.logger.Warn("remove driver from index", "driver_id", d.ID.Hex(), "error", err)
		}
	}
	s.publish(ctx, events.New(events.DriverStatusChanged, "driver", d.ID.Hex(), actor.UserID.Hex(), map[string]any{
		"from": from, "to": to,
	}))
	s.notify(ctx, d.UserID, "Driver status updated", fmt.Sprintf("Your driver account is now %s.", to))
	return d, nil
}

// SetAvailability toggles whether the calling driver takes trips.
func (s *Service) SetAvailability(ctx context.Context, actor auth.Principal, available bool) (*models.Driver, error) {
	d, err := s.MyDriver(ctx, actor)
	if err != nil {
		return nil, err
	}
	if available {
		if d.Status != models.DriverActive {
			return nil, apperr.Validation("driver account is not active")
		}
		if d.VehicleID == nil {
			return nil, apperr.Validation("assign a vehicle before going online")
		}
	}
	d.Available = available
	if err := s.store.Drivers.Update(ctx, d); err != nil {
		return nil, storage.APIError(err)
	}
	s.index(ctx, d)
	return d, nil
}

type LocationInput struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// UpdateLocation stores the caller's position, refreshes the position
// index and streams the update.
func (s *Service) UpdateLocation(ctx context.Context, actor auth.Principal, in LocationInput) (*models.Driver, error) {
	p := models.NewPoint(in.Lat, in.Lng)
	if !p.Valid() {
		return nil, apperr.Validation("invalid coordinates")
	}
	d, err := s.MyDriver(ctx, actor)
	if err != nil {
		return nil, err
	}
	d.Location = &p
	d.LocationUpdatedAt = models.TimePtr(s.now().UTC())
	if err := s.store.Drivers.Update(ctx, d); err != nil {
		return nil, storage.APIError(err)
	}
	observability.LocationUpdates.Inc()
	s.index(ctx, d)
	return d, nil
}

func locationOf(d *models.Driver) models.DriverLocation {
	loc := models.DriverLocation{DriverID: d.ID.Hex(), Available: d.CanDrive()}
	if d.Location != nil {
		c := d.Location.Coord()
		loc.Lat, loc.Lng = c.Lat, c.Lng
	}
	if d.LocationUpdatedAt != nil {
		loc.UpdatedAt = *d.LocationUpdatedAt
	}
	return loc
}

// index mirrors d into the position index and the location stream. Both
// are best effort; the driver document is the record.
func (s *Service) index(ctx context.Context, d *models.Driver) {
	loc := locationOf(d)
	var err error
	if loc.Available && d.Location != nil {
		err = s.locator.Upsert(ctx, loc)
	} else {
		err = s.locator.Remove(ctx, loc.DriverID)
	}
	if err != nil {
		s.logger.Warn("update driver index", "driver_id", loc.DriverID, "error", err)
	}
	if idx, ok := s.locator.(*geo.Index); ok {
		observability.DriversOnline.Set(float64(idx.Len()))
	}
	if s.locations != nil && d.Location != nil {
		if err := s.locations.PublishLocation(context.WithoutCancel(ctx), loc); err != nil {
			s.logger.Warn("publish location", "driver_id", loc.DriverID, "error", err)
		}
	}
}

// NearbyDriver is a driver found by a proximity search.
type NearbyDriver struct {
	Driver         *models.Driver `json:"driver"`
	DistanceMeters float64        `json:"distance"`
}

// NearbyDrivers lists drivers that can take a trip around a point,
// closest first.
func (s *Service) NearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]NearbyDriver, error) {
	if !models.NewPoint(lat, lng).Valid() {
		return nil, apperr.Validation("invalid coordinates")
	}
	if radiusKm <= 0 {
		radiusKm = 5
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	cands, err := s.locator.Nearby(ctx, lat, lng, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]primitive.ObjectID, 0, len(cands))
	for _, c := range cands {
		if id, ok := models.ParseID(c.DriverID); ok {
			ids = append(ids, id)
		}
	}
	out := []NearbyDriver{}
	if len(ids) == 0 {
		return out, nil
	}
	drivers, _, err := s.store.Drivers.Find(ctx, storage.DriverFilter{IDs: ids}, storage.Page{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Driver, len(drivers))
	for _, d := range drivers {
		byID[d.ID.Hex()] = d
	}
	for _, c := range cands {
		if d, ok := byID[c.DriverID]; ok && d.CanDrive() {
			out = append(out, NearbyDriver{Driver: d, DistanceMeters: c.DistanceMeters})
		}
	}
	return out, nil
}
