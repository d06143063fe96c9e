package fleet

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type VehicleInput struct {
	Make        string `json:"make" validate:"required,max=64"`
	Model       string `json:"model" validate:"required,max=64"`
	Year        int    `json:"year" validate:"required,gte=1980,lte=2100"`
	PlateNumber string `json:"plateNumber" validate:"required,max=16"`
	Color       string `json:"color" validate:"omitempty,max=32"`
	Type        string `json:"type" validate:"required,oneof=sedan suv van bus"`
	Capacity    int    `json:"capacity" validate:"required,gte=1,lte=60"`
}

type UpdateVehicleInput struct {
	Color    *string               `json:"color" validate:"omitempty,max=32"`
	Capacity *int                  `json:"capacity" validate:"omitempty,gte=1,lte=60"`
	Status   *models.VehicleStatus `json:"status" validate:"omitempty,oneof=active maintenance inactive"`
}

func (s *Service) CreateVehicle(ctx context.Context, actor auth.Principal, in VehicleInput) (*models.Vehicle, error) {
	if actor.Role == models.RoleUser {
		return nil, apperr.Authorization("only drivers and admins can add vehicles")
	}
	v := &models.Vehicle{
		OwnerID:     actor.UserID,
		Make:        strings.TrimSpace(in.Make),
		Model:       strings.TrimSpace(in.Model),
		Year:        in.Year,
		PlateNumber: strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(in.PlateNumber), " ", "")),
		Color:       strings.TrimSpace(in.Color),
		Type:        in.Type,
		Capacity:    in.Capacity,
		Status:      models.VehicleActive,
	}
	if v.PlateNumber == "" {
		return nil, apperr.Validation("plate number is required")
	}
	if err := s.store.Vehicles.Create(ctx, v); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("a vehicle with this plate number already exists")
		}
		return nil, err
	}
	return v, nil
}

// ownVehicle loads a vehicle the actor may manage.
func (s *Service) ownVehicle(ctx context.Context, actor auth.Principal, rawID string) (*models.Vehicle, error) {
	id, ok := models.ParseID(rawID)
	if !ok {
		return nil, apperr.Validation("invalid vehicle id")
	}
	return s.vehicleFor(ctx, actor, id)
}

func (s *Service) vehicleFor(ctx context.Context, actor auth.Principal, id primitive.ObjectID) (*models.Vehicle, error) {
	v, err := s.store.Vehicles.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("vehicle")
	}
	if err != nil {
		return nil, err
	}
	if !actor.Owns(v.OwnerID) {
		return nil, apperr.Authorization("not your vehicle")
	}
	return v, nil
}

func (s *Service) GetVehicle(ctx context.Context, actor auth.Principal, id primitive.ObjectID) (*models.Vehicle, error) {
	return s.vehicleFor(ctx, actor, id)
}

// ListVehicles returns every vehicle to admins and their own to everyone
// else.
func (s *Service) ListVehicles(ctx context.Context, actor auth.Principal, f storage.VehicleFilter, page storage.Page) ([]*models.Vehicle, int64, error) {
	if !actor.IsAdmin() {
		f.OwnerID = &actor.UserID
	}
	return s.store.Vehicles.Find(ctx, f, page)
}

func (s *Service) UpdateVehicle(ctx context.Context, actor auth.Principal, id primitive.ObjectID, in UpdateVehicleInput) (*models.Vehicle, error) {
	v, err := s.vehicleFor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if in.Color != nil {
		v.Color = strings.TrimSpace(*in.Color)
	}
	if in.Capacity != nil {
		v.Capacity = *in.Capacity
	}
	if in.Status != nil {
		v.Status = *in.Status
	}
	if err := s.store.Vehicles.Update(ctx, v); err != nil {
		return nil, storage.APIError(err)
	}
	return v, nil
}

// DeleteVehicle retires a vehicle. The document is kept for trip history
// and any driver using it is left without a vehicle.
func (s *Service) DeleteVehicle(ctx context.Context, actor auth.Principal, id primitive.ObjectID) error {
	v, err := s.vehicleFor(ctx, actor, id)
	if err != nil {
		return err
	}
	var offline *models.Driver
	err = s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.Vehicles.Get(ctx, v.ID)
		if err != nil {
			return err
		}
		if cur.CurrentDriverID != nil {
			d, err := s.store.Drivers.Get(ctx, *cur.CurrentDriverID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if d != nil && d.VehicleID != nil && *d.VehicleID == cur.ID {
				d.VehicleID = nil
				d.Available = false
				if err := s.store.Drivers.Update(ctx, d); err != nil {
					return err
				}
				offline = d
			}
		}
		cur.Status = models.VehicleInactive
		cur.CurrentDriverID = nil
		return s.store.Vehicles.Update(ctx, cur)
	})
	if err != nil {
		return storage.APIError(err)
	}
	if offline != nil {
		s.index(ctx, offline)
	}
	return nil
}

// AssignVehicle puts a driver behind the wheel of a vehicle, releasing
// whatever either of them was paired with before.
func (s *Service) AssignVehicle(ctx context.Context, actor auth.Principal, driverID, vehicleID primitive.ObjectID) (*models.Driver, error) {
	var out *models.Driver
	err := s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		d, err := s.getDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if !actor.Owns(d.UserID) {
			return apperr.Authorization("not your driver profile")
		}
		v, err := s.vehicleFor(ctx, actor, vehicleID)
		if err != nil {
			return err
		}
		if v.Status != models.VehicleActive {
			return apperr.Validation("vehicle is not active")
		}
		if v.CurrentDriverID != nil && *v.CurrentDriverID != d.ID {
			return apperr.Conflict("vehicle is assigned to another driver")
		}
		if d.VehicleID != nil && *d.VehicleID != v.ID {
			prev, err := s.store.Vehicles.Get(ctx, *d.VehicleID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if prev != nil {
				prev.CurrentDriverID = nil
				if err := s.store.Vehicles.Update(ctx, prev); err != nil {
					return err
				}
			}
		}
		v.CurrentDriverID = models.IDPtr(d.ID)
		if err := s.store.Vehicles.Update(ctx, v); err != nil {
			return err
		}
		d.VehicleID = models.IDPtr(v.ID)
		if err := s.store.Drivers.Update(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, storage.APIError(err)
	}
	return out, nil
}

func (s *Service) linkVehicle(ctx context.Context, vehicleID, driverID primitive.ObjectID) error {
	v, err := s.store.Vehicles.Get(ctx, vehicleID)
	if err != nil {
		return err
	}
	v.CurrentDriverID = models.IDPtr(driverID)
	return s.store.Vehicles.Update(ctx, v)
}
