package booking

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

func (s *Service) loadTrip(ctx context.Context, id primitive.ObjectID) (*models.Trip, error) {
	t, err := s.store.Trips.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("trip")
	}
	return t, err
}

// driverOf returns the driver profile of a user, or nil.
func (s *Service) driverOf(ctx context.Context, userID primitive.ObjectID) (*models.Driver, error) {
	d, err := s.store.Drivers.FindOne(ctx, storage.DriverFilter{UserID: &userID})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// isTripDriver reports whether actor drives t.
func (s *Service) isTripDriver(ctx context.Context, actor auth.Principal, t *models.Trip) (bool, error) {
	if actor.Role != models.RoleDriver || t.DriverID == nil {
		return false, nil
	}
	d, err := s.driverOf(ctx, actor.UserID)
	if err != nil || d == nil {
		return false, err
	}
	return d.ID == *t.DriverID, nil
}

func (s *Service) GetTrip(ctx context.Context, actor auth.Principal, id primitive.ObjectID) (*models.Trip, error) {
	t, err := s.loadTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Owns(t.UserID) {
		return t, nil
	}
	ok, err := s.isTripDriver(ctx, actor, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Authorization("not authorized to view this trip")
	}
	return t, nil
}

// ListTrips shows riders their trips, drivers the trips assigned to them
// and admins everything.
func (s *Service) ListTrips(ctx context.Context, actor auth.Principal, statuses []models.TripStatus, page storage.Page) ([]*models.Trip, int64, error) {
	f := storage.TripFilter{Statuses: statuses}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleDriver:
		d, err := s.driverOf(ctx, actor.UserID)
		if err != nil {
			return nil, 0, err
		}
		if d == nil {
			return []*models.Trip{}, 0, nil
		}
		f.DriverID = &d.ID
	default:
		f.UserID = &actor.UserID
	}
	return s.store.Trips.Find(ctx, f, page)
}

func (s *Service) tripContext(ctx context.Context, t *models.Trip) (*models.Booking, *models.Driver, error) {
	b, err := s.store.Bookings.Get(ctx, t.BookingID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	var d *models.Driver
	if t.DriverID != nil {
		d, err = s.store.Drivers.Get(ctx, *t.DriverID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}
	}
	return b, d, nil
}

// UpdateTripStatus advances a trip. Only the assigned driver or an admin
// may do so; progress is mirrored onto the booking.
func (s *Service) UpdateTripStatus(ctx context.Context, actor auth.Principal, id primitive.ObjectID, to models.TripStatus, note string) (*models.Trip, error) {
	if to == models.TripCancelled {
		return s.CancelTrip(ctx, actor, id, note)
	}
	t, err := s.loadTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		ok, err := s.isTripDriver(ctx, actor, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Authorization("only the assigned driver can update this trip")
		}
	}
	b, d, err := s.tripContext(ctx, t)
	if err != nil {
		return nil, err
	}
	plan, err := planTripStatus(t, b, d, to, strings.TrimSpace(note), s.env(actor.UserID))
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("trip status changed", "trip_id", t.TripID, "from", t.Status, "to", to)
	return plan.Trip, nil
}

// CancelTrip depends on who asks. The assigned driver backing out of an
// assigned trip sends it back to matching. The rider cancels the booking
// under the refund policy. An admin cancels with a full refund.
func (s *Service) CancelTrip(ctx context.Context, actor auth.Principal, id primitive.ObjectID, reason string) (*models.Trip, error) {
	t, err := s.loadTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)

	isDriver, err := s.isTripDriver(ctx, actor, t)
	if err != nil {
		return nil, err
	}
	if isDriver {
		if t.Status != models.TripAssigned {
			return nil, apperr.Conflict("drivers can only give back an assigned trip")
		}
		return s.UpdateTripStatus(ctx, actor, id, models.TripConfirmed, reason)
	}
	if !actor.Owns(t.UserID) {
		return nil, apperr.Authorization("not authorized to cancel this trip")
	}
	if !models.CanTransitionTrip(t.Status, models.TripCancelled) {
		return nil, tripConflict(t.Status, models.TripCancelled)
	}

	b, d, err := s.tripContext(ctx, t)
	if err != nil {
		return nil, err
	}
	if b != nil && models.CanTransitionBooking(b.Status, models.BookingCancelled) {
		req := cancelRequest{Reason: reason, Percent: -1}
		if actor.IsAdmin() {
			req.Percent = 100
		}
		if _, err := s.cancel(ctx, actor.UserID, b, req); err != nil {
			return nil, err
		}
		return s.loadTrip(ctx, id)
	}

	// booking already settled elsewhere; only the trip is left to close
	plan := &Plan{Trip: cloneTrip(t)}
	e := s.env(actor.UserID)
	plan.Trip.Record(models.TripCancelled, actor.UserID, reason, e.now)
	plan.Trip.CancelledAt = models.TimePtr(e.now)
	plan.Trip.CancellationReason = reason
	if d != nil {
		nd := cloneDriver(d)
		nd.Available = true
		plan.Driver = nd
	}
	if err := s.commit(ctx, plan); err != nil {
		return nil, err
	}
	return plan.Trip, nil
}

// previousDrivers lists drivers that already held t so re-matching skips
// them.
func previousDrivers(t *models.Trip) []primitive.ObjectID {
	var out []primitive.ObjectID
	for _, h := range t.StatusHistory {
		if h.Status != models.TripAssigned {
			continue
		}
		if id, ok := models.ParseID(strings.TrimPrefix(h.Note, "driver ")); ok {
			out = append(out, id)
		}
	}
	return out
}

// AssignDriver matches a confirmed trip to the cheapest nearby driver.
func (s *Service) AssignDriver(ctx context.Context, actor auth.Principal, id primitive.ObjectID) (*models.Trip, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Authorization("only admins can dispatch trips")
	}
	if s.matcher == nil {
		return nil, apperr.New(http.StatusServiceUnavailable, "driver matching is not configured")
	}
	t, err := s.loadTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionTrip(t.Status, models.TripAssigned) {
		return nil, tripConflict(t.Status, models.TripAssigned)
	}
	origin, err := s.pickupPoint(ctx, t)
	if err != nil {
		return nil, err
	}
	offer, ok, err := s.matcher.Match(ctx, origin, previousDrivers(t)...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("no available driver near the pickup point")
	}
	d, err := s.store.Drivers.Get(ctx, offer.DriverID)
	if err != nil {
		return nil, storage.APIError(err)
	}
	plan, err := planAssign(t, d, s.env(actor.UserID))
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("driver assigned", "trip_id", t.TripID, "driver_id", d.ID.Hex(), "eta_s", offer.ETASeconds)
	return plan.Trip, nil
}

// pickupPoint is the booking's pickup hotpoint or the route origin.
func (s *Service) pickupPoint(ctx context.Context, t *models.Trip) (models.Coord, error) {
	hotpoint := primitive.NilObjectID
	if b, err := s.store.Bookings.Get(ctx, t.BookingID); err == nil && b.Pickup != nil {
		hotpoint = *b.Pickup
	}
	if hotpoint.IsZero() {
		r, err := s.store.Routes.Get(ctx, t.RouteID)
		if err != nil {
			return models.Coord{}, storage.APIError(err)
		}
		hotpoint = r.Origin
	}
	h, err := s.store.Hotpoints.Get(ctx, hotpoint)
	if err != nil {
		return models.Coord{}, storage.APIError(err)
	}
	return h.Location.Coord(), nil
}

type FinalPriceInput struct {
	WaitingMinutes float64 `json:"waitingMinutes" validate:"gte=0"`
	Tolls          float64 `json:"tolls" validate:"gte=0"`
}

// CalculateFinalPrice records waiting time and tolls and recomputes the
// trip's final fare.
func (s *Service) CalculateFinalPrice(ctx context.Context, actor auth.Principal, id primitive.ObjectID, in FinalPriceInput) (*models.Trip, error) {
	if in.WaitingMinutes < 0 || in.Tolls < 0 {
		return nil, apperr.Validation("waiting minutes and tolls cannot be negative")
	}
	t, err := s.loadTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		ok, err := s.isTripDriver(ctx, actor, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Authorization("only the assigned driver can price this trip")
		}
	}
	if t.Status == models.TripCancelled {
		return nil, apperr.Validation("cancelled trips have no fare")
	}
	r, err := s.store.Routes.Get(ctx, t.RouteID)
	if err != nil {
		return nil, storage.APIError(err)
	}
	nt := cloneTrip(t)
	nt.Pricing.WaitingMinutes = in.WaitingMinutes
	nt.Pricing.WaitingCharge = FinalPrice(0, in.WaitingMinutes, r.Pricing.PricePerMinute, 0)
	nt.Pricing.Tolls = in.Tolls
	nt.Pricing.Final = FinalPrice(nt.Pricing.Estimated, in.WaitingMinutes, r.Pricing.PricePerMinute, in.Tolls)
	if err := s.commit(ctx, &Plan{Trip: nt}); err != nil {
		return nil, err
	}
	return nt, nil
}
