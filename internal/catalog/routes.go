package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/pricing"
	"github.com/example/ride-booking/internal/storage"
)

type RouteInput struct {
	Name            string               `json:"name" validate:"required,max=120"`
	Code            string               `json:"code" validate:"omitempty,max=32"`
	OriginID        string               `json:"originId" validate:"required,mongodb"`
	DestinationID   string               `json:"destinationId" validate:"required,mongodb"`
	WaypointIDs     []string             `json:"waypointIds" validate:"omitempty,dive,mongodb"`
	DistanceMeters  float64              `json:"distance" validate:"gte=0"`
	DurationSeconds float64              `json:"duration" validate:"gte=0"`
	Pricing         models.RoutePricing  `json:"pricing"`
	Schedule        models.RouteSchedule `json:"schedule"`
	MaxPassengers   int                  `json:"maxPassengers" validate:"gte=0"`
	Active          *bool                `json:"active"`
}

func validatePricing(p models.RoutePricing) error {
	if p.BasePrice < 0 || p.PricePerKm < 0 || p.PricePerMinute < 0 || p.DemandMultiplier < 0 {
		return apperr.Validation("prices cannot be negative")
	}
	for _, w := range p.PeakHours {
		if _, err := models.ParseClock(w.Start); err != nil {
			return apperr.Validation(fmt.Sprintf("peak window start: %v", err))
		}
		if _, err := models.ParseClock(w.End); err != nil {
			return apperr.Validation(fmt.Sprintf("peak window end: %v", err))
		}
		if w.Multiplier < 0 {
			return apperr.Validation("peak multiplier cannot be negative")
		}
	}
	return nil
}

func validateSchedule(s models.RouteSchedule) error {
	switch s.Type {
	case models.ScheduleOnDemand:
		if (s.StartTime == "") != (s.EndTime == "") {
			return apperr.Validation("operating hours need both start and end time")
		}
		for _, c := range []string{s.StartTime, s.EndTime} {
			if c == "" {
				continue
			}
			if _, err := models.ParseClock(c); err != nil {
				return apperr.Validation(err.Error())
			}
		}
	case models.ScheduleFixed:
		if len(s.Departures) == 0 {
			return apperr.Validation("fixed schedules need at least one departure")
		}
		for _, d := range s.Departures {
			if _, err := models.ParseClock(d); err != nil {
				return apperr.Validation(err.Error())
			}
		}
	default:
		return apperr.Validation("schedule type must be fixed or on_demand")
	}
	for _, d := range s.OperatingDays {
		if d < 0 || d > 6 {
			return apperr.Validation("operating days are 0 (Sunday) to 6")
		}
	}
	return nil
}

func parseIDs(raw []string) ([]primitive.ObjectID, error) {
	out := make([]primitive.ObjectID, 0, len(raw))
	for _, r := range raw {
		id, ok := models.ParseID(r)
		if !ok {
			return nil, apperr.Validation(fmt.Sprintf("invalid hotpoint id %q", r))
		}
		out = append(out, id)
	}
	return out, nil
}

// stops loads the active hotpoints of a route in travel order.
func (s *Service) stops(ctx context.Context, ids []primitive.ObjectID) ([]*models.Hotpoint, error) {
	out := make([]*models.Hotpoint, 0, len(ids))
	for _, id := range ids {
		h, err := s.store.Hotpoints.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("hotpoint")
		}
		if err != nil {
			return nil, err
		}
		if !h.Active {
			return nil, apperr.Validation(fmt.Sprintf("hotpoint %s is not active", h.Name))
		}
		out = append(out, h)
	}
	return out, nil
}

// estimate sums leg estimates along the stops.
func (s *Service) estimate(ctx context.Context, stops []*models.Hotpoint) (float64, float64) {
	var dist, dur float64
	for i := 1; i < len(stops); i++ {
		e := s.estimator.Estimate(ctx, stops[i-1].Location.Coord(), stops[i].Location.Coord())
		dist += e.DistanceMeters
		dur += e.DurationSeconds
	}
	return pricing.Round2(dist), pricing.Round2(dur)
}

func (s *Service) buildRoute(ctx context.Context, r *models.Route, in RouteInput) error {
	origin, ok1 := models.ParseID(in.OriginID)
	dest, ok2 := models.ParseID(in.DestinationID)
	if !ok1 || !ok2 {
		return apperr.Validation("invalid origin or destination")
	}
	if origin == dest {
		return apperr.Validation("origin and destination must differ")
	}
	waypoints, err := parseIDs(in.WaypointIDs)
	if err != nil {
		return err
	}
	if err := validatePricing(in.Pricing); err != nil {
		return err
	}
	if in.Schedule.Type == "" {
		in.Schedule.Type = models.ScheduleOnDemand
	}
	if err := validateSchedule(in.Schedule); err != nil {
		return err
	}
	ids := append(append([]primitive.ObjectID{origin}, waypoints...), dest)
	stops, err := s.stops(ctx, ids)
	if err != nil {
		return err
	}

	r.Name = strings.TrimSpace(in.Name)
	r.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	r.Origin, r.Destination, r.Waypoints = origin, dest, waypoints
	r.Pricing = in.Pricing
	r.Pricing.Currency = strings.ToUpper(r.Pricing.Currency)
	if r.Pricing.Currency == "" {
		r.Pricing.Currency = s.currency
	}
	r.Schedule = in.Schedule
	r.MaxPassengers = in.MaxPassengers
	if in.Active != nil {
		r.Active = *in.Active
	}
	r.DistanceMeters, r.DurationSeconds = in.DistanceMeters, in.DurationSeconds
	if r.DistanceMeters == 0 || r.DurationSeconds == 0 {
		dist, dur := s.estimate(ctx, stops)
		if r.DistanceMeters == 0 {
			r.DistanceMeters = dist
		}
		if r.DurationSeconds == 0 {
			r.DurationSeconds = dur
		}
		s.logger.Debug("estimated route", "name", r.Name, "distance_m", r.DistanceMeters, "duration_s", r.DurationSeconds)
	}
	return nil
}

func (s *Service) CreateRoute(ctx context.Context, in RouteInput) (*models.Route, error) {
	r := &models.Route{Active: true}
	if err := s.buildRoute(ctx, r, in); err != nil {
		return nil, err
	}
	if err := s.store.Routes.Create(ctx, r); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("route code already in use")
		}
		return nil, err
	}
	return r, nil
}

func (s *Service) GetRoute(ctx context.Context, id primitive.ObjectID) (*models.Route, error) {
	r, err := s.store.Routes.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("route")
	}
	return r, err
}

func (s *Service) ListRoutes(ctx context.Context, f storage.RouteFilter, page storage.Page) ([]*models.Route, int64, error) {
	return s.store.Routes.Find(ctx, f, page)
}

// UpdateRoute replaces the route definition. Distance and duration are
// re-estimated when the request leaves them out.
func (s *Service) UpdateRoute(ctx context.Context, id primitive.ObjectID, in RouteInput) (*models.Route, error) {
	r, err := s.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.buildRoute(ctx, r, in); err != nil {
		return nil, err
	}
	if err := s.store.Routes.Update(ctx, r); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("route code already in use")
		}
		return nil, storage.APIError(err)
	}
	return r, nil
}

// DeleteRoute deactivates a route so it can no longer be booked.
func (s *Service) DeleteRoute(ctx context.Context, id primitive.ObjectID) error {
	r, err := s.GetRoute(ctx, id)
	if err != nil {
		return err
	}
	r.Active = false
	return storage.APIError(s.store.Routes.Update(ctx, r))
}

type QuoteInput struct {
	RouteID    string     `json:"routeId" validate:"required,mongodb"`
	Passengers int        `json:"passengers" validate:"omitempty,gte=1,lte=60"`
	DateTime   *time.Time `json:"scheduledDateTime"`
	PromoCode  string     `json:"promoCode" validate:"omitempty,max=32"`
}

// Quote is a fare preview. It does not reserve capacity or redeem the
// promo code.
type Quote struct {
	RouteID   primitive.ObjectID `json:"routeId"`
	Breakdown pricing.Breakdown  `json:"breakdown"`
	Discount  float64            `json:"discount"`
	PromoCode string             `json:"promoCode,omitempty"`
	Total     float64            `json:"total"`
	Currency  string             `json:"currency"`
	Available bool               `json:"available"`
}

func (s *Service) Quote(ctx context.Context, in QuoteInput) (*Quote, error) {
	id, ok := models.ParseID(in.RouteID)
	if !ok {
		return nil, apperr.Validation("invalid route id")
	}
	r, err := s.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return nil, apperr.Validation("route is not active")
	}
	now := s.now()
	at := now
	if in.DateTime != nil {
		at = *in.DateTime
	}
	passengers := in.Passengers
	if passengers <= 0 {
		passengers = 1
	}
	local := at.In(s.loc)
	b := pricing.Calculate(r, passengers, local)
	q := &Quote{
		RouteID:   r.ID,
		Breakdown: b,
		Total:     b.Total,
		Currency:  r.Pricing.Currency,
		Available: r.IsAvailableAt(local) && !at.Before(now),
	}
	if q.Currency == "" {
		q.Currency = s.currency
	}
	if code := pricing.NormalizeCode(in.PromoCode); code != "" {
		promo, err := s.findPromo(ctx, code)
		if err != nil {
			return nil, err
		}
		d, err := pricing.Discount(promo, b.Total, now)
		if err != nil {
			return nil, err
		}
		q.Discount, q.PromoCode = d, promo.Code
		q.Total = pricing.Round2(b.Total - d)
	}
	return q, nil
}
