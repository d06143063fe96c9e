// Package booking owns the booking, payment and trip lifecycle. Every
// status change goes through a planner in plan.go and is written in one
// storage transaction; gateway calls are ordered around that commit.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/idempotency"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/pricing"
	"github.com/example/ride-booking/internal/storage"
)

type Matcher interface {
	Match(ctx context.Context, origin models.Coord, exclude ...primitive.ObjectID) (matcher.Offer, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID primitive.ObjectID, kind, title, message string, data map[string]string) error
}

type Deps struct {
	Store          *storage.Store
	Gateway        payments.Gateway
	Idempotency    idempotency.Store
	Matcher        Matcher
	Notifier       Notifier
	Events         events.Publisher
	Logger         *slog.Logger
	Location       *time.Location
	Currency       string
	IdempotencyTTL time.Duration
}

type Service struct {
	store    *storage.Store
	gateway  payments.Gateway
	idem     idempotency.Store
	matcher  Matcher
	notifier Notifier
	events   events.Publisher
	logger   *slog.Logger
	loc      *time.Location
	currency string
	idemTTL  time.Duration
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		gateway:  d.Gateway,
		idem:     d.Idempotency,
		matcher:  d.Matcher,
		notifier: d.Notifier,
		events:   d.Events,
		logger:   d.Logger,
		loc:      d.Location,
		currency: d.Currency,
		idemTTL:  d.IdempotencyTTL,
		now:      time.Now,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.currency == "" {
		s.currency = "USD"
	}
	if s.idemTTL <= 0 {
		s.idemTTL = 24 * time.Hour
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) env(actor primitive.ObjectID) env {
	return env{now: s.now().UTC(), actor: actor, tripID: newTripID}
}

// commit writes every document of p in one transaction, after running
// checks inside the same transaction, then runs p's effects.
func (s *Service) commit(ctx context.Context, p *Plan, checks ...func(ctx context.Context) error) error {
	err := s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		if p.Trip != nil {
			if err := write(ctx, s.store.Trips, p.Trip, p.NewTrip); err != nil {
				return err
			}
		}
		if p.Booking != nil {
			if err := write(ctx, s.store.Bookings, p.Booking, p.NewBooking); err != nil {
				return err
			}
		}
		if p.Payment != nil {
			if err := write(ctx, s.store.Payments, p.Payment, p.NewPayment); err != nil {
				return err
			}
		}
		if p.Driver != nil {
			if err := s.store.Drivers.Update(ctx, p.Driver); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.APIError(err)
	}
	if p.Booking != nil {
		observability.BookingsTotal.WithLabelValues(string(p.Booking.Status)).Inc()
	}
	s.run(ctx, p.Effects)
	return nil
}

func write[E any, F storage.Filter[E]](ctx context.Context, repo storage.Repo[E, F], e *E, create bool) error {
	if create {
		return repo.Create(ctx, e)
	}
	return repo.Update(ctx, e)
}

// run delivers effects. Failures are logged; the state change already
// happened.
func (s *Service) run(ctx context.Context, fx Effects) {
	ctx = context.WithoutCancel(ctx)
	if s.events != nil && len(fx.Events) > 0 {
		if err := s.events.Publish(ctx, fx.Events...); err != nil {
			s.logger.Error("publish events", "count", len(fx.Events), "error", err)
		}
	}
	if s.notifier == nil {
		return
	}
	for _, n := range fx.Notices {
		if err := s.notifier.Notify(ctx, n.UserID, n.Kind, n.Title, n.Message, n.Data); err != nil {
			s.logger.Warn("notify", "user_id", n.UserID.Hex(), "error", err)
		}
	}
}

// idempotent runs fn at most once per client key and replays the id it
// produced for later duplicates. Without a key fn always runs.
func (s *Service) idempotent(ctx context.Context, op string, actor primitive.ObjectID, clientKey string, fn func() (primitive.ObjectID, error)) (primitive.ObjectID, error) {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" || s.idem == nil {
		return fn()
	}
	key := idempotency.Key(op, actor.Hex(), clientKey)
	state, result, err := s.idem.Reserve(ctx, key, s.idemTTL)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("reserve idempotency key: %w", err)
	}
	switch state {
	case idempotency.InFlight:
		return primitive.NilObjectID, apperr.Conflict("a request with this Idempotency-Key is already in progress")
	case idempotency.Done:
		id, ok := models.ParseID(result)
		if !ok {
			return primitive.NilObjectID, fmt.Errorf("corrupt idempotency result for %s", key)
		}
		observability.IdempotentReplays.Inc()
		s.logger.Info("idempotent replay", "op", op, "id", result)
		return id, nil
	}
	id, err := fn()
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := s.idem.Release(bg, key); rerr != nil {
			s.logger.Warn("release idempotency key", "key", key, "error", rerr)
		}
		return primitive.NilObjectID, err
	}
	if cerr := s.idem.Complete(bg, key, id.Hex(), s.idemTTL); cerr != nil {
		s.logger.Warn("complete idempotency key", "key", key, "error", cerr)
	}
	return id, nil
}

type ScheduleInput struct {
	ScheduledDateTime *time.Time `json:"scheduledDateTime"`
}

type PaymentInput struct {
	Method        string `json:"method" validate:"omitempty,oneof=card wallet upi cash"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,max=255"`
}

type CreateInput struct {
	RouteID         string             `json:"routeId" validate:"omitempty,mongodb"`
	TripID          string             `json:"tripId" validate:"omitempty,mongodb"`
	Pickup          string             `json:"pickup" validate:"omitempty,mongodb"`
	Dropoff         string             `json:"dropoff" validate:"omitempty,mongodb"`
	Passengers      []models.Passenger `json:"passengers" validate:"omitempty,max=20"`
	Schedule        ScheduleInput      `json:"schedule"`
	PromoCode       string             `json:"promoCode" validate:"omitempty,max=32"`
	Payment         *PaymentInput      `json:"payment"`
	Notes           string             `json:"notes" validate:"omitempty,max=1000"`
	SpecialRequests []string           `json:"specialRequests" validate:"omitempty,max=10,dive,max=200"`
}

// CreateBooking reserves seats on a route, or on the route of an existing
// trip, and charges the rider when payment details are supplied. A trip
// only lends its route and, by default, its departure time; the booking
// gets a trip of its own once confirmed. A declined payment still returns
// the booking, in payment_failed.
func (s *Service) CreateBooking(ctx context.Context, actor auth.Principal, in CreateInput, idemKey string) (*models.Booking, error) {
	if in.RouteID == "" && in.TripID == "" {
		return nil, apperr.Validation("routeId or tripId is required")
	}
	if in.RouteID != "" && in.TripID != "" {
		return nil, apperr.Validation("provide either routeId or tripId, not both")
	}
	if in.Schedule.ScheduledDateTime == nil && in.TripID == "" {
		return nil, apperr.Validation("schedule.scheduledDateTime is required")
	}
	id, err := s.idempotent(ctx, "booking", actor.UserID, idemKey, func() (primitive.ObjectID, error) {
		b, err := s.createBooking(ctx, actor, in)
		if err != nil {
			return primitive.NilObjectID, err
		}
		return b.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return s.loadBooking(ctx, id)
}

func (s *Service) createBooking(ctx context.Context, actor auth.Principal, in CreateInput) (*models.Booking, error) {
	route, trip, err := s.resolveRoute(ctx, in.RouteID, in.TripID)
	if err != nil {
		return nil, err
	}
	var at time.Time
	if in.Schedule.ScheduledDateTime != nil {
		at = in.Schedule.ScheduledDateTime.UTC().Truncate(time.Second)
	} else {
		at = trip.ScheduledAt
	}
	now := s.now().UTC()
	if err := s.checkAvailable(route, at, now); err != nil {
		return nil, err
	}
	passengers := in.Passengers
	if len(passengers) == 0 {
		return nil, apperr.Validation("at least one passenger is required")
	}
	if route.MaxPassengers > 0 && len(passengers) > route.MaxPassengers {
		return nil, apperr.Validation(fmt.Sprintf("route allows at most %d passengers", route.MaxPassengers))
	}
	pickup, err := s.optionalHotpoint(ctx, in.Pickup, "pickup")
	if err != nil {
		return nil, err
	}
	dropoff, err := s.optionalHotpoint(ctx, in.Dropoff, "dropoff")
	if err != nil {
		return nil, err
	}
	fare, promo, err := s.price(ctx, route, len(passengers), at, in.PromoCode, false, now)
	if err != nil {
		return nil, err
	}

	b := &models.Booking{
		UserID:          actor.UserID,
		RouteID:         route.ID,
		Pickup:          pickup,
		Dropoff:         dropoff,
		Passengers:      passengers,
		Schedule:        models.BookingSchedule{ScheduledDateTime: at},
		Pricing:         fare,
		Notes:           strings.TrimSpace(in.Notes),
		SpecialRequests: in.SpecialRequests,
	}

	var plan *Plan
	for attempt := 0; attempt < 2; attempt++ {
		b.ID = primitive.NewObjectID()
		b.BookingID = newBookingID()
		plan = planCreate(b, s.env(actor.UserID))
		err = s.commit(ctx, plan,
			func(ctx context.Context) error { return s.checkCapacity(ctx, route, at, len(passengers), primitive.NilObjectID) },
			func(ctx context.Context) error { return s.usePromo(ctx, promo, now) },
		)
		if !errors.Is(err, storage.ErrDuplicate) {
			break
		}
		s.logger.Warn("booking id collision, retrying", "booking_id", b.BookingID)
	}
	if err != nil {
		return nil, err
	}
	created := plan.Booking
	s.logger.Info("booking created", "booking_id", created.BookingID, "user_id", actor.UserID.Hex(), "total", created.Pricing.Total)

	if in.Payment == nil {
		return created, nil
	}
	paid, err := s.charge(ctx, created, *in.Payment, actor.UserID)
	if apperr.Is(err, http.StatusPaymentRequired) {
		return paid, nil
	}
	return paid, err
}

func (s *Service) resolveRoute(ctx context.Context, routeRef, tripRef string) (*models.Route, *models.Trip, error) {
	var trip *models.Trip
	if tripRef != "" {
		id, ok := models.ParseID(tripRef)
		if !ok {
			return nil, nil, apperr.Validation("invalid tripId")
		}
		t, err := s.store.Trips.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.NotFound("trip")
		}
		if err != nil {
			return nil, nil, err
		}
		switch t.Status {
		case models.TripRequested, models.TripConfirmed, models.TripAssigned:
		default:
			return nil, nil, apperr.Validation("trip is no longer open for booking")
		}
		trip = t
		routeRef = t.RouteID.Hex()
	}
	id, ok := models.ParseID(routeRef)
	if !ok {
		return nil, nil, apperr.Validation("invalid routeId")
	}
	r, err := s.store.Routes.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apperr.NotFound("route")
	}
	if err != nil {
		return nil, nil, err
	}
	return r, trip, nil
}

func (s *Service) checkAvailable(r *models.Route, at, now time.Time) error {
	if !r.Active {
		return apperr.Validation("route is not active")
	}
	if !at.After(now) {
		return apperr.Validation("scheduled time must be in the future")
	}
	if !r.IsAvailableAt(at.In(s.loc)) {
		return apperr.Validation("route is not available at the requested time")
	}
	return nil
}

// checkCapacity counts seats held on the same departure. self is left out
// so a booking can be re-checked on update or payment retry. It must run
// inside the transaction that writes the booking.
func (s *Service) checkCapacity(ctx context.Context, r *models.Route, at time.Time, seats int, self primitive.ObjectID) error {
	if r.MaxPassengers <= 0 {
		return nil
	}
	held, _, err := s.store.Bookings.Find(ctx, storage.BookingFilter{RouteID: &r.ID, ScheduledAt: &at, Statuses: models.SeatHoldingStatuses()}, storage.Page{})
	if err != nil {
		return err
	}
	taken := 0
	for _, b := range held {
		if b.ID != self {
			taken += len(b.Passengers)
		}
	}
	if taken+seats > r.MaxPassengers {
		return apperr.Validation("route is fully booked for the requested time")
	}
	// Rewriting the route makes two transactions counting the same seats
	// conflict instead of both committing.
	cur, err := s.store.Routes.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	return s.store.Routes.Update(ctx, cur)
}

func (s *Service) optionalHotpoint(ctx context.Context, ref, field string) (*primitive.ObjectID, error) {
	if ref == "" {
		return nil, nil
	}
	id, ok := models.ParseID(ref)
	if !ok {
		return nil, apperr.Validation("invalid " + field)
	}
	if _, err := s.store.Hotpoints.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound(field + " hotpoint")
	} else if err != nil {
		return nil, err
	}
	return &id, nil
}

// price evaluates the route fare in the operating time zone and applies
// the promo code, if any. A redeemed code is the one a booking already
// carries; it keeps its discount even if it expired or ran out since.
func (s *Service) price(ctx context.Context, r *models.Route, passengers int, at time.Time, code string, redeemed bool, now time.Time) (models.BookingPricing, *models.PromoCode, error) {
	b := pricing.Calculate(r, passengers, at.In(s.loc))
	currency := r.Pricing.Currency
	if currency == "" {
		currency = s.currency
	}
	out := models.BookingPricing{
		BaseFare:         b.BaseFare,
		DistanceFare:     b.DistanceFare,
		TimeFare:         b.TimeFare,
		PeakMultiplier:   b.PeakMultiplier,
		DemandMultiplier: b.DemandMultiplier,
		Passengers:       b.Passengers,
		Subtotal:         b.Total,
		Total:            b.Total,
		Currency:         strings.ToUpper(currency),
	}
	code = pricing.NormalizeCode(code)
	if code == "" {
		return out, nil, nil
	}
	promo, err := s.store.Promos.FindOne(ctx, storage.PromoFilter{Code: code})
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil, apperr.Validation("invalid promo code")
	}
	if err != nil {
		return out, nil, err
	}
	var d float64
	if redeemed {
		d, err = pricing.Reapply(promo, out.Subtotal)
	} else {
		d, err = pricing.Discount(promo, out.Subtotal, now)
	}
	if err != nil {
		return out, nil, err
	}
	out.Discount = d
	out.PromoCode = promo.Code
	out.Total = pricing.Round2(out.Subtotal - d)
	return out, promo, nil
}

// usePromo counts one redemption, re-checking the limit against the
// current document.
func (s *Service) usePromo(ctx context.Context, promo *models.PromoCode, now time.Time) error {
	if promo == nil {
		return nil
	}
	cur, err := s.store.Promos.Get(ctx, promo.ID)
	if err != nil {
		return err
	}
	if cur.UsageLimit > 0 && cur.UsageCount >= cur.UsageLimit {
		return apperr.Validation("promo code usage limit reached")
	}
	if !cur.ValidUntil.IsZero() && now.After(cur.ValidUntil) {
		return apperr.Validation("promo code has expired")
	}
	cur.UsageCount++
	return s.store.Promos.Update(ctx, cur)
}

func (s *Service) loadBooking(ctx context.Context, id primitive.ObjectID) (*models.Booking, error) {
	b, err := s.store.Bookings.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("booking")
	}
	return b, err
}

// findBooking accepts either the document id or the BK- code.
func (s *Service) findBooking(ctx context.Context, ref string) (*models.Booking, error) {
	if id, ok := models.ParseID(ref); ok {
		return s.loadBooking(ctx, id)
	}
	b, err := s.store.Bookings.FindOne(ctx, storage.BookingFilter{BookingID: strings.ToUpper(strings.TrimSpace(ref))})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("booking")
	}
	return b, err
}

func (s *Service) GetBooking(ctx context.Context, actor auth.Principal, ref string) (*models.Booking, error) {
	b, err := s.findBooking(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(b.UserID) {
		return nil, apperr.Authorization("not authorized to view this booking")
	}
	return b, nil
}

type ListFilter struct {
	UserID   *primitive.ObjectID
	RouteID  *primitive.ObjectID
	Statuses []models.BookingStatus
}

// ListBookings scopes non-admin callers to their own bookings.
func (s *Service) ListBookings(ctx context.Context, actor auth.Principal, f ListFilter, page storage.Page) ([]*models.Booking, int64, error) {
	if !actor.IsAdmin() {
		f.UserID = &actor.UserID
	}
	return s.store.Bookings.Find(ctx, storage.BookingFilter{UserID: f.UserID, RouteID: f.RouteID, Statuses: f.Statuses}, page)
}

type UpdateInput struct {
	Passengers      []models.Passenger `json:"passengers" validate:"omitempty,min=1,max=20"`
	Schedule        *ScheduleInput     `json:"schedule"`
	Notes           *string            `json:"notes" validate:"omitempty,max=1000"`
	SpecialRequests []string           `json:"specialRequests" validate:"omitempty,max=10,dive,max=200"`
}

// UpdateBooking edits a booking that is still awaiting payment. Changing
// passengers or schedule re-prices it and re-checks availability.
func (s *Service) UpdateBooking(ctx context.Context, actor auth.Principal, ref string, in UpdateInput) (*models.Booking, error) {
	cur, err := s.findBooking(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(cur.UserID) {
		return nil, apperr.Authorization("not authorized to update this booking")
	}
	if cur.Status != models.BookingPendingPayment {
		return nil, apperr.Validation("only bookings awaiting payment can be modified")
	}
	nb := cloneBooking(cur)
	reprice := false
	if len(in.Passengers) > 0 {
		nb.Passengers = in.Passengers
		reprice = true
	}
	if in.Schedule != nil && in.Schedule.ScheduledDateTime != nil {
		nb.Schedule.ScheduledDateTime = in.Schedule.ScheduledDateTime.UTC().Truncate(time.Second)
		reprice = true
	}
	if in.Notes != nil {
		nb.Notes = strings.TrimSpace(*in.Notes)
	}
	if in.SpecialRequests != nil {
		nb.SpecialRequests = in.SpecialRequests
	}

	var route *models.Route
	if reprice {
		route, err = s.store.Routes.Get(ctx, nb.RouteID)
		if err != nil {
			return nil, storage.APIError(err)
		}
		now := s.now().UTC()
		if err := s.checkAvailable(route, nb.Schedule.ScheduledDateTime, now); err != nil {
			return nil, err
		}
		fare, _, err := s.price(ctx, route, len(nb.Passengers), nb.Schedule.ScheduledDateTime, cur.Pricing.PromoCode, true, now)
		if err != nil {
			return nil, err
		}
		nb.Pricing = fare
	}

	p := &Plan{Booking: nb}
	p.publish(events.BookingUpdated, "booking", nb.BookingID, actor.UserID, map[string]any{"total": nb.Pricing.Total})
	var checks []func(context.Context) error
	if route != nil {
		checks = append(checks, func(ctx context.Context) error {
			return s.checkCapacity(ctx, route, nb.Schedule.ScheduledDateTime, len(nb.Passengers), nb.ID)
		})
	}
	if err := s.commit(ctx, p, checks...); err != nil {
		return nil, err
	}
	return nb, nil
}

// related loads the payment and trip a booking points at. Either may be nil.
func (s *Service) related(ctx context.Context, b *models.Booking) (*models.Payment, *models.Trip, error) {
	var (
		pay  *models.Payment
		trip *models.Trip
		err  error
	)
	if b.Payment.PaymentID != nil {
		pay, err = s.store.Payments.Get(ctx, *b.Payment.PaymentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}
	}
	if b.TripID != nil {
		trip, err = s.store.Trips.Get(ctx, *b.TripID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}
		// a trip booked by someone else is not ours to cancel
		if trip != nil && trip.BookingID != b.ID {
			trip = nil
		}
	}
	return pay, trip, nil
}

// releaseDriver frees the driver of a trip that p cancels.
func (s *Service) releaseDriver(ctx context.Context, p *Plan) error {
	if p.Trip == nil || p.Trip.Status != models.TripCancelled || p.Trip.DriverID == nil {
		return nil
	}
	d, err := s.store.Drivers.Get(ctx, *p.Trip.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.Available = true
	p.Driver = d
	return nil
}

// CancelBooking cancels on behalf of the owner or an admin and refunds
// according to the time left before departure.
func (s *Service) CancelBooking(ctx context.Context, actor auth.Principal, ref, reason string) (*models.Booking, error) {
	b, err := s.findBooking(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(b.UserID) {
		return nil, apperr.Authorization("not authorized to cancel this booking")
	}
	return s.cancel(ctx, actor.UserID, b, cancelRequest{Reason: reason, Percent: -1})
}

func (s *Service) cancel(ctx context.Context, actor primitive.ObjectID, b *models.Booking, req cancelRequest) (*models.Booking, error) {
	pay, trip, err := s.related(ctx, b)
	if err != nil {
		return nil, err
	}
	e := s.env(actor)
	plan, refund, err := planCancel(b, pay, trip, req, e)
	if err != nil {
		return nil, err
	}
	if err := s.releaseDriver(ctx, plan); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("booking cancelled", "booking_id", b.BookingID, "refund", plan.Booking.Cancellation.RefundAmount)
	if refund == nil {
		return plan.Booking, nil
	}
	res, err := s.settleRefund(ctx, plan.Booking, plan.Payment, refund, e)
	if err != nil {
		return nil, err
	}
	if res.gatewayErr != nil {
		s.logger.Error("refund failed after cancellation", "booking_id", b.BookingID, "error", res.gatewayErr)
	}
	return res.Booking, nil
}
