package booking

import (
	"fmt"
	"math"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/pricing"
)

// Notice is a notification to deliver once a plan commits.
type Notice struct {
	UserID  primitive.ObjectID
	Kind    string
	Title   string
	Message string
	Data    map[string]string
}

// Effects run after the storage transaction commits. They never roll a
// plan back.
type Effects struct {
	Events  []events.Event
	Notices []Notice
}

func (e *Effects) publish(typ, entityType, entityID string, actor primitive.ObjectID, data map[string]any) {
	actorID := ""
	if !actor.IsZero() {
		actorID = actor.Hex()
	}
	e.Events = append(e.Events, events.New(typ, entityType, entityID, actorID, data))
}

func (e *Effects) notify(userID primitive.ObjectID, kind, title, message string, data map[string]string) {
	e.Notices = append(e.Notices, Notice{UserID: userID, Kind: kind, Title: title, Message: message, Data: data})
}

// Plan is the outcome of a transition: the documents to write and the
// effects to run afterwards. The New* flags select insert over update.
type Plan struct {
	Booking *models.Booking
	Payment *models.Payment
	Trip    *models.Trip
	Driver  *models.Driver

	NewBooking bool
	NewPayment bool
	NewTrip    bool

	Effects
}

// env is what planners need from the outside world.
type env struct {
	now    time.Time
	actor  primitive.ObjectID
	tripID func() string
}

func cloneBooking(b *models.Booking) *models.Booking {
	c := *b
	c.Passengers = slices.Clone(b.Passengers)
	c.SpecialRequests = slices.Clone(b.SpecialRequests)
	if b.Cancellation != nil {
		cc := *b.Cancellation
		c.Cancellation = &cc
	}
	return &c
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	c.StatusHistory = slices.Clone(t.StatusHistory)
	return &c
}

func clonePayment(p *models.Payment) *models.Payment {
	c := *p
	c.Refunds = slices.Clone(p.Refunds)
	return &c
}

func cloneDriver(d *models.Driver) *models.Driver {
	c := *d
	return &c
}

func bookingConflict(from, to models.BookingStatus) error {
	return apperr.Conflict(fmt.Sprintf("booking cannot move from %s to %s", from, to))
}

func tripConflict(from, to models.TripStatus) error {
	return apperr.Conflict(fmt.Sprintf("trip cannot move from %s to %s", from, to))
}

func moveBooking(b *models.Booking, to models.BookingStatus) error {
	if !models.CanTransitionBooking(b.Status, to) {
		return bookingConflict(b.Status, to)
	}
	b.Status = to
	return nil
}

func bookingData(b *models.Booking) map[string]string {
	return map[string]string{"bookingId": b.BookingID, "booking": b.ID.Hex()}
}

// RefundPercent is the share of the fare returned when a booking is
// cancelled with until left before departure.
func RefundPercent(until time.Duration) int {
	switch {
	case until > 24*time.Hour:
		return 100
	case until > 12*time.Hour:
		return 75
	case until > 2*time.Hour:
		return 50
	default:
		return 0
	}
}

// planCreate stamps a new booking as pending payment.
func planCreate(b *models.Booking, e env) *Plan {
	nb := cloneBooking(b)
	nb.Status = models.BookingPendingPayment
	nb.Payment = models.BookingPayment{Status: models.BookingUnpaid}
	p := &Plan{Booking: nb, NewBooking: true}
	p.publish(events.BookingCreated, "booking", nb.BookingID, e.actor, map[string]any{
		"route": nb.RouteID.Hex(), "total": nb.Pricing.Total, "passengers": len(nb.Passengers),
	})
	return p
}

// planAuthorized confirms the booking against an authorized, not yet
// captured payment and opens a trip when the booking has none.
func planAuthorized(b *models.Booking, pay *models.Payment, e env) (*Plan, error) {
	nb := cloneBooking(b)
	if err := moveBooking(nb, models.BookingConfirmed); err != nil {
		return nil, err
	}
	np := clonePayment(pay)
	np.Status = models.PaymentPending
	if np.ID.IsZero() {
		np.ID = primitive.NewObjectID()
	}
	nb.Payment.Method = np.Method
	nb.Payment.PaymentID = models.IDPtr(np.ID)
	nb.Payment.TransactionID = np.TransactionID
	nb.Payment.FailureReason = ""

	p := &Plan{Booking: nb, Payment: np, NewPayment: true}
	if nb.TripID == nil {
		t := &models.Trip{
			TripID:      e.tripID(),
			UserID:      nb.UserID,
			RouteID:     nb.RouteID,
			BookingID:   nb.ID,
			Passengers:  len(nb.Passengers),
			ScheduledAt: nb.Schedule.ScheduledDateTime,
			Pricing:     models.TripPricing{Estimated: nb.Pricing.Total, Currency: nb.Pricing.Currency},
		}
		t.ID = primitive.NewObjectID()
		t.Record(models.TripRequested, e.actor, "", e.now)
		t.Record(models.TripConfirmed, e.actor, "booking confirmed", e.now)
		nb.TripID = models.IDPtr(t.ID)
		p.Trip, p.NewTrip = t, true
		p.publish(events.TripCreated, "trip", t.TripID, e.actor, map[string]any{"booking": nb.BookingID})
	}
	p.publish(events.BookingConfirmed, "booking", nb.BookingID, e.actor, map[string]any{"transactionId": np.TransactionID})
	return p, nil
}

// planCaptured settles the payment once the gateway captured the funds.
func planCaptured(b *models.Booking, pay *models.Payment, e env) (*Plan, error) {
	if !models.CanTransitionPayment(pay.Status, models.PaymentSucceeded) {
		return nil, apperr.Conflict("payment is not awaiting capture")
	}
	nb, np := cloneBooking(b), clonePayment(pay)
	np.Status = models.PaymentSucceeded
	np.PaidAt = models.TimePtr(e.now)
	nb.Payment.Status = models.BookingPaid
	nb.Payment.PaidAt = models.TimePtr(e.now)

	p := &Plan{Booking: nb, Payment: np}
	p.publish(events.PaymentSucceeded, "payment", np.ID.Hex(), e.actor, map[string]any{
		"booking": nb.BookingID, "amount": np.Amount.Value, "gateway": np.Gateway,
	})
	p.notify(nb.UserID, notify.TypeBooking, "Booking confirmed",
		fmt.Sprintf("Your booking %s is confirmed. %.2f %s was charged.", nb.BookingID, np.Amount.Value, np.Amount.Currency),
		bookingData(nb))
	return p, nil
}

// planDeclined records a payment that never got authorized.
func planDeclined(b *models.Booking, pay *models.Payment, reason string, e env) (*Plan, error) {
	nb := cloneBooking(b)
	if nb.Status != models.BookingPaymentFailed {
		if err := moveBooking(nb, models.BookingPaymentFailed); err != nil {
			return nil, err
		}
	}
	np := clonePayment(pay)
	np.Status = models.PaymentFailed
	np.FailureReason = reason
	if np.ID.IsZero() {
		np.ID = primitive.NewObjectID()
	}
	nb.Payment.Status = models.BookingPayFailed
	nb.Payment.Method = np.Method
	nb.Payment.PaymentID = models.IDPtr(np.ID)
	nb.Payment.FailureReason = reason

	p := &Plan{Booking: nb, Payment: np, NewPayment: true}
	p.publish(events.PaymentFailed, "payment", np.ID.Hex(), e.actor, map[string]any{"booking": nb.BookingID, "reason": reason})
	p.publish(events.BookingPaymentFailed, "booking", nb.BookingID, e.actor, nil)
	p.notify(nb.UserID, notify.TypePayment, "Payment failed",
		fmt.Sprintf("Payment for booking %s failed: %s", nb.BookingID, reason), bookingData(nb))
	return p, nil
}

// planCaptureFailed compensates a confirmation whose capture failed. It is
// the one path that takes a confirmed booking to payment_failed, and only
// while the booking has not been paid.
func planCaptureFailed(b *models.Booking, pay *models.Payment, t *models.Trip, reason string, e env) (*Plan, error) {
	if b.Status != models.BookingConfirmed || b.Payment.Status == models.BookingPaid {
		return nil, bookingConflict(b.Status, models.BookingPaymentFailed)
	}
	if !models.CanTransitionPayment(pay.Status, models.PaymentFailed) {
		return nil, apperr.Conflict("payment is not awaiting capture")
	}
	nb, np := cloneBooking(b), clonePayment(pay)
	nb.Status = models.BookingPaymentFailed
	nb.Payment.Status = models.BookingPayFailed
	nb.Payment.FailureReason = reason
	np.Status = models.PaymentFailed
	np.FailureReason = reason

	p := &Plan{Booking: nb, Payment: np}
	if t != nil && models.CanTransitionTrip(t.Status, models.TripCancelled) {
		nt := cloneTrip(t)
		nt.Record(models.TripCancelled, e.actor, "payment capture failed", e.now)
		nt.CancelledAt = models.TimePtr(e.now)
		nt.CancellationReason = "payment capture failed"
		p.Trip = nt
		p.publish(events.TripStatusChanged, "trip", nt.TripID, e.actor, map[string]any{"status": nt.Status})
	}
	p.publish(events.PaymentFailed, "payment", np.ID.Hex(), e.actor, map[string]any{"booking": nb.BookingID, "reason": reason})
	p.publish(events.BookingPaymentFailed, "booking", nb.BookingID, e.actor, nil)
	p.notify(nb.UserID, notify.TypePayment, "Payment failed",
		fmt.Sprintf("We could not collect payment for booking %s. Please try again.", nb.BookingID), bookingData(nb))
	return p, nil
}

// cancelRequest describes a cancellation. A nil RefundAmount applies the
// time-based policy; Percent overrides the policy when non-negative.
type cancelRequest struct {
	Reason       string
	Percent      int
	RefundAmount *float64
}

// planCancel cancels a booking, its trip, and opens a pending refund on
// the payment when money is owed back. The refund is settled by
// planRefundResult once the gateway answered.
func planCancel(b *models.Booking, pay *models.Payment, t *models.Trip, req cancelRequest, e env) (*Plan, *models.Refund, error) {
	nb := cloneBooking(b)
	if err := moveBooking(nb, models.BookingCancelled); err != nil {
		return nil, nil, err
	}
	percent := req.Percent
	if percent < 0 {
		percent = RefundPercent(nb.Schedule.ScheduledDateTime.Sub(e.now))
	}
	paid := 0.0
	if pay != nil && pay.Refundable() {
		paid = pay.RefundableAmount()
	}
	refund := pricing.Round2(paid * float64(percent) / 100)
	if req.RefundAmount != nil {
		refund = pricing.Round2(*req.RefundAmount)
		if paid > 0 {
			percent = int(math.Round(refund / pay.Amount.Value * 100))
		}
	}
	if refund > paid {
		return nil, nil, apperr.Validation("refund amount exceeds the refundable balance")
	}
	nb.Cancellation = &models.Cancellation{
		CancelledAt:     e.now,
		CancelledBy:     e.actor,
		Reason:          req.Reason,
		RefundPercent:   percent,
		RefundAmount:    refund,
		CancellationFee: pricing.Round2(paid - refund),
	}

	p := &Plan{Booking: nb}
	if t != nil && models.CanTransitionTrip(t.Status, models.TripCancelled) {
		nt := cloneTrip(t)
		nt.Record(models.TripCancelled, e.actor, req.Reason, e.now)
		nt.CancelledAt = models.TimePtr(e.now)
		nt.CancellationReason = req.Reason
		p.Trip = nt
		p.publish(events.TripStatusChanged, "trip", nt.TripID, e.actor, map[string]any{"status": nt.Status})
	}
	var pending *models.Refund
	if refund > 0 {
		np := clonePayment(pay)
		r := models.Refund{
			RefundID:    newCode("RF"),
			Amount:      refund,
			Reason:      req.Reason,
			Status:      models.RefundPending,
			RequestedBy: e.actor,
			CreatedAt:   e.now,
		}
		np.Refunds = append(np.Refunds, r)
		p.Payment = np
		pending = &r
	}
	p.publish(events.BookingCancelled, "booking", nb.BookingID, e.actor, map[string]any{
		"reason": req.Reason, "refundPercent": percent, "refundAmount": refund,
	})
	p.notify(nb.UserID, notify.TypeBooking, "Booking cancelled",
		fmt.Sprintf("Booking %s was cancelled. Refund: %.2f (%d%%).", nb.BookingID, refund, percent), bookingData(nb))
	return p, pending, nil
}

// planRefundOpen adds a pending refund to a payment whose booking is no
// longer active.
func planRefundOpen(pay *models.Payment, amount float64, reason string, e env) (*Plan, *models.Refund, error) {
	if !pay.Refundable() {
		return nil, nil, apperr.Validation("payment has nothing to refund")
	}
	if amount <= 0 {
		return nil, nil, apperr.Validation("refund amount must be positive")
	}
	if amount > pricing.Round2(pay.Amount.Value-pay.TotalRefundedAmount()) || amount > pricing.Round2(pay.RefundableAmount()) {
		return nil, nil, apperr.Validation("refund amount exceeds the refundable balance")
	}
	np := clonePayment(pay)
	r := models.Refund{
		RefundID:    newCode("RF"),
		Amount:      pricing.Round2(amount),
		Reason:      reason,
		Status:      models.RefundPending,
		RequestedBy: e.actor,
		CreatedAt:   e.now,
	}
	np.Refunds = append(np.Refunds, r)
	return &Plan{Payment: np}, &r, nil
}

// planRefundResult settles a pending refund with the gateway outcome.
// A fully refunded payment moves a cancelled or completed booking to
// refunded.
func planRefundResult(b *models.Booking, pay *models.Payment, refundID, gatewayID string, gwErr error, e env) (*Plan, error) {
	np := clonePayment(pay)
	i := slices.IndexFunc(np.Refunds, func(r models.Refund) bool { return r.RefundID == refundID })
	if i < 0 || np.Refunds[i].Status != models.RefundPending {
		return nil, apperr.Conflict("refund is not pending")
	}
	r := &np.Refunds[i]
	r.ProcessedAt = models.TimePtr(e.now)
	p := &Plan{Payment: np}
	if gwErr != nil {
		r.Status = models.RefundFailed
		r.FailureReason = gwErr.Error()
		p.publish(events.PaymentRefunded, "payment", np.ID.Hex(), e.actor, map[string]any{
			"refundId": refundID, "status": r.Status, "reason": r.FailureReason,
		})
		return p, nil
	}
	r.Status = models.RefundSucceeded
	r.GatewayRefundID = gatewayID

	to := models.PaymentPartiallyRefunded
	if np.TotalRefundedAmount() >= np.Amount.Value-0.005 {
		to = models.PaymentRefunded
	}
	if !models.CanTransitionPayment(np.Status, to) {
		return nil, apperr.Conflict(fmt.Sprintf("payment cannot move from %s to %s", np.Status, to))
	}
	np.Status = to
	p.publish(events.PaymentRefunded, "payment", np.ID.Hex(), e.actor, map[string]any{
		"refundId": refundID, "amount": r.Amount, "status": np.Status,
	})

	if b != nil {
		nb := cloneBooking(b)
		if to == models.PaymentRefunded {
			nb.Payment.Status = models.BookingFullyRefunded
			if models.CanTransitionBooking(nb.Status, models.BookingRefunded) {
				nb.Status = models.BookingRefunded
				p.publish(events.BookingStatusChanged, "booking", nb.BookingID, e.actor, map[string]any{"status": nb.Status})
			}
		} else {
			nb.Payment.Status = models.BookingPartiallyRefunded
		}
		p.Booking = nb
		p.notify(nb.UserID, notify.TypePayment, "Refund processed",
			fmt.Sprintf("%.2f %s was refunded for booking %s.", r.Amount, np.Amount.Currency, nb.BookingID), bookingData(nb))
	}
	return p, nil
}

// planTripStatus moves a trip forward and mirrors progress onto the
// booking. Completion frees the driver and folds the fare into their
// aggregates.
func planTripStatus(t *models.Trip, b *models.Booking, d *models.Driver, to models.TripStatus, note string, e env) (*Plan, error) {
	if !models.CanTransitionTrip(t.Status, to) {
		return nil, tripConflict(t.Status, to)
	}
	nt := cloneTrip(t)
	nt.Record(to, e.actor, note, e.now)
	p := &Plan{Trip: nt}

	var bookingTo models.BookingStatus
	switch to {
	case models.TripInProgress:
		nt.StartedAt = models.TimePtr(e.now)
		bookingTo = models.BookingInProgress
	case models.TripCompleted:
		nt.CompletedAt = models.TimePtr(e.now)
		if nt.Pricing.Final == 0 {
			nt.Pricing.Final = pricing.Round2(nt.Pricing.Estimated + nt.Pricing.WaitingCharge + nt.Pricing.Tolls)
		}
		bookingTo = models.BookingCompleted
		if d != nil {
			nd := cloneDriver(d)
			nd.Performance.TotalTrips++
			nd.Performance.CompletedTrips++
			nd.Performance.TotalEarnings = pricing.Round2(nd.Performance.TotalEarnings + nt.Pricing.Final)
			nd.Available = true
			p.Driver = nd
		}
	case models.TripConfirmed:
		// driver backed out; the trip goes back to matching
		nt.DriverID, nt.VehicleID = nil, nil
		if d != nil {
			nd := cloneDriver(d)
			nd.Performance.CancelledTrips++
			nd.Available = true
			p.Driver = nd
		}
	case models.TripCancelled:
		return nil, apperr.Validation("use trip cancellation to cancel a trip")
	case models.TripAssigned:
		return nil, apperr.Validation("use driver assignment to assign a trip")
	}
	if b != nil && bookingTo != "" && b.Status != bookingTo {
		nb := cloneBooking(b)
		if err := moveBooking(nb, bookingTo); err != nil {
			return nil, err
		}
		p.Booking = nb
		p.publish(events.BookingStatusChanged, "booking", nb.BookingID, e.actor, map[string]any{"status": nb.Status})
	}
	p.publish(events.TripStatusChanged, "trip", nt.TripID, e.actor, map[string]any{"status": nt.Status, "note": note})
	p.notify(nt.UserID, notify.TypeTrip, "Trip update",
		fmt.Sprintf("Your trip %s is now %s.", nt.TripID, nt.Status), map[string]string{"trip": nt.ID.Hex()})
	return p, nil
}

// planAssign hands a confirmed trip to a driver.
func planAssign(t *models.Trip, d *models.Driver, e env) (*Plan, error) {
	if !models.CanTransitionTrip(t.Status, models.TripAssigned) {
		return nil, tripConflict(t.Status, models.TripAssigned)
	}
	if !d.CanDrive() {
		return nil, apperr.Conflict("driver is no longer available")
	}
	nt, nd := cloneTrip(t), cloneDriver(d)
	nt.DriverID = models.IDPtr(nd.ID)
	nt.VehicleID = models.IDPtr(*nd.VehicleID)
	nt.Record(models.TripAssigned, e.actor, "driver "+nd.ID.Hex(), e.now)
	nd.Available = false

	p := &Plan{Trip: nt, Driver: nd}
	p.publish(events.TripAssigned, "trip", nt.TripID, e.actor, map[string]any{"driver": nd.ID.Hex()})
	p.notify(nd.UserID, notify.TypeTrip, "New trip assigned",
		fmt.Sprintf("Trip %s was assigned to you.", nt.TripID), map[string]string{"trip": nt.ID.Hex()})
	p.notify(nt.UserID, notify.TypeTrip, "Driver assigned",
		fmt.Sprintf("A driver was assigned to trip %s.", nt.TripID), map[string]string{"trip": nt.ID.Hex()})
	return p, nil
}

// FinalPrice is the booked fare plus waiting time at the route's per-minute
// rate plus tolls.
func FinalPrice(estimated, waitingMinutes, perMinute, tolls float64) float64 {
	return pricing.Round2(estimated + waitingMinutes*perMinute + tolls)
}
