package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type BookingStatus string

const (
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingPaymentFailed  BookingStatus = "payment_failed"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingInProgress     BookingStatus = "in_progress"
	BookingCompleted      BookingStatus = "completed"
	BookingCancelled      BookingStatus = "cancelled"
	BookingRefunded       BookingStatus = "refunded"
)

// BookingTransitions is the booking lifecycle; anything not listed is rejected.
var BookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPendingPayment: {BookingConfirmed, BookingPaymentFailed, BookingCancelled},
	BookingPaymentFailed:  {BookingConfirmed, BookingCancelled},
	BookingConfirmed:      {BookingInProgress, BookingCompleted, BookingCancelled},
	BookingInProgress:     {BookingCompleted},
	BookingCancelled:      {BookingRefunded},
	BookingCompleted:      {BookingRefunded},
}

func CanTransitionBooking(from, to BookingStatus) bool {
	return contains(BookingTransitions[from], to)
}

// BookingStatuses lists every booking status in lifecycle order.
var BookingStatuses = []BookingStatus{
	BookingPendingPayment, BookingPaymentFailed, BookingConfirmed, BookingInProgress,
	BookingCompleted, BookingCancelled, BookingRefunded,
}

// HoldsSeat reports whether a booking counts against its departure's
// capacity. A failed payment gives its seats back until the rider pays
// again.
func (s BookingStatus) HoldsSeat() bool {
	switch s {
	case BookingPendingPayment, BookingConfirmed, BookingInProgress, BookingCompleted:
		return true
	}
	return false
}

// SeatHoldingStatuses lists every status for which HoldsSeat is true.
func SeatHoldingStatuses() []BookingStatus {
	var out []BookingStatus
	for _, s := range BookingStatuses {
		if s.HoldsSeat() {
			out = append(out, s)
		}
	}
	return out
}

type BookingPaymentStatus string

const (
	BookingUnpaid            BookingPaymentStatus = "unpaid"
	BookingPaid              BookingPaymentStatus = "paid"
	BookingPayFailed         BookingPaymentStatus = "failed"
	BookingPartiallyRefunded BookingPaymentStatus = "partially_refunded"
	BookingFullyRefunded     BookingPaymentStatus = "refunded"
)

type Passenger struct {
	Name           string `json:"name" bson:"name"`
	Age            int    `json:"age,omitempty" bson:"age,omitempty"`
	Phone          string `json:"phone,omitempty" bson:"phone,omitempty"`
	SeatPreference string `json:"seatPreference,omitempty" bson:"seat_preference,omitempty"`
}

type BookingSchedule struct {
	ScheduledDateTime time.Time `json:"scheduledDateTime" bson:"scheduled_date_time"`
}

type BookingPricing struct {
	BaseFare         float64 `json:"baseFare" bson:"base_fare"`
	DistanceFare     float64 `json:"distanceFare" bson:"distance_fare"`
	TimeFare         float64 `json:"timeFare" bson:"time_fare"`
	PeakMultiplier   float64 `json:"peakMultiplier" bson:"peak_multiplier"`
	DemandMultiplier float64 `json:"demandMultiplier" bson:"demand_multiplier"`
	Passengers       int     `json:"passengers" bson:"passengers"`
	Subtotal         float64 `json:"subtotal" bson:"subtotal"`
	Discount         float64 `json:"discount" bson:"discount"`
	Total            float64 `json:"total" bson:"total"`
	Currency         string  `json:"currency" bson:"currency"`
	PromoCode        string  `json:"promoCode,omitempty" bson:"promo_code,omitempty"`
}

type BookingPayment struct {
	Status        BookingPaymentStatus `json:"status" bson:"status"`
	Method        string               `json:"method,omitempty" bson:"method,omitempty"`
	PaymentID     *primitive.ObjectID  `json:"paymentId,omitempty" bson:"payment_id,omitempty"`
	TransactionID string               `json:"transactionId,omitempty" bson:"transaction_id,omitempty"`
	PaidAt        *time.Time           `json:"paidAt,omitempty" bson:"paid_at,omitempty"`
	FailureReason string               `json:"failureReason,omitempty" bson:"failure_reason,omitempty"`
}

type Cancellation struct {
	CancelledAt     time.Time          `json:"cancelledAt" bson:"cancelled_at"`
	CancelledBy     primitive.ObjectID `json:"cancelledBy" bson:"cancelled_by"`
	Reason          string             `json:"reason,omitempty" bson:"reason,omitempty"`
	RefundPercent   int                `json:"refundPercent" bson:"refund_percent"`
	RefundAmount    float64            `json:"refundAmount" bson:"refund_amount"`
	CancellationFee float64            `json:"cancellationFee" bson:"cancellation_fee"`
}

type Booking struct {
	Meta            `bson:",inline"`
	BookingID       string              `json:"bookingId" bson:"booking_id"`
	UserID          primitive.ObjectID  `json:"user" bson:"user"`
	RouteID         primitive.ObjectID  `json:"routeId" bson:"route"`
	TripID          *primitive.ObjectID `json:"tripId,omitempty" bson:"trip,omitempty"`
	Pickup          *primitive.ObjectID `json:"pickup,omitempty" bson:"pickup,omitempty"`
	Dropoff         *primitive.ObjectID `json:"dropoff,omitempty" bson:"dropoff,omitempty"`
	Passengers      []Passenger         `json:"passengers" bson:"passengers"`
	Schedule        BookingSchedule     `json:"schedule" bson:"schedule"`
	Pricing         BookingPricing      `json:"pricing" bson:"pricing"`
	Payment         BookingPayment      `json:"payment" bson:"payment"`
	Status          BookingStatus       `json:"status" bson:"status"`
	Cancellation    *Cancellation       `json:"cancellation,omitempty" bson:"cancellation,omitempty"`
	Notes           string              `json:"notes,omitempty" bson:"notes,omitempty"`
	SpecialRequests []string            `json:"specialRequests,omitempty" bson:"special_requests,omitempty"`
}

// CalculateTotalAmount is what the rider owes: the subtotal less the
// discount, never negative.
func (b *Booking) CalculateTotalAmount() float64 {
	total := b.Pricing.Subtotal - b.Pricing.Discount
	if total < 0 {
		return 0
	}
	return total
}
