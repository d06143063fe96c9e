package booking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/pricing"
	"github.com/example/ride-booking/internal/storage"
)

// Receipt is a booking together with the payment an operation touched.
type Receipt struct {
	Booking *models.Booking `json:"booking"`
	Payment *models.Payment `json:"payment"`
}

func paymentFailed(err error) error {
	return apperr.Wrap(http.StatusPaymentRequired, "payment failed", err)
}

func failureReason(err error) string {
	if errors.Is(err, payments.ErrDeclined) {
		return err.Error()
	}
	return "payment gateway error"
}

// charge runs the payment saga for b: authorize, commit the confirmation,
// then capture. A failed commit voids the authorization and a failed
// capture is compensated. Payment failures are returned as 402 together
// with the booking as it was left.
func (s *Service) charge(ctx context.Context, b *models.Booking, in PaymentInput, actor primitive.ObjectID) (*models.Booking, error) {
	e := s.env(actor)
	method := in.Method
	if method == "" {
		method = "card"
	}
	pay := &models.Payment{
		UserID:    b.UserID,
		BookingID: b.ID,
		TripID:    b.TripID,
		Amount:    models.Money{Value: pricing.Round2(b.CalculateTotalAmount()), Currency: b.Pricing.Currency},
		Method:    method,
		Gateway:   s.gateway.Name(),
	}
	gw := s.gateway.Name()

	txID, err := s.gateway.Authorize(ctx, payments.ChargeRequest{
		Amount:        pay.Amount.Value,
		Currency:      pay.Amount.Currency,
		Method:        method,
		PaymentMethod: in.PaymentMethod,
		CustomerRef:   b.UserID.Hex(),
		Reference:     b.BookingID,
	})
	if err != nil {
		observability.PaymentsTotal.WithLabelValues(gw, "declined").Inc()
		s.logger.Warn("payment authorization failed", "booking_id", b.BookingID, "gateway", gw, "error", err)
		plan, perr := planDeclined(b, pay, failureReason(err), e)
		if perr != nil {
			return nil, perr
		}
		if cerr := s.commit(ctx, plan); cerr != nil {
			return nil, cerr
		}
		return plan.Booking, paymentFailed(err)
	}
	pay.TransactionID = txID

	var checks []func(context.Context) error
	if !b.Status.HoldsSeat() {
		route, err := s.store.Routes.Get(ctx, b.RouteID)
		if err != nil {
			s.void(ctx, txID, b.BookingID)
			return nil, storage.APIError(err)
		}
		checks = append(checks, func(ctx context.Context) error {
			return s.checkCapacity(ctx, route, b.Schedule.ScheduledDateTime, len(b.Passengers), b.ID)
		})
	}
	plan, err := planAuthorized(b, pay, e)
	if err == nil {
		err = s.commit(ctx, plan, checks...)
	}
	if err != nil {
		s.void(ctx, txID, b.BookingID)
		return nil, err
	}

	if err := s.gateway.Capture(ctx, txID); err != nil {
		observability.PaymentsTotal.WithLabelValues(gw, "capture_failed").Inc()
		observability.SagaCompensations.WithLabelValues("capture_failed").Inc()
		s.logger.Error("payment capture failed, compensating", "booking_id", b.BookingID, "transaction_id", txID, "error", err)
		comp, perr := planCaptureFailed(plan.Booking, plan.Payment, plan.Trip, "capture failed: "+failureReason(err), e)
		if perr == nil {
			perr = s.commit(ctx, comp)
		}
		if perr != nil {
			s.logger.Error("compensation failed", "booking_id", b.BookingID, "error", perr)
			return nil, perr
		}
		s.void(ctx, txID, b.BookingID)
		return comp.Booking, paymentFailed(err)
	}

	settle, err := planCaptured(plan.Booking, plan.Payment, e)
	if err == nil {
		err = s.commit(ctx, settle)
	}
	if err != nil {
		// funds were captured; the payment stays pending for reconciliation
		s.logger.Error("recording captured payment failed", "booking_id", b.BookingID, "transaction_id", txID, "error", err)
		return nil, err
	}
	observability.PaymentsTotal.WithLabelValues(gw, "succeeded").Inc()
	s.logger.Info("payment captured", "booking_id", b.BookingID, "transaction_id", txID, "amount", pay.Amount.Value)
	return settle.Booking, nil
}

func (s *Service) void(ctx context.Context, txID, bookingID string) {
	observability.SagaCompensations.WithLabelValues("void").Inc()
	if err := s.gateway.Void(context.WithoutCancel(ctx), txID); err != nil {
		s.logger.Error("void authorization failed", "booking_id", bookingID, "transaction_id", txID, "error", err)
	}
}

type ProcessPaymentInput struct {
	BookingID string `json:"bookingId" validate:"required"`
	PaymentInput
}

// ProcessPayment pays for an existing booking that is awaiting payment or
// whose previous payment failed.
func (s *Service) ProcessPayment(ctx context.Context, actor auth.Principal, in ProcessPaymentInput, idemKey string) (*Receipt, error) {
	if strings.TrimSpace(in.BookingID) == "" {
		return nil, apperr.Validation("bookingId is required")
	}
	id, err := s.idempotent(ctx, "payment", actor.UserID, idemKey, func() (primitive.ObjectID, error) {
		b, err := s.findBooking(ctx, in.BookingID)
		if err != nil {
			return primitive.NilObjectID, err
		}
		if !actor.Owns(b.UserID) {
			return primitive.NilObjectID, apperr.Authorization("not authorized to pay for this booking")
		}
		if b.Payment.Status == models.BookingPaid || b.Status == models.BookingConfirmed {
			return primitive.NilObjectID, apperr.Validation("booking is already paid")
		}
		if b.Status != models.BookingPendingPayment && b.Status != models.BookingPaymentFailed {
			return primitive.NilObjectID, apperr.Validation(fmt.Sprintf("booking cannot be paid while %s", b.Status))
		}
		paid, err := s.charge(ctx, b, in.PaymentInput, actor.UserID)
		if err != nil {
			return primitive.NilObjectID, err
		}
		return *paid.Payment.PaymentID, nil
	})
	if err != nil {
		return nil, err
	}
	pay, err := s.store.Payments.Get(ctx, id)
	if err != nil {
		return nil, storage.APIError(err)
	}
	b, err := s.loadBooking(ctx, pay.BookingID)
	if err != nil {
		return nil, err
	}
	return &Receipt{Booking: b, Payment: pay}, nil
}

type RefundInput struct {
	Amount *float64 `json:"amount" validate:"omitempty,gt=0"`
	Reason string   `json:"reason" validate:"omitempty,max=500"`
}

// ProcessRefund returns money on a payment. The amount defaults to what is
// left. A booking that is still active is cancelled through the same path
// as CancelBooking.
func (s *Service) ProcessRefund(ctx context.Context, actor auth.Principal, paymentID primitive.ObjectID, in RefundInput) (*Receipt, error) {
	pay, err := s.store.Payments.Get(ctx, paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("payment")
	}
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, apperr.Authorization("only admins can issue refunds")
	}
	if !pay.Refundable() {
		return nil, apperr.Validation("payment has not been captured")
	}
	remaining := pricing.Round2(pay.Amount.Value - pay.TotalRefundedAmount())
	amount := pricing.Round2(pay.RefundableAmount())
	if in.Amount != nil {
		amount = pricing.Round2(*in.Amount)
	}
	if amount > remaining {
		return nil, apperr.Validation(fmt.Sprintf("refund amount cannot exceed %.2f", remaining))
	}
	if amount <= 0 {
		return nil, apperr.Validation("payment has nothing left to refund")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "refund issued"
	}

	b, err := s.loadBooking(ctx, pay.BookingID)
	if err != nil && !apperr.Is(err, http.StatusNotFound) {
		return nil, err
	}
	e := s.env(actor.UserID)

	var (
		plan   *Plan
		refund *models.Refund
	)
	if b != nil && models.CanTransitionBooking(b.Status, models.BookingCancelled) {
		_, trip, rerr := s.related(ctx, b)
		if rerr != nil {
			return nil, rerr
		}
		plan, refund, err = planCancel(b, pay, trip, cancelRequest{Reason: reason, RefundAmount: &amount}, e)
		if err == nil {
			err = s.releaseDriver(ctx, plan)
		}
	} else {
		plan, refund, err = planRefundOpen(pay, amount, reason, e)
	}
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, plan); err != nil {
		return nil, err
	}
	target := plan.Booking
	if target == nil {
		target = b
	}
	res, err := s.settleRefund(ctx, target, plan.Payment, refund, e)
	if err != nil {
		return nil, err
	}
	if res.gatewayErr != nil {
		return nil, apperr.Wrap(http.StatusBadGateway, "refund failed at the payment gateway", res.gatewayErr)
	}
	return &Receipt{Booking: res.Booking, Payment: res.Payment}, nil
}

// settled is a committed refund outcome. gatewayErr is the gateway
// failure, already recorded on the payment.
type settled struct {
	*Plan
	gatewayErr error
}

// settleRefund asks the gateway for a pending refund and records the
// outcome.
func (s *Service) settleRefund(ctx context.Context, b *models.Booking, pay *models.Payment, r *models.Refund, e env) (settled, error) {
	gwID, gwErr := s.gateway.Refund(ctx, pay.TransactionID, r.Amount, pay.Amount.Currency)
	outcome := "succeeded"
	if gwErr != nil {
		outcome = "failed"
	}
	observability.RefundsTotal.WithLabelValues(outcome).Inc()
	plan, err := planRefundResult(b, pay, r.RefundID, gwID, gwErr, e)
	if err != nil {
		return settled{}, err
	}
	if err := s.commit(ctx, plan); err != nil {
		s.logger.Error("recording refund outcome failed", "refund_id", r.RefundID, "gateway_refund_id", gwID, "error", err)
		return settled{}, err
	}
	if gwErr == nil {
		observability.RefundedAmount.Add(r.Amount)
	}
	if plan.Booking == nil {
		plan.Booking = b
	}
	return settled{Plan: plan, gatewayErr: gwErr}, nil
}

func (s *Service) GetPayment(ctx context.Context, actor auth.Principal, id primitive.ObjectID) (*models.Payment, error) {
	pay, err := s.store.Payments.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("payment")
	}
	if err != nil {
		return nil, err
	}
	if !actor.Owns(pay.UserID) {
		return nil, apperr.Authorization("not authorized to view this payment")
	}
	return pay, nil
}

func (s *Service) ListPayments(ctx context.Context, actor auth.Principal, f storage.PaymentFilter, page storage.Page) ([]*models.Payment, int64, error) {
	if !actor.IsAdmin() {
		f.UserID = &actor.UserID
	}
	return s.store.Payments.Find(ctx, f, page)
}
