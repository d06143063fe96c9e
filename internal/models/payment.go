package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
)

var PaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentSucceeded, PaymentFailed},
	PaymentSucceeded:         {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return contains(PaymentTransitions[from], to)
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

type Money struct {
	Value    float64 `json:"value" bson:"value"`
	Currency string  `json:"currency" bson:"currency"`
}

type Refund struct {
	RefundID        string             `json:"refundId" bson:"refund_id"`
	Amount          float64            `json:"amount" bson:"amount"`
	Reason          string             `json:"reason,omitempty" bson:"reason,omitempty"`
	Status          RefundStatus       `json:"status" bson:"status"`
	GatewayRefundID string             `json:"gatewayRefundId,omitempty" bson:"gateway_refund_id,omitempty"`
	FailureReason   string             `json:"failureReason,omitempty" bson:"failure_reason,omitempty"`
	RequestedBy     primitive.ObjectID `json:"requestedBy" bson:"requested_by"`
	CreatedAt       time.Time          `json:"createdAt" bson:"created_at"`
	ProcessedAt     *time.Time         `json:"processedAt,omitempty" bson:"processed_at,omitempty"`
}

type Payment struct {
	Meta          `bson:",inline"`
	UserID        primitive.ObjectID  `json:"user" bson:"user"`
	BookingID     primitive.ObjectID  `json:"booking" bson:"booking"`
	TripID        *primitive.ObjectID `json:"trip,omitempty" bson:"trip,omitempty"`
	Amount        Money               `json:"amount" bson:"amount"`
	Method        string              `json:"method" bson:"method"`
	Gateway       string              `json:"gateway" bson:"gateway"`
	TransactionID string              `json:"transactionId" bson:"transaction_id"`
	Status        PaymentStatus       `json:"status" bson:"status"`
	FailureReason string              `json:"failureReason,omitempty" bson:"failure_reason,omitempty"`
	PaidAt        *time.Time          `json:"paidAt,omitempty" bson:"paid_at,omitempty"`
	Refunds       []Refund            `json:"refunds" bson:"refunds"`
}

// TotalRefundedAmount sums refunds the gateway confirmed.
func (p *Payment) TotalRefundedAmount() float64 {
	var sum float64
	for _, r := range p.Refunds {
		if r.Status == RefundSucceeded {
			sum += r.Amount
		}
	}
	return sum
}

// RefundableAmount is what is left once confirmed and in-flight refunds are
// taken out.
func (p *Payment) RefundableAmount() float64 {
	left := p.Amount.Value
	for _, r := range p.Refunds {
		if r.Status == RefundSucceeded || r.Status == RefundPending {
			left -= r.Amount
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

// Refundable reports whether the payment ever captured money.
func (p *Payment) Refundable() bool {
	return p.Status == PaymentSucceeded || p.Status == PaymentPartiallyRefunded
}
