package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Review struct {
	Meta     `bson:",inline"`
	UserID   primitive.ObjectID `json:"user" bson:"user"`
	DriverID primitive.ObjectID `json:"driver" bson:"driver"`
	TripID   primitive.ObjectID `json:"trip" bson:"trip"`
	Rating   int                `json:"rating" bson:"rating"`
	Comment  string             `json:"comment,omitempty" bson:"comment,omitempty"`
}

type Notification struct {
	Meta    `bson:",inline"`
	UserID  primitive.ObjectID `json:"user" bson:"user"`
	Type    string             `json:"type" bson:"type"`
	Title   string             `json:"title" bson:"title"`
	Message string             `json:"message" bson:"message"`
	Data    map[string]string  `json:"data,omitempty" bson:"data,omitempty"`
	Read    bool               `json:"read" bson:"read"`
	ReadAt  *time.Time         `json:"readAt,omitempty" bson:"read_at,omitempty"`
}

type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

var TicketTransitions = map[TicketStatus][]TicketStatus{
	TicketOpen:       {TicketInProgress, TicketResolved, TicketClosed},
	TicketInProgress: {TicketResolved, TicketClosed},
	TicketResolved:   {TicketClosed, TicketOpen},
}

func CanTransitionTicket(from, to TicketStatus) bool {
	return contains(TicketTransitions[from], to)
}

type TicketMessage struct {
	AuthorID primitive.ObjectID `json:"author" bson:"author"`
	Body     string             `json:"body" bson:"body"`
	At       time.Time          `json:"at" bson:"at"`
}

type SupportTicket struct {
	Meta         `bson:",inline"`
	TicketNumber string              `json:"ticketNumber" bson:"ticket_number"`
	UserID       primitive.ObjectID  `json:"user" bson:"user"`
	BookingID    *primitive.ObjectID `json:"booking,omitempty" bson:"booking,omitempty"`
	Subject      string              `json:"subject" bson:"subject"`
	Description  string              `json:"description" bson:"description"`
	Category     string              `json:"category" bson:"category"`
	Priority     string              `json:"priority" bson:"priority"`
	Status       TicketStatus        `json:"status" bson:"status"`
	Messages     []TicketMessage     `json:"messages" bson:"messages"`
	ResolvedAt   *time.Time          `json:"resolvedAt,omitempty" bson:"resolved_at,omitempty"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type PromoCode struct {
	Meta          `bson:",inline"`
	Code          string       `json:"code" bson:"code"`
	Description   string       `json:"description,omitempty" bson:"description,omitempty"`
	DiscountType  DiscountType `json:"discountType" bson:"discount_type"`
	DiscountValue float64      `json:"discountValue" bson:"discount_value"`
	MaxDiscount   float64      `json:"maxDiscount,omitempty" bson:"max_discount,omitempty"`
	MinAmount     float64      `json:"minAmount,omitempty" bson:"min_amount,omitempty"`
	ValidFrom     time.Time    `json:"validFrom" bson:"valid_from"`
	ValidUntil    time.Time    `json:"validUntil" bson:"valid_until"`
	UsageLimit    int          `json:"usageLimit" bson:"usage_limit"`
	UsageCount    int          `json:"usageCount" bson:"usage_count"`
	Active        bool         `json:"active" bson:"active"`
}

type AdminSetting struct {
	Meta        `bson:",inline"`
	Key         string             `json:"key" bson:"key"`
	Value       string             `json:"value" bson:"value"`
	Description string             `json:"description,omitempty" bson:"description,omitempty"`
	UpdatedBy   primitive.ObjectID `json:"updatedBy" bson:"updated_by"`
}

type Content struct {
	Meta      `bson:",inline"`
	Slug      string `json:"slug" bson:"slug"`
	Title     string `json:"title" bson:"title"`
	Body      string `json:"body" bson:"body"`
	Published bool   `json:"published" bson:"published"`
}

type Feedback struct {
	Meta     `bson:",inline"`
	UserID   *primitive.ObjectID `json:"user,omitempty" bson:"user,omitempty"`
	Category string              `json:"category" bson:"category"`
	Message  string              `json:"message" bson:"message"`
	Rating   int                 `json:"rating,omitempty" bson:"rating,omitempty"`
}

// AuditEntry is a row of the append-only audit log kept in Postgres.
type AuditEntry struct {
	ID         int64          `json:"id"`
	EventID    string         `json:"eventId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
