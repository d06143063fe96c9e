// Package events carries domain events to Kafka or straight into the
// audit log.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

const (
	BookingCreated       = "booking.created"
	BookingUpdated       = "booking.updated"
	BookingConfirmed     = "booking.confirmed"
	BookingPaymentFailed = "booking.payment_failed"
	BookingCancelled     = "booking.cancelled"
	BookingStatusChanged = "booking.status_changed"
	PaymentSucceeded     = "payment.succeeded"
	PaymentFailed        = "payment.failed"
	PaymentRefunded      = "payment.refunded"
	TripCreated          = "trip.created"
	TripAssigned         = "trip.assigned"
	TripStatusChanged    = "trip.status_changed"
	DriverStatusChanged  = "driver.status_changed"
	UserDeactivated      = "user.deactivated"
	TicketCreated        = "ticket.created"
	TicketStatusChanged  = "ticket.status_changed"
	SettingChanged       = "setting.changed"
	ContentPublished     = "content.published"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New stamps an event with a fresh id and time.
func New(typ, entityType, entityID, actorID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// AuditEntry maps an event onto an audit log row.
func AuditEntry(e Event) models.AuditEntry {
	return models.AuditEntry{
		EventID:    e.ID,
		Action:     e.Type,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Details:    e.Data,
		CreatedAt:  e.OccurredAt,
	}
}

// AuditPublisher writes events to the audit log directly; used when no
// broker is configured.
type AuditPublisher struct {
	Log storage.AuditLog
}

func (a *AuditPublisher) Publish(ctx context.Context, evs ...Event) error {
	for _, e := range evs {
		if err := a.Log.Append(ctx, AuditEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, evs...)
	return nil
}

// Types lists recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}
