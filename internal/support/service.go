// Package support covers the back-office satellites: support tickets,
// feedback, content pages, admin settings and the audit trail.
package support

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/storage"
)

type Notifier interface {
	Notify(ctx context.Context, userID primitive.ObjectID, kind, title, message string, data map[string]string) error
}

type Deps struct {
	Store    *storage.Store
	Events   events.Publisher
	Notifier Notifier
	Logger   *slog.Logger
}

type Service struct {
	store    *storage.Store
	events   events.Publisher
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{store: d.Store, events: d.Events, notifier: d.Notifier, logger: d.Logger, now: time.Now}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("publish failed", "event", e.Type, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, userID primitive.ObjectID, title, message string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), userID, notify.TypeSupport, title, message, data); err != nil {
		s.logger.Warn("notify failed", "user_id", userID.Hex(), "error", err)
	}
}

func ticketNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("TK-%s-%s", at.UTC().Format("20060102"), suffix)
}

type TicketInput struct {
	Subject     string `json:"subject" validate:"required,max=200"`
	Description string `json:"description" validate:"required,max=5000"`
	Category    string `json:"category" validate:"required,oneof=booking payment driver account technical other"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	BookingID   string `json:"bookingId" validate:"omitempty,mongodb"`
}

func (s *Service) CreateTicket(ctx context.Context, actor auth.Principal, in TicketInput) (*models.SupportTicket, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" || strings.TrimSpace(in.Description) == "" {
		return nil, apperr.Validation("subject and description are required")
	}
	now := s.now().UTC()
	t := &models.SupportTicket{
		TicketNumber: ticketNumber(now),
		UserID:       actor.UserID,
		Subject:      subject,
		Description:  strings.TrimSpace(in.Description),
		Category:     in.Category,
		Priority:     in.Priority,
		Status:       models.TicketOpen,
		Messages:     []models.TicketMessage{},
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if in.BookingID != "" {
		id, ok := models.ParseID(in.BookingID)
		if !ok {
			return nil, apperr.Validation("invalid booking id")
		}
		b, err := s.store.Bookings.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("booking")
		}
		if err != nil {
			return nil, err
		}
		if !actor.Owns(b.UserID) {
			return nil, apperr.Authorization("not your booking")
		}
		t.BookingID = models.IDPtr(b.ID)
	}
	if err := s.store.Tickets.Create(ctx, t); err != nil {
		return nil, storage.APIError(err)
	}
	s.publish(ctx, events.New(events.TicketCreated, "ticket", t.ID.Hex(), actor.UserID.Hex(), map[string]any{
		"ticketNumber": t.TicketNumber, "category": t.Category,
	}))
	return t, nil
}

func (s *Service) GetTicket(ctx context.Context, actor auth.Principal, id primitive.ObjectID) (*models.SupportTicket, error) {
	t, err := s.store.Tickets.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ticket")
	}
	if err != nil {
		return nil, err
	}
	if !actor.Owns(t.UserID) {
		return nil, apperr.Authorization("not your ticket")
	}
	return t, nil
}

// ListTickets shows admins every ticket and users their own.
func (s *Service) ListTickets(ctx context.Context, actor auth.Principal, f storage.TicketFilter, page storage.Page) ([]*models.SupportTicket, int64, error) {
	if !actor.IsAdmin() {
		f.UserID = &actor.UserID
	}
	return s.store.Tickets.Find(ctx, f, page)
}

type MessageInput struct {
	Body string `json:"body" validate:"required,max=5000"`
}

// AddMessage appends to the ticket conversation. A staff reply picks up an
// open ticket; a rider reply reopens a resolved one.
func (s *Service) AddMessage(ctx context.Context, actor auth.Principal, id primitive.ObjectID, in MessageInput) (*models.SupportTicket, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, apperr.Validation("message body is required")
	}
	t, err := s.GetTicket(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TicketClosed {
		return nil, apperr.Conflict("ticket is closed")
	}
	now := s.now().UTC()
	t.Messages = append(t.Messages, models.TicketMessage{AuthorID: actor.UserID, Body: body, At: now})
	staff := actor.IsAdmin() && actor.UserID != t.UserID
	switch {
	case staff && t.Status == models.TicketOpen:
		t.Status = models.TicketInProgress
	case !staff && t.Status == models.TicketResolved:
		t.Status = models.TicketOpen
		t.ResolvedAt = nil
	}
	if err := s.store.Tickets.Update(ctx, t); err != nil {
		return nil, storage.APIError(err)
	}
	if staff {
		s.notify(ctx, t.UserID, "New reply on your ticket",
			fmt.Sprintf("Support replied to ticket %s.", t.TicketNumber), map[string]string{"ticketId": t.ID.Hex()})
	}
	return t, nil
}

// SetTicketStatus moves a ticket along open → in_progress → resolved →
// closed. Only staff can do it.
func (s *Service) SetTicketStatus(ctx context.Context, actor auth.Principal, id primitive.ObjectID, to models.TicketStatus) (*models.SupportTicket, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Authorization("only admins can change ticket status")
	}
	t, err := s.GetTicket(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionTicket(t.Status, to) {
		return nil, apperr.Conflict(fmt.Sprintf("ticket cannot move from %s to %s", t.Status, to))
	}
	from := t.Status
	t.Status = to
	switch to {
	case models.TicketResolved:
		t.ResolvedAt = models.TimePtr(s.now().UTC())
	case models.TicketOpen:
		t.ResolvedAt = nil
	}
	if err := s.store.Tickets.Update(ctx, t); err != nil {
		return nil, storage.APIError(err)
	}
	s.publish(ctx, events.New(events.TicketStatusChanged, "ticket", t.ID.Hex(), actor.UserID.Hex(), map[string]any{
		"from": from, "to": to,
	}))
	s.notify(ctx, t.UserID, "Ticket updated",
		fmt.Sprintf("Ticket %s is now %s.", t.TicketNumber, to), map[string]string{"ticketId": t.ID.Hex()})
	return t, nil
}
