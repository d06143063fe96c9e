// Package notify stores user notifications and pushes them over websockets.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

const (
	TypeBooking = "booking"
	TypePayment = "payment"
	TypeTrip    = "trip"
	TypeSupport = "support"
	TypeSystem  = "system"
)

// Message is the websocket frame for a pushed notification.
type Message struct {
	Event        string               `json:"event"`
	Notification *models.Notification `json:"notification"`
}

type Service struct {
	store  *storage.Store
	hub    *Hub
	logger *slog.Logger
}

func NewService(store *storage.Store, hub *Hub, logger *slog.Logger) *Service {
	return &Service{store: store, hub: hub, logger: logger}
}

// Notify persists a notification and pushes it to any open session.
// Push failures are logged, never returned.
func (s *Service) Notify(ctx context.Context, userID primitive.ObjectID, kind, title, message string, data map[string]string) error {
	n := &models.Notification{UserID: userID, Type: kind, Title: title, Message: message, Data: data}
	if err := s.store.Notifications.Create(ctx, n); err != nil {
		return err
	}
	if s.hub != nil {
		if err := s.hub.Push(userID.Hex(), Message{Event: "notification", Notification: n}); err != nil && !errors.Is(err, ErrNoSession) {
			s.logger.Warn("notification push failed", "user_id", userID.Hex(), "error", err)
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, userID primitive.ObjectID, unreadOnly bool, p storage.Page) ([]*models.Notification, int64, error) {
	return s.store.Notifications.Find(ctx, storage.NotificationFilter{UserID: &userID, UnreadOnly: unreadOnly}, p)
}

func (s *Service) MarkRead(ctx context.Context, userID, id primitive.ObjectID) (*models.Notification, error) {
	n, err := s.store.Notifications.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && n.UserID != userID) {
		return nil, apperr.NotFound("notification")
	}
	if err != nil {
		return nil, err
	}
	if n.Read {
		return n, nil
	}
	n.Read = true
	n.ReadAt = models.TimePtr(time.Now().UTC())
	if err := s.store.Notifications.Update(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// MarkAllRead returns how many notifications changed.
func (s *Service) MarkAllRead(ctx context.Context, userID primitive.ObjectID) (int, error) {
	unread, _, err := s.List(ctx, userID, true, storage.Page{})
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var n int
	for _, item := range unread {
		item.Read = true
		item.ReadAt = &now
		if err := s.store.Notifications.Update(ctx, item); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
