package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/storage"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []any
	fail   bool
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeConn) Close() error { f.closed = true; return nil }

func TestHubPushReachesEverySession(t *testing.T) {
	h := NewHub()
	a, b := &fakeConn{}, &fakeConn{}
	h.Add("u1", a)
	h.Add("u1", b)
	if err := h.Push("u1", "hello"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(a.frames) != 1 || len(b.frames) != 1 {
		t.Fatalf("expected one frame per session, got %d and %d", len(a.frames), len(b.frames))
	}
}

func TestHubDropsBrokenSessions(t *testing.T) {
	h := NewHub()
	bad := &fakeConn{fail: true}
	h.Add("u1", bad)
	if err := h.Push("u1", "x"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if h.Connected("u1") != 0 || !bad.closed {
		t.Fatal("expected broken session to be removed and closed")
	}
}

func TestServiceNotifyPersistsAndPushes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := NewHub()
	conn := &fakeConn{}
	user := primitive.NewObjectID()
	hub.Add(user.Hex(), conn)
	svc := NewService(store, hub, logging.Discard())

	if err := svc.Notify(ctx, user, TypeBooking, "Booking confirmed", "see you soon", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	list, total, _ := svc.List(ctx, user, true, storage.Page{})
	if total != 1 || list[0].Title != "Booking confirmed" {
		t.Fatalf("expected stored notification, got %+v", list)
	}
	if len(conn.frames) != 1 {
		t.Fatalf("expected a pushed frame, got %d", len(conn.frames))
	}

	if _, err := svc.MarkRead(ctx, user, list[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if _, total, _ := svc.List(ctx, user, true, storage.Page{}); total != 0 {
		t.Fatalf("expected no unread notifications, got %d", total)
	}
}

func TestServiceMarkReadHidesOtherUsersNotifications(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := NewService(store, nil, logging.Discard())
	owner, other := primitive.NewObjectID(), primitive.NewObjectID()
	_ = svc.Notify(ctx, owner, TypeSystem, "hi", "", nil)
	list, _, _ := svc.List(ctx, owner, false, storage.Page{})

	if _, err := svc.MarkRead(ctx, other, list[0].ID); err == nil {
		t.Fatal("expected not found for a foreign notification")
	}
}
