package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one connected websocket. Writes are serialised because
// gorilla connections support a single concurrent writer.
type Session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub holds user sessions; a user may have several tabs or devices open.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]map[*Session]struct{})} }

func (h *Hub) Add(userID string, conn Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	return s
}

func (h *Hub) Remove(userID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, userID)
		}
	}
	_ = s.conn.Close()
}

// Push sends v to every session of userID and drops sessions whose write
// fails.
func (h *Hub) Push(userID string, v any) error {
	h.mu.RLock()
	set := h.sessions[userID]
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var sent int
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			h.Remove(userID, s)
			continue
		}
		sent++
	}
	if sent == 0 {
		return ErrNoSession
	}
	return nil
}

func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

var _ Conn = (*websocket.Conn)(nil)
