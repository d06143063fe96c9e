package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
	"github.com/example/ride-booking/internal/support"
)

type ticketStatusRequest struct {
	Status models.TicketStatus `json:"status" validate:"required,oneof=open in_progress resolved closed"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var in support.TicketInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.support.CreateTicket(r.Context(), actor(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, t)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	page := pageOf(r)
	f := storage.TicketFilter{Status: models.TicketStatus(r.URL.Query().Get("status"))}
	items, total, err := s.support.ListTickets(r.Context(), actor(r), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.support.GetTicket(r.Context(), actor(r), tid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleTicketMessage(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in support.MessageInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.support.AddMessage(r.Context(), actor(r), tid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, t)
}

func (s *Server) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in ticketStatusRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.support.SetTicketStatus(r.Context(), actor(r), tid, in.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	var in support.FeedbackInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	var from *auth.Principal
	if p, signedIn := principalFrom(r.Context()); signedIn {
		from = &p
	}
	fb, err := s.support.CreateFeedback(r.Context(), from, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	message(w, http.StatusCreated, "thank you for your feedback", fb)
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	page := pageOf(r)
	items, total, err := s.support.ListFeedback(r.Context(), storage.FeedbackFilter{Category: r.URL.Query().Get("category")}, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	c, err := s.support.GetContent(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, c)
}

func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	var in support.ContentInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.support.PutContent(r.Context(), actor(r), mux.Vars(r)["slug"], in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, c)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	items, err := s.support.ListSettings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, items)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	st, err := s.support.GetSetting(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, st)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var in support.SettingInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.support.PutSetting(r.Context(), actor(r), mux.Vars(r)["key"], in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, st)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := pageOf(r)
	f := storage.AuditFilter{EntityType: q.Get("entityType"), EntityID: q.Get("entityId"), ActorID: q.Get("actorId")}
	items, total, err := s.support.ListAudit(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unread, err := queryBool(r, "unread")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	items, total, err := s.notes.List(r.Context(), actor(r).UserID, unread != nil && *unread, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	nid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.notes.MarkRead(r.Context(), actor(r).UserID, nid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, n)
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.MarkAllRead(r.Context(), actor(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	message(w, http.StatusOK, "notifications marked as read", map[string]int{"updated": n})
}
