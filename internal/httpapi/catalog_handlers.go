package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-booking/internal/catalog"
	"github.com/example/ride-booking/internal/storage"
)

type promoCheckRequest struct {
	Code   string  `json:"code" validate:"required,max=32"`
	Amount float64 `json:"amount" validate:"gte=0"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// activeOnly defaults public listings to active entries unless the client
// asks for ?active=false explicitly.
func activeOnly(r *http.Request) (*bool, error) {
	active, err := queryBool(r, "active")
	if err != nil || active != nil {
		return active, err
	}
	yes := true
	return &yes, nil
}

func (s *Server) handleListHotpoints(w http.ResponseWriter, r *http.Request) {
	active, err := activeOnly(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	f := storage.HotpointFilter{Category: r.URL.Query().Get("category"), Active: active}
	items, total, err := s.catalog.ListHotpoints(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleNearbyHotpoints(w http.ResponseWriter, r *http.Request) {
	n, err := near(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.catalog.NearbyHotpoints(r.Context(), n.lat, n.lng, n.radiusKm, n.limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, out)
}

func (s *Server) handleGetHotpoint(w http.ResponseWriter, r *http.Request) {
	hid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.catalog.GetHotpoint(r.Context(), hid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, h)
}

func (s *Server) handleCreateHotpoint(w http.ResponseWriter, r *http.Request) {
	var in catalog.HotpointInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.catalog.CreateHotpoint(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, h)
}

func (s *Server) handleUpdateHotpoint(w http.ResponseWriter, r *http.Request) {
	hid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in catalog.HotpointInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.catalog.UpdateHotpoint(r.Context(), hid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, h)
}

func (s *Server) handleDeleteHotpoint(w http.ResponseWriter, r *http.Request) {
	hid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.catalog.DeleteHotpoint(r.Context(), hid); err != nil {
		s.fail(w, r, err)
		return
	}
	message(w, http.StatusOK, "hotpoint deactivated", nil)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	active, err := activeOnly(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	origin, err := queryID(r, "origin")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dest, err := queryID(r, "destination")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	f := storage.RouteFilter{Active: active, Origin: origin, Destination: dest}
	items, total, err := s.catalog.ListRoutes(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	rid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rt, err := s.catalog.GetRoute(r.Context(), rid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rt)
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var in catalog.RouteInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	rt, err := s.catalog.CreateRoute(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, rt)
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	rid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in catalog.RouteInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	rt, err := s.catalog.UpdateRoute(r.Context(), rid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rt)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	rid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.catalog.DeleteRoute(r.Context(), rid); err != nil {
		s.fail(w, r, err)
		return
	}
	message(w, http.StatusOK, "route deactivated", nil)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in catalog.QuoteInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := s.catalog.Quote(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, q)
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var in catalog.PromoInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.catalog.CreatePromo(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, p)
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	items, total, err := s.catalog.ListPromos(r.Context(), storage.PromoFilter{Active: active}, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleValidatePromo(w http.ResponseWriter, r *http.Request) {
	var in promoCheckRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.catalog.ValidatePromo(r.Context(), in.Code, in.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, res)
}

func (s *Server) handlePromoStatus(w http.ResponseWriter, r *http.Request) {
	var in activeRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.catalog.SetPromoActive(r.Context(), mux.Vars(r)["code"], *in.Active)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, p)
}
