package httpapi

import (
	"net/http"
	"strconv"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/fleet"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type driverStatusRequest struct {
	Status models.DriverStatus `json:"status" validate:"required,oneof=pending_approval active suspended archived"`
}

type availabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

type assignVehicleRequest struct {
	VehicleID string `json:"vehicleId" validate:"required,mongodb"`
}

type nearQuery struct {
	lat, lng, radiusKm float64
	limit              int
}

// near reads lat, lng, radius (km) and limit for proximity searches.
func near(r *http.Request) (nearQuery, error) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		return nearQuery{}, apperr.Validation("lat and lng are required")
	}
	var n nearQuery
	var err error
	if n.lat, err = queryFloat(r, "lat"); err != nil {
		return nearQuery{}, err
	}
	if n.lng, err = queryFloat(r, "lng"); err != nil {
		return nearQuery{}, err
	}
	if n.radiusKm, err = queryFloat(r, "radius"); err != nil {
		return nearQuery{}, err
	}
	n.limit, _ = strconv.Atoi(q.Get("limit"))
	return n, nil
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var in fleet.RegisterDriverInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.fleet.RegisterDriver(r.Context(), actor(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, d)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	available, err := queryBool(r, "available")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	f := storage.DriverFilter{Status: models.DriverStatus(r.URL.Query().Get("status")), Available: available}
	items, total, err := s.fleet.ListDrivers(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleMyDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.fleet.MyDriver(r.Context(), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	did, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.fleet.GetDriver(r.Context(), did)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	did, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in driverStatusRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.fleet.SetDriverStatus(r.Context(), actor(r), did, in.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var in availabilityRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.fleet.SetAvailability(r.Context(), actor(r), *in.Available)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var in fleet.LocationInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.fleet.UpdateLocation(r.Context(), actor(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	n, err := near(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.fleet.NearbyDrivers(r.Context(), n.lat, n.lng, n.radiusKm, n.limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, out)
}

func (s *Server) handleAssignVehicle(w http.ResponseWriter, r *http.Request) {
	did, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in assignVehicleRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	vid, _ := models.ParseID(in.VehicleID)
	d, err := s.fleet.AssignVehicle(r.Context(), actor(r), did, vid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}

func (s *Server) handleDriverReviews(w http.ResponseWriter, r *http.Request) {
	did, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	items, total, err := s.fleet.ListDriverReviews(r.Context(), did, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var in fleet.ReviewInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	rv, err := s.fleet.CreateReview(r.Context(), actor(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, rv)
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var in fleet.VehicleInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.fleet.CreateVehicle(r.Context(), actor(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, v)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	page := pageOf(r)
	f := storage.VehicleFilter{Status: models.VehicleStatus(r.URL.Query().Get("status"))}
	items, total, err := s.fleet.ListVehicles(r.Context(), actor(r), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	vid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.fleet.GetVehicle(r.Context(), actor(r), vid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, v)
}

func (s *Server) handleUpdateVehicle(w http.ResponseWriter, r *http.Request) {
	vid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in fleet.UpdateVehicleInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.fleet.UpdateVehicle(r.Context(), actor(r), vid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, v)
}

func (s *Server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	vid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.fleet.DeleteVehicle(r.Context(), actor(r), vid); err != nil {
		s.fail(w, r, err)
		return
	}
	message(w, http.StatusOK, "vehicle deactivated", nil)
}
