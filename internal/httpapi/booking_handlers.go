package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

const idempotencyHeader = "Idempotency-Key"

type reasonRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type tripStatusRequest struct {
	Status models.TripStatus `json:"status" validate:"required,oneof=confirmed driver_en_route arrived in_progress completed cancelled"`
	Note   string            `json:"note" validate:"omitempty,max=500"`
}

// optionalBody decodes a body that clients may leave out entirely.
func optionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return check(dst)
	}
	return decode(w, r, dst)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.bookings.CreateBooking(r.Context(), actor(r), in, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, b)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	userID, err := queryID(r, "userId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	routeID, err := queryID(r, "routeId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	f := booking.ListFilter{UserID: userID, RouteID: routeID, Statuses: statuses[models.BookingStatus](r)}
	items, total, err := s.bookings.ListBookings(r.Context(), actor(r), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.GetBooking(r.Context(), actor(r), mux.Vars(r)["ref"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, b)
}

func (s *Server) handleUpdateBooking(w http.ResponseWriter, r *http.Request) {
	var in booking.UpdateInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.bookings.UpdateBooking(r.Context(), actor(r), mux.Vars(r)["ref"], in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var in reasonRequest
	if err := optionalBody(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.bookings.CancelBooking(r.Context(), actor(r), mux.Vars(r)["ref"], in.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, b)
}

func (s *Server) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var in booking.ProcessPaymentInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	receipt, err := s.bookings.ProcessPayment(r.Context(), actor(r), in, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, receipt)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	bookingID, err := queryID(r, "bookingId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := pageOf(r)
	f := storage.PaymentFilter{BookingID: bookingID, Statuses: statuses[models.PaymentStatus](r)}
	items, total, err := s.bookings.ListPayments(r.Context(), actor(r), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	pid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pay, err := s.bookings.GetPayment(r.Context(), actor(r), pid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, pay)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	pid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in booking.RefundInput
	if err := optionalBody(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	receipt, err := s.bookings.ProcessRefund(r.Context(), actor(r), pid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, receipt)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	page := pageOf(r)
	items, total, err := s.bookings.ListTrips(r.Context(), actor(r), statuses[models.TripStatus](r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, items, total, page)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.bookings.GetTrip(r.Context(), actor(r), tid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in tripStatusRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.bookings.UpdateTripStatus(r.Context(), actor(r), tid, in.Status, in.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in reasonRequest
	if err := optionalBody(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.bookings.CancelTrip(r.Context(), actor(r), tid, in.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.bookings.AssignDriver(r.Context(), actor(r), tid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleFinalPrice(w http.ResponseWriter, r *http.Request) {
	tid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in booking.FinalPriceInput
	if err := optionalBody(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.bookings.CalculateFinalPrice(r.Context(), actor(r), tid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, t)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.bookings.Dashboard(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, d)
}
