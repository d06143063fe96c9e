// Package httpapi exposes the booking platform over REST/JSON under
// /api/v1. Every response uses the {success, data|message, error?}
// envelope.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/catalog"
	"github.com/example/ride-booking/internal/fleet"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/support"
)

type Deps struct {
	Auth          *auth.Service
	Bookings      *booking.Service
	Fleet         *fleet.Service
	Catalog       *catalog.Service
	Support       *support.Service
	Notifications *notify.Service
	Hub           *notify.Hub
	Logger        *slog.Logger

	// Production hides error causes from clients.
	Production     bool
	AllowedOrigins []string
	// LoginRate and LoginBurst throttle the credential endpoints per client IP.
	LoginRate  rate.Limit
	LoginBurst int
}

type Server struct {
	auth     *auth.Service
	bookings *booking.Service
	fleet    *fleet.Service
	catalog  *catalog.Service
	support  *support.Service
	notes    *notify.Service
	hub      *notify.Hub
	logger   *slog.Logger

	production bool
	logins     *ipLimiter
	mux        *mux.Router
	handler    http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		auth:       d.Auth,
		bookings:   d.Bookings,
		fleet:      d.Fleet,
		catalog:    d.Catalog,
		support:    d.Support,
		notes:      d.Notifications,
		hub:        d.Hub,
		logger:     d.Logger,
		production: d.Production,
		mux:        mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	limit, burst := d.LoginRate, d.LoginBurst
	if limit <= 0 {
		limit = rate.Every(12 * time.Second)
	}
	if burst <= 0 {
		burst = 5
	}
	s.logins = newIPLimiter(limit, burst)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(s.mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) authed(h http.HandlerFunc) http.Handler { return s.authenticate(h) }

func (s *Server) admin(h http.HandlerFunc) http.Handler {
	return s.authenticate(s.requireRole(models.RoleAdmin)(h))
}

func (s *Server) throttled(h http.HandlerFunc) http.Handler { return s.rateLimit(s.logins)(h) }

// ObjectID path segments are constrained so literal siblings such as
// /drivers/me and /hotpoints/nearby never reach an {id} handler.
const idPath = "{id:[0-9a-fA-F]{24}}"

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		s.mux.HandleFunc("/ws", s.handleWS)
	}
	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, apperr.NotFound("route"))
	})
	s.mux.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, apperr.New(http.StatusMethodNotAllowed, "method not allowed"))
	})

	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.Handle("/auth/login", s.throttled(s.handleLogin)).Methods("POST")
	api.Handle("/auth/forgot-password", s.throttled(s.handleForgotPassword)).Methods("POST")
	api.Handle("/auth/reset-password", s.throttled(s.handleResetPassword)).Methods("POST")
	api.Handle("/auth/me", s.authed(s.handleMe)).Methods("GET")
	api.Handle("/auth/change-password", s.authed(s.handleChangePassword)).Methods("PUT")

	api.Handle("/users", s.admin(s.handleListUsers)).Methods("GET")
	api.Handle("/users/"+idPath, s.authed(s.handleGetUser)).Methods("GET")
	api.Handle("/users/"+idPath, s.authed(s.handleUpdateUser)).Methods("PUT")
	api.Handle("/users/"+idPath, s.authed(s.handleDeactivateUser)).Methods("DELETE")

	api.Handle("/bookings", s.authed(s.handleCreateBooking)).Methods("POST")
	api.Handle("/bookings", s.authed(s.handleListBookings)).Methods("GET")
	api.Handle("/bookings/{ref}", s.authed(s.handleGetBooking)).Methods("GET")
	api.Handle("/bookings/{ref}", s.authed(s.handleUpdateBooking)).Methods("PUT")
	api.Handle("/bookings/{ref}/cancel", s.authed(s.handleCancelBooking)).Methods("PUT", "POST")

	api.Handle("/payments", s.authed(s.handleProcessPayment)).Methods("POST")
	api.Handle("/payments", s.authed(s.handleListPayments)).Methods("GET")
	api.Handle("/payments/"+idPath, s.authed(s.handleGetPayment)).Methods("GET")
	api.Handle("/payments/"+idPath+"/refund", s.admin(s.handleRefund)).Methods("POST")

	api.Handle("/trips", s.authed(s.handleListTrips)).Methods("GET")
	api.Handle("/trips/"+idPath, s.authed(s.handleGetTrip)).Methods("GET")
	api.Handle("/trips/"+idPath+"/status", s.authed(s.handleTripStatus)).Methods("PUT")
	api.Handle("/trips/"+idPath+"/cancel", s.authed(s.handleCancelTrip)).Methods("PUT", "POST")
	api.Handle("/trips/"+idPath+"/assign", s.admin(s.handleAssignDriver)).Methods("POST")
	api.Handle("/trips/"+idPath+"/final-price", s.authed(s.handleFinalPrice)).Methods("POST")

	api.Handle("/drivers", s.authed(s.handleRegisterDriver)).Methods("POST")
	api.Handle("/drivers", s.admin(s.handleListDrivers)).Methods("GET")
	api.Handle("/drivers/me", s.authed(s.handleMyDriver)).Methods("GET")
	api.Handle("/drivers/me/availability", s.authed(s.handleAvailability)).Methods("PUT")
	api.Handle("/drivers/me/location", s.authed(s.handleLocation)).Methods("PUT")
	api.Handle("/drivers/nearby", s.authed(s.handleNearbyDrivers)).Methods("GET")
	api.Handle("/drivers/"+idPath, s.authed(s.handleGetDriver)).Methods("GET")
	api.Handle("/drivers/"+idPath+"/status", s.admin(s.handleDriverStatus)).Methods("PUT")
	api.Handle("/drivers/"+idPath+"/vehicle", s.authed(s.handleAssignVehicle)).Methods("PUT")
	api.HandleFunc("/drivers/"+idPath+"/reviews", s.handleDriverReviews).Methods("GET")

	api.Handle("/vehicles", s.authed(s.handleCreateVehicle)).Methods("POST")
	api.Handle("/vehicles", s.authed(s.handleListVehicles)).Methods("GET")
	api.Handle("/vehicles/"+idPath, s.authed(s.handleGetVehicle)).Methods("GET")
	api.Handle("/vehicles/"+idPath, s.authed(s.handleUpdateVehicle)).Methods("PUT")
	api.Handle("/vehicles/"+idPath, s.authed(s.handleDeleteVehicle)).Methods("DELETE")

	api.Handle("/reviews", s.authed(s.handleCreateReview)).Methods("POST")

	api.HandleFunc("/hotpoints", s.handleListHotpoints).Methods("GET")
	api.HandleFunc("/hotpoints/nearby", s.handleNearbyHotpoints).Methods("GET")
	api.HandleFunc("/hotpoints/"+idPath, s.handleGetHotpoint).Methods("GET")
	api.Handle("/hotpoints", s.admin(s.handleCreateHotpoint)).Methods("POST")
	api.Handle("/hotpoints/"+idPath, s.admin(s.handleUpdateHotpoint)).Methods("PUT")
	api.Handle("/hotpoints/"+idPath, s.admin(s.handleDeleteHotpoint)).Methods("DELETE")

	api.HandleFunc("/routes", s.handleListRoutes).Methods("GET")
	api.HandleFunc("/routes/"+idPath, s.handleGetRoute).Methods("GET")
	api.Handle("/routes", s.admin(s.handleCreateRoute)).Methods("POST")
	api.Handle("/routes/"+idPath, s.admin(s.handleUpdateRoute)).Methods("PUT")
	api.Handle("/routes/"+idPath, s.admin(s.handleDeleteRoute)).Methods("DELETE")
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")

	api.Handle("/promos", s.admin(s.handleCreatePromo)).Methods("POST")
	api.Handle("/promos", s.admin(s.handleListPromos)).Methods("GET")
	api.Handle("/promos/validate", s.authed(s.handleValidatePromo)).Methods("POST")
	api.Handle("/promos/{code}/status", s.admin(s.handlePromoStatus)).Methods("PUT")

	api.Handle("/tickets", s.authed(s.handleCreateTicket)).Methods("POST")
	api.Handle("/tickets", s.authed(s.handleListTickets)).Methods("GET")
	api.Handle("/tickets/"+idPath, s.authed(s.handleGetTicket)).Methods("GET")
	api.Handle("/tickets/"+idPath+"/messages", s.authed(s.handleTicketMessage)).Methods("POST")
	api.Handle("/tickets/"+idPath+"/status", s.admin(s.handleTicketStatus)).Methods("PUT")

	api.Handle("/feedback", s.optionalAuth(http.HandlerFunc(s.handleCreateFeedback))).Methods("POST")
	api.Handle("/feedback", s.admin(s.handleListFeedback)).Methods("GET")

	api.HandleFunc("/content/{slug}", s.handleGetContent).Methods("GET")
	api.Handle("/content/{slug}", s.admin(s.handlePutContent)).Methods("PUT")

	api.Handle("/settings", s.admin(s.handleListSettings)).Methods("GET")
	api.Handle("/settings/{key}", s.admin(s.handleGetSetting)).Methods("GET")
	api.Handle("/settings/{key}", s.admin(s.handlePutSetting)).Methods("PUT")

	api.Handle("/admin/audit", s.admin(s.handleListAudit)).Methods("GET")
	api.Handle("/admin/dashboard", s.admin(s.handleDashboard)).Methods("GET")

	api.Handle("/notifications", s.authed(s.handleListNotifications)).Methods("GET")
	api.Handle("/notifications/read-all", s.authed(s.handleReadAllNotifications)).Methods("PUT")
	api.Handle("/notifications/"+idPath+"/read", s.authed(s.handleReadNotification)).Methods("PUT")
}
