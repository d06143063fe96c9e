package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/catalog"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/fleet"
	"github.com/example/ride-booking/internal/idempotency"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
	"github.com/example/ride-booking/internal/support"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-pass-1"
)

type apiResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Pagination *pagination     `json:"pagination"`
}

type testEnv struct {
	t     *testing.T
	srv   *Server
	store *storage.Store
}

func newTestEnv(t *testing.T, tweak func(*Deps)) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := logging.Discard()
	pub := &events.AuditPublisher{Log: store.Audit}
	hub := notify.NewHub()
	notes := notify.NewService(store, hub, logger)

	authSvc := auth.NewService(store, auth.NewTokenManager("test-secret", time.Hour), pub, logger)
	if err := authSvc.EnsureAdmin(context.Background(), adminEmail, adminPassword); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	d := Deps{
		Auth: authSvc,
		Bookings: booking.NewService(booking.Deps{
			Store:       store,
			Gateway:     payments.NewMockGateway(),
			Idempotency: idempotency.NewMemoryStore(),
			Notifier:    notes,
			Events:      pub,
			Logger:      logger,
		}),
		Fleet:         fleet.NewService(fleet.Deps{Store: store, Events: pub, Notifier: notes, Logger: logger}),
		Catalog:       catalog.NewService(catalog.Deps{Store: store, Logger: logger}),
		Support:       support.NewService(support.Deps{Store: store, Events: pub, Notifier: notes, Logger: logger}),
		Notifications: notes,
		Hub:           hub,
		Logger:        logger,
	}
	if tweak != nil {
		tweak(&d)
	}
	return &testEnv{t: t, srv: NewServer(d), store: store}
}

func (e *testEnv) do(method, path, token string, body any, headers ...string) (int, apiResponse) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, isRaw := body.(string); isRaw {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			e.t.Fatalf("%s %s: bad envelope %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, resp
}

func (e *testEnv) data(resp apiResponse, v any) {
	e.t.Helper()
	if err := json.Unmarshal(resp.Data, v); err != nil {
		e.t.Fatalf("decode data %s: %v", resp.Data, err)
	}
}

func (e *testEnv) register(email string, role models.Role) string {
	e.t.Helper()
	code, resp := e.do("POST", "/api/v1/auth/register", "", map[string]any{
		"name": "Test User", "email": email, "password": "password1", "role": role,
	})
	if code != http.StatusCreated {
		e.t.Fatalf("register %s: %d %s", email, code, resp.Message)
	}
	var res auth.Result
	e.data(resp, &res)
	return res.Token
}

func (e *testEnv) adminToken() string {
	e.t.Helper()
	code, resp := e.do("POST", "/api/v1/auth/login", "", map[string]string{"email": adminEmail, "password": adminPassword})
	if code != http.StatusOK {
		e.t.Fatalf("admin login: %d %s", code, resp.Message)
	}
	var res auth.Result
	e.data(resp, &res)
	return res.Token
}

func (e *testEnv) hotpoint(admin, name string, lat, lng float64) string {
	e.t.Helper()
	code, resp := e.do("POST", "/api/v1/hotpoints", admin, map[string]any{
		"name": name, "lat": lat, "lng": lng, "category": "landmark",
	})
	if code != http.StatusCreated {
		e.t.Fatalf("create hotpoint: %d %s", code, resp.Message)
	}
	var h models.Hotpoint
	e.data(resp, &h)
	return h.ID.Hex()
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", w.Code, w.Body.String())
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	e := newTestEnv(t, nil)
	code, resp := e.do("GET", "/api/v1/nope", "", nil)
	if code != http.StatusNotFound || resp.Success || resp.Message != "route not found" {
		t.Fatalf("unexpected response %d %+v", code, resp)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest("GET", "/api/v1/hotpoints", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/hotpoints", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t, nil)
	if code, resp := e.do("GET", "/api/v1/bookings", "", nil); code != http.StatusUnauthorized || resp.Success {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := e.do("GET", "/api/v1/bookings", "not-a-jwt", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", code)
	}

	token := e.register("rider@example.com", models.RoleUser)
	code, resp := e.do("GET", "/api/v1/auth/me", token, nil)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("me: %d %s", code, resp.Message)
	}
	var u models.User
	e.data(resp, &u)
	if u.Email != "rider@example.com" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	e := newTestEnv(t, nil)
	token := e.register("rider@example.com", models.RoleUser)
	code, resp := e.do("POST", "/api/v1/hotpoints", token, map[string]any{"name": "X", "lat": 1, "lng": 1, "category": "other"})
	if code != http.StatusForbidden || resp.Success {
		t.Fatalf("expected 403, got %d", code)
	}
	if code, _ := e.do("GET", "/api/v1/admin/dashboard", token, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 on dashboard, got %d", code)
	}
	if code, _ := e.do("GET", "/api/v1/admin/dashboard", e.adminToken(), nil); code != http.StatusOK {
		t.Fatalf("admin should see the dashboard, got %d", code)
	}
}

func TestValidationErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	code, resp := e.do("POST", "/api/v1/auth/register", "", map[string]string{"name": "A", "email": "nope", "password": "short"})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	for _, want := range []string{"name", "email", "password"} {
		if !strings.Contains(resp.Message, want) {
			t.Errorf("message %q should mention %s", resp.Message, want)
		}
	}

	code, resp = e.do("POST", "/api/v1/auth/login", "", "{not json")
	if code != http.StatusBadRequest || resp.Error == "" {
		t.Fatalf("expected 400 with detail outside production, got %d %+v", code, resp)
	}
}

func TestProductionHidesErrorDetail(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) { d.Production = true })
	code, resp := e.do("POST", "/api/v1/auth/login", "", "{not json")
	if code != http.StatusBadRequest || resp.Error != "" || resp.Message != "malformed JSON body" {
		t.Fatalf("unexpected production error %d %+v", code, resp)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) {
		d.LoginRate = rate.Every(time.Hour)
		d.LoginBurst = 2
	})
	creds := map[string]string{"email": "ghost@example.com", "password": "whatever1"}
	for i := 0; i < 2; i++ {
		if code, _ := e.do("POST", "/api/v1/auth/login", "", creds); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, code)
		}
	}
	if code, _ := e.do("POST", "/api/v1/auth/login", "", creds); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code, _ := e.do("POST", "/api/v1/auth/login", "", creds, "X-Forwarded-For", "203.0.113.9"); code != http.StatusUnauthorized {
		t.Fatalf("another client should not be throttled, got %d", code)
	}
}

func TestIPLimiterRefills(t *testing.T) {
	l := newIPLimiter(rate.Every(time.Minute), 1)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !l.allow("a", t0) || l.allow("a", t0) {
		t.Fatal("burst of one should allow exactly one request")
	}
	if !l.allow("a", t0.Add(61*time.Second)) {
		t.Fatal("bucket should refill after a minute")
	}
	l.allow("b", t0)
	l.allow("a", t0.Add(20*time.Minute))
	if _, kept := l.visitors["b"]; kept {
		t.Fatal("idle visitors should be swept")
	}
}

func TestPagination(t *testing.T) {
	e := newTestEnv(t, nil)
	admin := e.adminToken()
	for i, name := range []string{"Fort", "Museum", "Harbour"} {
		e.hotpoint(admin, name, 12.9+float64(i)/100, 77.5)
	}
	code, resp := e.do("GET", "/api/v1/hotpoints?limit=2&page=2", "", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	want := pagination{Count: 1, Total: 3, TotalPages: 2, CurrentPage: 2}
	if resp.Pagination == nil || *resp.Pagination != want {
		t.Fatalf("unexpected pagination %+v", resp.Pagination)
	}
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)
	admin := e.adminToken()
	origin := e.hotpoint(admin, "Central Station", 12.9716, 77.5946)
	dest := e.hotpoint(admin, "Airport", 13.1986, 77.7066)

	code, resp := e.do("POST", "/api/v1/routes", admin, map[string]any{
		"name":          "Station to Airport",
		"originId":      origin,
		"destinationId": dest,
		"pricing":       map[string]any{"basePrice": 10, "pricePerKm": 2},
		"schedule":      map[string]any{"type": "on_demand"},
		"maxPassengers": 4,
	})
	if code != http.StatusCreated {
		t.Fatalf("create route: %d %s", code, resp.Message)
	}
	var route models.Route
	e.data(resp, &route)
	if route.DistanceMeters <= 0 {
		t.Fatal("route distance should be estimated")
	}

	rider := e.register("rider@example.com", models.RoleUser)
	at := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Minute)
	in := map[string]any{
		"routeId":    route.ID.Hex(),
		"passengers": []map[string]string{{"name": "Asha"}},
		"schedule":   map[string]any{"scheduledDateTime": at},
		"payment":    map[string]string{"method": "card", "paymentMethod": "pm_card_visa"},
	}
	code, resp = e.do("POST", "/api/v1/bookings", rider, in, "Idempotency-Key", "k-1")
	if code != http.StatusCreated {
		t.Fatalf("create booking: %d %s (%s)", code, resp.Message, resp.Error)
	}
	var b models.Booking
	e.data(resp, &b)
	if b.Status != models.BookingConfirmed || b.Payment.Status != models.BookingPaid {
		t.Fatalf("paid booking should be confirmed, got %s/%s", b.Status, b.Payment.Status)
	}

	_, resp = e.do("POST", "/api/v1/bookings", rider, in, "Idempotency-Key", "k-1")
	var again models.Booking
	e.data(resp, &again)
	if again.ID != b.ID {
		t.Fatal("replaying the idempotency key should return the same booking")
	}

	code, resp = e.do("GET", "/api/v1/bookings", rider, nil)
	if code != http.StatusOK || resp.Pagination == nil || resp.Pagination.Total != 1 {
		t.Fatalf("expected one booking, got %d %+v", code, resp.Pagination)
	}

	if b.TripID == nil {
		t.Fatal("confirmed booking should have a trip")
	}
	code, _ = e.do("PUT", "/api/v1/trips/"+b.TripID.Hex()+"/status", admin, map[string]string{"status": "assigned"})
	if code != http.StatusBadRequest {
		t.Fatalf("assigned is only reachable through dispatch, got %d", code)
	}
	trip, _ := e.store.Trips.Get(context.Background(), *b.TripID)
	if trip.Status != models.TripConfirmed || trip.DriverID != nil {
		t.Fatalf("trip should still await a driver, got %s", trip.Status)
	}

	other := e.register("other@example.com", models.RoleUser)
	if code, _ := e.do("GET", "/api/v1/bookings/"+b.BookingID, other, nil); code != http.StatusForbidden {
		t.Fatalf("other riders cannot read the booking, got %d", code)
	}

	code, resp = e.do("PUT", "/api/v1/bookings/"+b.BookingID+"/cancel", rider, map[string]string{"reason": "plans changed"})
	if code != http.StatusOK {
		t.Fatalf("cancel: %d %s", code, resp.Message)
	}
	e.data(resp, &b)
	if b.Status != models.BookingCancelled && b.Status != models.BookingRefunded {
		t.Fatalf("unexpected status after cancel %s", b.Status)
	}
	if b.Cancellation == nil || b.Cancellation.RefundPercent != 100 {
		t.Fatalf("cancelling three days ahead should refund in full, got %+v", b.Cancellation)
	}

	code, _ = e.do("PUT", "/api/v1/bookings/"+b.BookingID+"/cancel", rider, nil)
	if code != http.StatusConflict && code != http.StatusBadRequest {
		t.Fatalf("cancelling twice should be rejected, got %d", code)
	}
}

func TestStaffReplyNotifiesRider(t *testing.T) {
	e := newTestEnv(t, nil)
	rider := e.register("rider@example.com", models.RoleUser)
	code, resp := e.do("POST", "/api/v1/tickets", rider, map[string]string{
		"subject": "Lost item", "description": "left my bag", "category": "other",
	})
	if code != http.StatusCreated {
		t.Fatalf("ticket: %d %s", code, resp.Message)
	}
	var tk models.SupportTicket
	e.data(resp, &tk)

	admin := e.adminToken()
	code, _ = e.do("POST", "/api/v1/tickets/"+tk.ID.Hex()+"/messages", admin, map[string]string{"body": "We found it"})
	if code != http.StatusCreated {
		t.Fatalf("staff reply: %d", code)
	}

	code, resp = e.do("GET", "/api/v1/notifications?unread=true", rider, nil)
	if code != http.StatusOK || resp.Pagination.Total != 1 {
		t.Fatalf("expected one unread notification, got %d %+v", code, resp.Pagination)
	}
	code, resp = e.do("PUT", "/api/v1/notifications/read-all", rider, nil)
	if code != http.StatusOK || !strings.Contains(string(resp.Data), `"updated":1`) {
		t.Fatalf("read-all: %d %s", code, resp.Data)
	}
}

func TestFeedbackAcceptsAnonymousSenders(t *testing.T) {
	e := newTestEnv(t, nil)
	code, resp := e.do("POST", "/api/v1/feedback", "", map[string]any{"category": "app", "message": "nice", "rating": 5})
	if code != http.StatusCreated || resp.Message == "" {
		t.Fatalf("anonymous feedback: %d %+v", code, resp)
	}
	var fb models.Feedback
	e.data(resp, &fb)
	if fb.UserID != nil {
		t.Fatal("anonymous feedback should not carry a user")
	}
	code, resp = e.do("GET", "/api/v1/feedback", e.adminToken(), nil)
	if code != http.StatusOK || resp.Pagination.Total != 1 {
		t.Fatalf("admin should list feedback, got %d", code)
	}
}
