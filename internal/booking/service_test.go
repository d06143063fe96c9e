package booking

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/idempotency"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
)

type stubMatcher struct {
	offer matcher.Offer
	ok    bool
	seen  []primitive.ObjectID
}

func (m *stubMatcher) Match(_ context.Context, _ models.Coord, exclude ...primitive.ObjectID) (matcher.Offer, bool, error) {
	m.seen = exclude
	for _, id := range exclude {
		if id == m.offer.DriverID {
			return matcher.Offer{}, false, nil
		}
	}
	return m.offer, m.ok, nil
}

type fixture struct {
	svc     *Service
	store   *storage.Store
	gw      *payments.MockGateway
	rec     *events.Recorder
	matcher *stubMatcher
	route   *models.Route
	user    auth.Principal
	admin   auth.Principal
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	f := &fixture{
		store:   store,
		gw:      payments.NewMockGateway(),
		rec:     &events.Recorder{},
		matcher: &stubMatcher{},
		user:    auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser},
		admin:   auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleAdmin},
		now:     time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC),
	}
	origin := &models.Hotpoint{Name: "Central Station", Location: models.NewPoint(12.9716, 77.5946), Category: "station", Active: true}
	dest := &models.Hotpoint{Name: "Airport", Location: models.NewPoint(13.1986, 77.7066), Category: "airport", Active: true}
	for _, h := range []*models.Hotpoint{origin, dest} {
		if err := store.Hotpoints.Create(ctx, h); err != nil {
			t.Fatalf("seed hotpoint: %v", err)
		}
	}
	f.route = &models.Route{
		Name:            "Station to Airport",
		Code:            "STN-AIR",
		Origin:          origin.ID,
		Destination:     dest.ID,
		DistanceMeters:  5000,
		DurationSeconds: 600,
		Pricing:         models.RoutePricing{BasePrice: 10, PricePerKm: 2, PricePerMinute: 0, Currency: "USD"},
		Schedule:        models.RouteSchedule{Type: models.ScheduleOnDemand},
		MaxPassengers:   4,
		Active:          true,
	}
	if err := store.Routes.Create(ctx, f.route); err != nil {
		t.Fatalf("seed route: %v", err)
	}
	f.svc = NewService(Deps{
		Store:       store,
		Gateway:     f.gw,
		Idempotency: idempotency.NewMemoryStore(),
		Matcher:     f.matcher,
		Notifier:    notify.NewService(store, nil, logging.Discard()),
		Events:      f.rec,
		Logger:      logging.Discard(),
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) input(hoursAhead float64, pay bool) CreateInput {
	at := f.now.Add(time.Duration(hoursAhead * float64(time.Hour)))
	in := CreateInput{
		RouteID:    f.route.ID.Hex(),
		Passengers: []models.Passenger{{Name: "Asha"}},
		Schedule:   ScheduleInput{ScheduledDateTime: &at},
	}
	if pay {
		in.Payment = &PaymentInput{Method: "card", PaymentMethod: "pm_card_visa"}
	}
	return in
}

func (f *fixture) book(t *testing.T, hoursAhead float64, pay bool) *models.Booking {
	t.Helper()
	b, err := f.svc.CreateBooking(context.Background(), f.user, f.input(hoursAhead, pay), "")
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func (f *fixture) seedDriver(t *testing.T) (*models.Driver, auth.Principal) {
	t.Helper()
	p := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleDriver}
	d := &models.Driver{
		UserID:      p.UserID,
		Status:      models.DriverActive,
		Available:   true,
		VehicleID:   models.IDPtr(primitive.NewObjectID()),
		Performance: models.DriverPerformance{Rating: 4.8},
	}
	if err := f.store.Drivers.Create(context.Background(), d); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	f.matcher.offer = matcher.Offer{DriverID: d.ID, VehicleID: *d.VehicleID}
	f.matcher.ok = true
	return d, p
}

func count[E any, F storage.Filter[E]](t *testing.T, repo storage.Repo[E, F], filter F) int64 {
	t.Helper()
	n, err := repo.Count(context.Background(), filter)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func wantStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", status)
	}
	if got := apperr.Status(err); got != status {
		t.Fatalf("expected HTTP %d, got %d (%v)", status, got, err)
	}
}

func TestCreateBookingRequiresRouteOrTrip(t *testing.T) {
	f := newFixture(t)
	in := f.input(48, false)
	in.RouteID = ""

	_, err := f.svc.CreateBooking(context.Background(), f.user, in, "")
	wantStatus(t, err, http.StatusBadRequest)
	if n := count(t, f.store.Bookings, storage.BookingFilter{}); n != 0 {
		t.Fatalf("expected no booking, found %d", n)
	}
}

func TestCreateBookingRejectsUnavailableRoute(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *fixture, in *CreateInput)
	}{
		{"inactive route", func(f *fixture, _ *CreateInput) {
			f.route.Active = false
			_ = f.store.Routes.Update(context.Background(), f.route)
		}},
		{"departure in the past", func(f *fixture, in *CreateInput) {
			at := f.now.Add(-time.Hour)
			in.Schedule.ScheduledDateTime = &at
		}},
		{"outside operating hours", func(f *fixture, _ *CreateInput) {
			f.route.Schedule = models.RouteSchedule{Type: models.ScheduleOnDemand, StartTime: "10:00", EndTime: "12:00"}
			_ = f.store.Routes.Update(context.Background(), f.route)
		}},
		{"missing schedule", func(_ *fixture, in *CreateInput) {
			in.Schedule.ScheduledDateTime = nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in := f.input(48.5, true)
			tc.mutate(f, &in)
			_, err := f.svc.CreateBooking(context.Background(), f.user, in, "")
			wantStatus(t, err, http.StatusBadRequest)
			if n := count(t, f.store.Bookings, storage.BookingFilter{}); n != 0 {
				t.Fatalf("expected no booking, found %d", n)
			}
		})
	}
}

func TestCreateBookingUnknownRoute(t *testing.T) {
	f := newFixture(t)
	in := f.input(48, false)
	in.RouteID = primitive.NewObjectID().Hex()
	_, err := f.svc.CreateBooking(context.Background(), f.user, in, "")
	wantStatus(t, err, http.StatusNotFound)
}

func TestCreateBookingRejectsFullDeparture(t *testing.T) {
	f := newFixture(t)
	f.route.MaxPassengers = 1
	if err := f.store.Routes.Update(context.Background(), f.route); err != nil {
		t.Fatal(err)
	}
	f.book(t, 30, true)

	_, err := f.svc.CreateBooking(context.Background(), f.user, f.input(30, true), "")
	wantStatus(t, err, http.StatusBadRequest)
	if n := count(t, f.store.Bookings, storage.BookingFilter{}); n != 1 {
		t.Fatalf("expected 1 booking, found %d", n)
	}
}

func TestCreateBookingWithoutPaymentStaysPending(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, 48, false)

	if b.Status != models.BookingPendingPayment || b.Payment.Status != models.BookingUnpaid {
		t.Fatalf("unexpected state %s/%s", b.Status, b.Payment.Status)
	}
	if b.TripID != nil {
		t.Fatal("pending booking should not have a trip")
	}
	if b.Pricing.Total != 20 {
		t.Fatalf("expected total 20.00, got %.2f", b.Pricing.Total)
	}
	if len(b.BookingID) < len("BK-X-XXXXXX") || b.BookingID[:3] != "BK-" {
		t.Fatalf("unexpected booking id %q", b.BookingID)
	}
}

func TestCreateBookingWithPaymentConfirmsAndOpensTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 48, true)

	if b.Status != models.BookingConfirmed || b.Payment.Status != models.BookingPaid {
		t.Fatalf("unexpected state %s/%s", b.Status, b.Payment.Status)
	}
	if b.TripID == nil || b.Payment.PaymentID == nil {
		t.Fatal("expected trip and payment references")
	}
	trip, err := f.store.Trips.Get(ctx, *b.TripID)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripConfirmed || trip.BookingID != b.ID || trip.Pricing.Estimated != 20 {
		t.Fatalf("unexpected trip %+v", trip)
	}
	pay, err := f.store.Payments.Get(ctx, *b.Payment.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if pay.Status != models.PaymentSucceeded || pay.Gateway != "mock_gateway" || pay.Amount.Value != 20 {
		t.Fatalf("unexpected payment %+v", pay)
	}
	if len(f.gw.Captured) != 1 || f.gw.Captured[0] != pay.TransactionID {
		t.Fatalf("expected one capture of %s, got %v", pay.TransactionID, f.gw.Captured)
	}
	want := map[string]bool{events.BookingCreated: false, events.TripCreated: false, events.BookingConfirmed: false, events.PaymentSucceeded: false}
	for _, typ := range f.rec.Types() {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("event %s was not published", typ)
		}
	}
	if n := count(t, f.store.Notifications, storage.NotificationFilter{UserID: &f.user.UserID}); n == 0 {
		t.Fatal("expected a confirmation notification")
	}
}

func TestCreateBookingAppliesPromo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	promo := &models.PromoCode{Code: "SAVE10", DiscountType: models.DiscountPercentage, DiscountValue: 10, UsageLimit: 5, Active: true}
	if err := f.store.Promos.Create(ctx, promo); err != nil {
		t.Fatal(err)
	}
	in := f.input(48, false)
	in.PromoCode = " save10 "

	b, err := f.svc.CreateBooking(ctx, f.user, in, "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Pricing.Subtotal != 20 || b.Pricing.Discount != 2 || b.Pricing.Total != 18 || b.Pricing.PromoCode != "SAVE10" {
		t.Fatalf("unexpected pricing %+v", b.Pricing)
	}
	got, _ := f.store.Promos.Get(ctx, promo.ID)
	if got.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", got.UsageCount)
	}
}

func TestDeclinedPaymentLeavesBookingPaymentFailed(t *testing.T) {
	f := newFixture(t)
	f.gw.SetFailures(payments.ErrDeclined, nil, nil)
	b := f.book(t, 48, true)

	if b.Status != models.BookingPaymentFailed || b.Payment.Status != models.BookingPayFailed {
		t.Fatalf("unexpected state %s/%s", b.Status, b.Payment.Status)
	}
	if b.TripID != nil {
		t.Fatal("declined booking must not open a trip")
	}
	if n := count(t, f.store.Payments, storage.PaymentFilter{Statuses: []models.PaymentStatus{models.PaymentFailed}}); n != 1 {
		t.Fatalf("expected one failed payment, got %d", n)
	}

	// the rider can retry once the card works
	f.gw.SetFailures(nil, nil, nil)
	r, err := f.svc.ProcessPayment(context.Background(), f.user, ProcessPaymentInput{BookingID: b.BookingID}, "")
	if err != nil {
		t.Fatal(err)
	}
	if r.Booking.Status != models.BookingConfirmed || r.Payment.Status != models.PaymentSucceeded {
		t.Fatalf("retry did not confirm: %s/%s", r.Booking.Status, r.Payment.Status)
	}
}

func TestCaptureFailureIsCompensated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.SetFailures(nil, errors.New("processor timeout"), nil)
	b := f.book(t, 48, true)

	if b.Status != models.BookingPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", b.Status)
	}
	if b.TripID == nil {
		t.Fatal("compensated booking should keep its trip reference")
	}
	trip, _ := f.store.Trips.Get(ctx, *b.TripID)
	if trip.Status != models.TripCancelled {
		t.Fatalf("expected trip cancelled, got %s", trip.Status)
	}
	pay, _ := f.store.Payments.Get(ctx, *b.Payment.PaymentID)
	if pay.Status != models.PaymentFailed {
		t.Fatalf("expected payment failed, got %s", pay.Status)
	}
	if len(f.gw.Voided) != 1 || f.gw.Voided[0] != pay.TransactionID {
		t.Fatalf("expected authorization voided, got %v", f.gw.Voided)
	}
}

type failingTrips struct {
	storage.Repo[models.Trip, storage.TripFilter]
}

func (failingTrips) Create(context.Context, *models.Trip) error { return errors.New("write failed") }

func TestCommitFailureVoidsAuthorization(t *testing.T) {
	f := newFixture(t)
	f.store.Trips = failingTrips{f.store.Trips}

	_, err := f.svc.CreateBooking(context.Background(), f.user, f.input(48, true), "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(f.gw.Voided) != 1 {
		t.Fatalf("expected the authorization to be voided, got %v", f.gw.Voided)
	}
	if n := count(t, f.store.Payments, storage.PaymentFilter{}); n != 0 {
		t.Fatalf("payment write should have rolled back, found %d", n)
	}
	bookings, _, _ := f.store.Bookings.Find(context.Background(), storage.BookingFilter{}, storage.Page{})
	if len(bookings) != 1 || bookings[0].Status != models.BookingPendingPayment {
		t.Fatalf("expected the booking to stay pending_payment, got %+v", bookings)
	}
}

func TestIdempotencyKeyReplaysBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.input(48, true)

	first, err := f.svc.CreateBooking(ctx, f.user, in, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.CreateBooking(ctx, f.user, in, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay of %s, got %s", first.ID.Hex(), second.ID.Hex())
	}
	if n := count(t, f.store.Bookings, storage.BookingFilter{}); n != 1 {
		t.Fatalf("expected 1 booking, got %d", n)
	}
	if len(f.gw.Captured) != 1 {
		t.Fatalf("expected one charge, got %d", len(f.gw.Captured))
	}

	// another user's identical key is a different request
	other := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
	if _, err := f.svc.CreateBooking(ctx, other, in, "key-1"); err != nil {
		t.Fatal(err)
	}
	if n := count(t, f.store.Bookings, storage.BookingFilter{}); n != 2 {
		t.Fatalf("expected 2 bookings, got %d", n)
	}
}

func TestConcurrentDuplicateRequestsCreateOneBooking(t *testing.T) {
	f := newFixture(t)
	in := f.input(48, true)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	ids := make([]primitive.ObjectID, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := f.svc.CreateBooking(context.Background(), f.user, in, "double-click")
			errs[i] = err
			if err == nil {
				ids[i] = b.ID
			}
		}()
	}
	wg.Wait()

	var winner primitive.ObjectID
	for i, err := range errs {
		if err != nil {
			wantStatus(t, err, http.StatusConflict)
			continue
		}
		if !winner.IsZero() && ids[i] != winner {
			t.Fatalf("two different bookings returned: %s and %s", winner.Hex(), ids[i].Hex())
		}
		winner = ids[i]
	}
	if winner.IsZero() {
		t.Fatal("no request succeeded")
	}
	if n := count(t, f.store.Bookings, storage.BookingFilter{}); n != 1 {
		t.Fatalf("expected 1 booking, got %d", n)
	}
	if n := count(t, f.store.Trips, storage.TripFilter{}); n != 1 {
		t.Fatalf("expected 1 trip, got %d", n)
	}
}

func TestProcessPaymentRejectsDoublePayment(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, 48, true)

	_, err := f.svc.ProcessPayment(context.Background(), f.user, ProcessPaymentInput{BookingID: b.ID.Hex()}, "")
	wantStatus(t, err, http.StatusBadRequest)
	if len(f.gw.Captured) != 1 {
		t.Fatalf("expected a single capture, got %d", len(f.gw.Captured))
	}
}

func TestProcessPaymentOnlyForOwner(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, 48, false)
	stranger := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}

	_, err := f.svc.ProcessPayment(context.Background(), stranger, ProcessPaymentInput{BookingID: b.BookingID}, "")
	wantStatus(t, err, http.StatusForbidden)
}

func TestCancelBookingAppliesRefundPolicy(t *testing.T) {
	cases := []struct {
		hours       float64
		percent     int
		refund      float64
		fee         float64
		bookingWant models.BookingStatus
		paymentWant models.PaymentStatus
	}{
		{48, 100, 20, 0, models.BookingRefunded, models.PaymentRefunded},
		{13, 75, 15, 5, models.BookingCancelled, models.PaymentPartiallyRefunded},
		{3, 50, 10, 10, models.BookingCancelled, models.PaymentPartiallyRefunded},
		{1, 0, 0, 20, models.BookingCancelled, models.PaymentSucceeded},
	}
	for _, tc := range cases {
		f := newFixture(t)
		ctx := context.Background()
		b := f.book(t, tc.hours, true)

		got, err := f.svc.CancelBooking(ctx, f.user, b.BookingID, "change of plans")
		if err != nil {
			t.Fatalf("%vh: %v", tc.hours, err)
		}
		c := got.Cancellation
		if c == nil || c.RefundPercent != tc.percent || c.RefundAmount != tc.refund || c.CancellationFee != tc.fee {
			t.Fatalf("%vh: unexpected cancellation %+v", tc.hours, c)
		}
		if got.Status != tc.bookingWant {
			t.Fatalf("%vh: expected booking %s, got %s", tc.hours, tc.bookingWant, got.Status)
		}
		pay, _ := f.store.Payments.Get(ctx, *got.Payment.PaymentID)
		if pay.Status != tc.paymentWant || pay.TotalRefundedAmount() != tc.refund {
			t.Fatalf("%vh: unexpected payment %s refunded=%.2f", tc.hours, pay.Status, pay.TotalRefundedAmount())
		}
		trip, _ := f.store.Trips.Get(ctx, *got.TripID)
		if trip.Status != models.TripCancelled {
			t.Fatalf("%vh: expected trip cancelled, got %s", tc.hours, trip.Status)
		}
	}
}

func TestCancelBookingOwnerOrAdminOnly(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, 48, false)
	stranger := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}

	_, err := f.svc.CancelBooking(context.Background(), stranger, b.BookingID, "")
	wantStatus(t, err, http.StatusForbidden)

	got, err := f.svc.CancelBooking(context.Background(), f.admin, b.BookingID, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BookingCancelled || got.Cancellation.RefundAmount != 0 {
		t.Fatalf("unexpected %s %+v", got.Status, got.Cancellation)
	}
}

func TestConcurrentCancelsRefundOnce(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, 48, true)

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.CancelBooking(context.Background(), f.user, b.BookingID, "race")
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		wantStatus(t, err, http.StatusConflict)
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful cancel, got %d", ok)
	}
	if len(f.gw.Refunded) != 1 {
		t.Fatalf("expected one gateway refund, got %d", len(f.gw.Refunded))
	}
}

func TestProcessRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 48, true)
	payID := *b.Payment.PaymentID

	tooMuch := 25.0
	_, err := f.svc.ProcessRefund(ctx, f.admin, payID, RefundInput{Amount: &tooMuch})
	wantStatus(t, err, http.StatusBadRequest)

	_, err = f.svc.ProcessRefund(ctx, f.user, payID, RefundInput{})
	wantStatus(t, err, http.StatusForbidden)

	part := 5.0
	r, err := f.svc.ProcessRefund(ctx, f.admin, payID, RefundInput{Amount: &part, Reason: "late pickup"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Payment.Status != models.PaymentPartiallyRefunded || r.Booking.Status != models.BookingCancelled {
		t.Fatalf("unexpected %s/%s", r.Payment.Status, r.Booking.Status)
	}
	if r.Booking.Cancellation == nil || r.Booking.Cancellation.RefundAmount != 5 {
		t.Fatalf("cancellation should record the refund, got %+v", r.Booking.Cancellation)
	}

	over := 15.01
	_, err = f.svc.ProcessRefund(ctx, f.admin, payID, RefundInput{Amount: &over})
	wantStatus(t, err, http.StatusBadRequest)

	r, err = f.svc.ProcessRefund(ctx, f.admin, payID, RefundInput{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Payment.Status != models.PaymentRefunded || r.Payment.TotalRefundedAmount() != 20 {
		t.Fatalf("expected fully refunded, got %s %.2f", r.Payment.Status, r.Payment.TotalRefundedAmount())
	}
	if r.Booking.Status != models.BookingRefunded {
		t.Fatalf("expected booking refunded, got %s", r.Booking.Status)
	}

	_, err = f.svc.ProcessRefund(ctx, f.admin, payID, RefundInput{})
	wantStatus(t, err, http.StatusBadRequest)
}

func TestFailedGatewayRefundIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 48, true)
	f.gw.SetFailures(nil, nil, errors.New("processor down"))

	_, err := f.svc.ProcessRefund(ctx, f.admin, *b.Payment.PaymentID, RefundInput{})
	wantStatus(t, err, http.StatusBadGateway)

	pay, _ := f.store.Payments.Get(ctx, *b.Payment.PaymentID)
	if len(pay.Refunds) != 1 || pay.Refunds[0].Status != models.RefundFailed {
		t.Fatalf("expected a failed refund record, got %+v", pay.Refunds)
	}
	if pay.Status != models.PaymentSucceeded || pay.RefundableAmount() != 20 {
		t.Fatalf("failed refund must not reduce the balance: %s %.2f", pay.Status, pay.RefundableAmount())
	}
}

func TestUpdateBookingReprices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 48, false)

	got, err := f.svc.UpdateBooking(ctx, f.user, b.ID.Hex(), UpdateInput{
		Passengers: []models.Passenger{{Name: "Asha"}, {Name: "Ravi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Pricing.Total != 40 || got.Pricing.Passengers != 2 {
		t.Fatalf("expected 40.00 for two passengers, got %+v", got.Pricing)
	}

	paid := f.book(t, 48, true)
	_, err = f.svc.UpdateBooking(ctx, f.user, paid.ID.Hex(), UpdateInput{Notes: new(string)})
	wantStatus(t, err, http.StatusBadRequest)
}

func TestUpdateBookingKeepsRedeemedPromo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	promo := &models.PromoCode{
		Code: "LAST1", DiscountType: models.DiscountPercentage, DiscountValue: 10,
		UsageLimit: 1, ValidUntil: f.now.Add(time.Hour), Active: true,
	}
	if err := f.store.Promos.Create(ctx, promo); err != nil {
		t.Fatal(err)
	}
	in := f.input(48, false)
	in.PromoCode = "LAST1"
	b, err := f.svc.CreateBooking(ctx, f.user, in, "")
	if err != nil {
		t.Fatal(err)
	}

	// the only redemption is spent and the code has expired since
	f.now = f.now.Add(2 * time.Hour)
	got, err := f.svc.UpdateBooking(ctx, f.user, b.BookingID, UpdateInput{
		Passengers: []models.Passenger{{Name: "Asha"}, {Name: "Ravi"}},
	})
	if err != nil {
		t.Fatalf("re-pricing a redeemed promo: %v", err)
	}
	if got.Pricing.Subtotal != 40 || got.Pricing.Discount != 4 || got.Pricing.Total != 36 || got.Pricing.PromoCode != "LAST1" {
		t.Fatalf("unexpected pricing %+v", got.Pricing)
	}
	if p, _ := f.store.Promos.Get(ctx, promo.ID); p.UsageCount != 1 {
		t.Fatalf("re-pricing must not redeem again, usage %d", p.UsageCount)
	}

	_, err = f.svc.CreateBooking(ctx, f.user, in, "")
	wantStatus(t, err, http.StatusBadRequest)
}

func TestChargeUsesDiscountedTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	promo := &models.PromoCode{Code: "FIVE", DiscountType: models.DiscountFixed, DiscountValue: 5, Active: true}
	if err := f.store.Promos.Create(ctx, promo); err != nil {
		t.Fatal(err)
	}
	in := f.input(48, true)
	in.PromoCode = "FIVE"
	b, err := f.svc.CreateBooking(ctx, f.user, in, "")
	if err != nil {
		t.Fatal(err)
	}
	pay, err := f.store.Payments.Get(ctx, *b.Payment.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if pay.Amount.Value != 15 || pay.Amount.Value != b.CalculateTotalAmount() {
		t.Fatalf("expected 15.00 charged, got %.2f", pay.Amount.Value)
	}
}

func TestBookingFromTripGetsItsOwnTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.book(t, 48, true)

	rider := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
	in := f.input(48, true)
	in.RouteID = ""
	in.TripID = first.TripID.Hex()
	in.Schedule = ScheduleInput{}
	second, err := f.svc.CreateBooking(ctx, rider, in, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.RouteID != f.route.ID || !second.Schedule.ScheduledDateTime.Equal(first.Schedule.ScheduledDateTime) {
		t.Fatalf("booking should take the trip's route and time, got %s at %s", second.RouteID.Hex(), second.Schedule.ScheduledDateTime)
	}
	if second.TripID == nil || *second.TripID == *first.TripID {
		t.Fatal("second rider must not share the first rider's trip")
	}

	if _, err := f.svc.CancelBooking(ctx, f.user, first.BookingID, "plans changed"); err != nil {
		t.Fatal(err)
	}
	gone, _ := f.store.Trips.Get(ctx, *first.TripID)
	if gone.Status != models.TripCancelled {
		t.Fatalf("first trip should be cancelled, got %s", gone.Status)
	}
	kept, _ := f.store.Trips.Get(ctx, *second.TripID)
	if kept.Status != models.TripConfirmed || kept.BookingID != second.ID {
		t.Fatalf("second trip must survive, got %s for %s", kept.Status, kept.BookingID.Hex())
	}
	if bk, _ := f.store.Bookings.Get(ctx, second.ID); bk.Status != models.BookingConfirmed {
		t.Fatalf("second booking should stay confirmed, got %s", bk.Status)
	}
}

func TestCapacityCheckWritesRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, _ := f.store.Routes.Get(ctx, f.route.ID)
	f.book(t, 48, false)
	after, _ := f.store.Routes.Get(ctx, f.route.ID)
	if after.Version != before.Version+1 {
		t.Fatalf("capacity check should rewrite the route: version %d -> %d", before.Version, after.Version)
	}

	after.MaxPassengers = 0
	if err := f.store.Routes.Update(ctx, after); err != nil {
		t.Fatal(err)
	}
	f.book(t, 48, false)
	if got, _ := f.store.Routes.Get(ctx, f.route.ID); got.Version != after.Version {
		t.Fatalf("unlimited routes need no capacity write: version %d -> %d", after.Version, got.Version)
	}
}

func TestConcurrentBookingsDoNotOversell(t *testing.T) {
	f := newFixture(t)
	f.route.MaxPassengers = 2
	if err := f.store.Routes.Update(context.Background(), f.route); err != nil {
		t.Fatal(err)
	}

	const riders = 8
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rider := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
			if _, err := f.svc.CreateBooking(context.Background(), rider, f.input(30, false), ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 2 {
		t.Fatalf("expected exactly 2 bookings on a 2 seat departure, got %d", ok)
	}
}

func TestDeclinedBookingReleasesSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route.MaxPassengers = 1
	if err := f.store.Routes.Update(ctx, f.route); err != nil {
		t.Fatal(err)
	}
	f.gw.SetFailures(payments.ErrDeclined, nil, nil)
	declined := f.book(t, 30, true)
	f.gw.SetFailures(nil, nil, nil)

	taken := f.book(t, 30, true)
	if taken.Status != models.BookingConfirmed {
		t.Fatalf("the freed seat should be bookable, got %s", taken.Status)
	}

	_, err := f.svc.ProcessPayment(ctx, f.user, ProcessPaymentInput{BookingID: declined.BookingID}, "")
	wantStatus(t, err, http.StatusBadRequest)
	if len(f.gw.Voided) != 1 {
		t.Fatalf("authorization for a full departure should be voided, got %v", f.gw.Voided)
	}
	if bk, _ := f.store.Bookings.Get(ctx, declined.ID); bk.Status != models.BookingPaymentFailed {
		t.Fatalf("retry on a full departure must leave the booking failed, got %s", bk.Status)
	}
}

func TestTripLifecycleMirrorsBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, driver := f.seedDriver(t)
	b := f.book(t, 48, true)
	tripID := *b.TripID

	trip, err := f.svc.AssignDriver(ctx, f.admin, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripAssigned || trip.DriverID == nil || *trip.DriverID != d.ID {
		t.Fatalf("unexpected assignment %+v", trip)
	}
	busy, _ := f.store.Drivers.Get(ctx, d.ID)
	if busy.Available {
		t.Fatal("assigned driver should be unavailable")
	}

	// skipping straight to completed is not a legal jump
	_, err = f.svc.UpdateTripStatus(ctx, driver, tripID, models.TripCompleted, "")
	wantStatus(t, err, http.StatusConflict)

	stranger := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleDriver}
	_, err = f.svc.UpdateTripStatus(ctx, stranger, tripID, models.TripDriverEnRoute, "")
	wantStatus(t, err, http.StatusForbidden)

	for _, st := range []models.TripStatus{models.TripDriverEnRoute, models.TripArrived, models.TripInProgress} {
		if _, err := f.svc.UpdateTripStatus(ctx, driver, tripID, st, ""); err != nil {
			t.Fatalf("%s: %v", st, err)
		}
	}
	bk, _ := f.store.Bookings.Get(ctx, b.ID)
	if bk.Status != models.BookingInProgress {
		t.Fatalf("expected booking in_progress, got %s", bk.Status)
	}

	if _, err := f.svc.CalculateFinalPrice(ctx, driver, tripID, FinalPriceInput{WaitingMinutes: 5, Tolls: 2.5}); err != nil {
		t.Fatal(err)
	}
	trip, err = f.svc.UpdateTripStatus(ctx, driver, tripID, models.TripCompleted, "dropped off")
	if err != nil {
		t.Fatal(err)
	}
	if trip.CompletedAt == nil || trip.Pricing.Final != 22.5 {
		t.Fatalf("unexpected completed trip %+v", trip.Pricing)
	}
	bk, _ = f.store.Bookings.Get(ctx, b.ID)
	if bk.Status != models.BookingCompleted {
		t.Fatalf("expected booking completed, got %s", bk.Status)
	}
	free, _ := f.store.Drivers.Get(ctx, d.ID)
	if !free.Available || free.Performance.CompletedTrips != 1 || free.Performance.TotalEarnings != 22.5 {
		t.Fatalf("unexpected driver aggregates %+v available=%v", free.Performance, free.Available)
	}

	_, err = f.svc.UpdateTripStatus(ctx, driver, tripID, models.TripInProgress, "")
	wantStatus(t, err, http.StatusConflict)
}

func TestDriverBackOutReturnsTripToMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, driver := f.seedDriver(t)
	b := f.book(t, 48, true)
	if _, err := f.svc.AssignDriver(ctx, f.admin, *b.TripID); err != nil {
		t.Fatal(err)
	}

	trip, err := f.svc.CancelTrip(ctx, driver, *b.TripID, "vehicle trouble")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripConfirmed || trip.DriverID != nil {
		t.Fatalf("expected trip back in confirmed without driver, got %s", trip.Status)
	}
	bk, _ := f.store.Bookings.Get(ctx, b.ID)
	if bk.Status != models.BookingConfirmed {
		t.Fatalf("booking should stay confirmed, got %s", bk.Status)
	}
	back, _ := f.store.Drivers.Get(ctx, d.ID)
	if !back.Available || back.Performance.CancelledTrips != 1 {
		t.Fatalf("driver should be free with a cancellation on record, got %+v", back.Performance)
	}

	// the same driver is excluded from re-matching
	_, err = f.svc.AssignDriver(ctx, f.admin, *b.TripID)
	wantStatus(t, err, http.StatusConflict)
	if len(f.matcher.seen) != 1 || f.matcher.seen[0] != d.ID {
		t.Fatalf("expected previous driver excluded, got %v", f.matcher.seen)
	}
}

func TestAdminTripCancellationRefundsInFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.seedDriver(t)
	b := f.book(t, 3, true)
	if _, err := f.svc.AssignDriver(ctx, f.admin, *b.TripID); err != nil {
		t.Fatal(err)
	}

	trip, err := f.svc.CancelTrip(ctx, f.admin, *b.TripID, "vehicle shortage")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripCancelled {
		t.Fatalf("expected trip cancelled, got %s", trip.Status)
	}
	bk, _ := f.store.Bookings.Get(ctx, b.ID)
	if bk.Cancellation == nil || bk.Cancellation.RefundPercent != 100 || bk.Status != models.BookingRefunded {
		t.Fatalf("expected full refund, got %s %+v", bk.Status, bk.Cancellation)
	}
	free, _ := f.store.Drivers.Get(ctx, d.ID)
	if !free.Available {
		t.Fatal("driver should be released")
	}
}

func TestListBookingsScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, 48, false)
	other := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
	if _, err := f.svc.CreateBooking(ctx, other, f.input(50, false), ""); err != nil {
		t.Fatal(err)
	}

	mine, total, err := f.svc.ListBookings(ctx, f.user, ListFilter{}, storage.Page{Page: 1, Limit: 10})
	if err != nil || total != 1 || len(mine) != 1 || mine[0].UserID != f.user.UserID {
		t.Fatalf("expected only own booking, got total=%d err=%v", total, err)
	}
	_, total, _ = f.svc.ListBookings(ctx, f.admin, ListFilter{}, storage.Page{})
	if total != 2 {
		t.Fatalf("admin should see all bookings, got %d", total)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.book(t, 48, true)
	f.book(t, 49, false)
	b := f.book(t, 50, true)
	if _, err := f.svc.CancelBooking(context.Background(), f.user, b.BookingID, ""); err != nil {
		t.Fatal(err)
	}

	d, err := f.svc.Dashboard(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d.TotalBookings != 3 || d.Bookings[models.BookingConfirmed] != 1 || d.Bookings[models.BookingPendingPayment] != 1 || d.Bookings[models.BookingRefunded] != 1 {
		t.Fatalf("unexpected counts %+v", d.Bookings)
	}
	if d.Revenue != 20 || d.Refunded != 20 {
		t.Fatalf("expected revenue 20 and refunded 20, got %.2f / %.2f", d.Revenue, d.Refunded)
	}
}
