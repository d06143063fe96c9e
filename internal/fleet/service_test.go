package fleet

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/storage"
)

type locationSink struct {
	mu   sync.Mutex
	locs []models.DriverLocation
}

func (l *locationSink) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locs = append(l.locs, loc)
	return nil
}

type fixture struct {
	svc   *Service
	store *storage.Store
	index *geo.Index
	sink  *locationSink
	rec   *events.Recorder
	admin auth.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	f := &fixture{
		store: store,
		index: geo.NewIndex(),
		sink:  &locationSink{},
		rec:   &events.Recorder{},
		admin: auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleAdmin},
	}
	f.svc = NewService(Deps{
		Store:     store,
		Locator:   f.index,
		Locations: f.sink,
		Events:    f.rec,
		Notifier:  notify.NewService(store, nil, logging.Discard()),
		Logger:    logging.Discard(),
	})
	return f
}

func newDriverPrincipal() auth.Principal {
	return auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleDriver}
}

func license() LicenseInput {
	return LicenseInput{Number: " dl-123 ", Class: "B", ExpiresAt: time.Now().AddDate(2, 0, 0)}
}

// onlineDriver registers, approves and equips a driver.
func (f *fixture) onlineDriver(t *testing.T, plate string, lat, lng float64) (*models.Driver, auth.Principal) {
	t.Helper()
	ctx := context.Background()
	p := newDriverPrincipal()
	d, err := f.svc.RegisterDriver(ctx, p, RegisterDriverInput{License: license()})
	if err != nil {
		t.Fatalf("register driver: %v", err)
	}
	if _, err := f.svc.SetDriverStatus(ctx, f.admin, d.ID, models.DriverActive); err != nil {
		t.Fatalf("approve driver: %v", err)
	}
	v, err := f.svc.CreateVehicle(ctx, p, VehicleInput{Make: "Toyota", Model: "Innova", Year: 2022, PlateNumber: plate, Type: "van", Capacity: 6})
	if err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	if _, err := f.svc.AssignVehicle(ctx, p, d.ID, v.ID); err != nil {
		t.Fatalf("assign vehicle: %v", err)
	}
	if _, err := f.svc.UpdateLocation(ctx, p, LocationInput{Lat: lat, Lng: lng}); err != nil {
		t.Fatalf("update location: %v", err)
	}
	d, err = f.svc.SetAvailability(ctx, p, true)
	if err != nil {
		t.Fatalf("go online: %v", err)
	}
	return d, p
}

func TestRegisterDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := newDriverPrincipal()

	d, err := f.svc.RegisterDriver(ctx, p, RegisterDriverInput{License: license()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != models.DriverPendingApproval || d.License.Number != "DL-123" || d.Available {
		t.Fatalf("unexpected driver %+v", d)
	}
	if _, err := f.svc.RegisterDriver(ctx, p, RegisterDriverInput{License: license()}); !apperr.Is(err, http.StatusConflict) {
		t.Fatalf("second profile should conflict, got %v", err)
	}

	rider := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
	if _, err := f.svc.RegisterDriver(ctx, rider, RegisterDriverInput{License: license()}); !apperr.Is(err, http.StatusForbidden) {
		t.Fatalf("riders cannot register as drivers, got %v", err)
	}
	expired := license()
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	if _, err := f.svc.RegisterDriver(ctx, newDriverPrincipal(), RegisterDriverInput{License: expired}); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("expired license should be rejected, got %v", err)
	}
}

func TestDriverStatusLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, p := f.onlineDriver(t, "KA01AB1234", 12.97, 77.59)
	if f.index.Len() != 1 {
		t.Fatalf("online driver should be indexed, have %d", f.index.Len())
	}

	if _, err := f.svc.SetDriverStatus(ctx, p, d.ID, models.DriverSuspended); !apperr.Is(err, http.StatusForbidden) {
		t.Fatalf("drivers cannot change their own status, got %v", err)
	}
	d, err := f.svc.SetDriverStatus(ctx, f.admin, d.ID, models.DriverSuspended)
	if err != nil {
		t.Fatal(err)
	}
	if d.Available || f.index.Len() != 0 {
		t.Fatal("suspended driver should be offline and out of the index")
	}
	if _, err := f.svc.SetDriverStatus(ctx, f.admin, d.ID, models.DriverPendingApproval); !apperr.Is(err, http.StatusConflict) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	types := f.rec.Types()
	if len(types) != 2 || types[1] != events.DriverStatusChanged {
		t.Fatalf("unexpected events %v", types)
	}
	notes, _, _ := f.store.Notifications.Find(ctx, storage.NotificationFilter{UserID: &p.UserID}, storage.Page{})
	if len(notes) != 2 {
		t.Fatalf("driver should be told about both changes, got %d", len(notes))
	}
}

func TestAvailabilityRequiresActiveDriverWithVehicle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := newDriverPrincipal()
	d, err := f.svc.RegisterDriver(ctx, p, RegisterDriverInput{License: license()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetAvailability(ctx, p, true); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("pending driver cannot go online, got %v", err)
	}
	if _, err := f.svc.SetDriverStatus(ctx, f.admin, d.ID, models.DriverActive); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetAvailability(ctx, p, true); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("driver without vehicle cannot go online, got %v", err)
	}
	if _, err := f.svc.SetAvailability(ctx, newDriverPrincipal(), true); !apperr.Is(err, http.StatusNotFound) {
		t.Fatalf("unknown driver profile should be 404, got %v", err)
	}
}

func TestUpdateLocationStreamsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, p := f.onlineDriver(t, "KA01AB1234", 12.97, 77.59)

	if _, err := f.svc.UpdateLocation(ctx, p, LocationInput{Lat: 91, Lng: 0}); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("expected invalid coordinates, got %v", err)
	}
	d, err := f.svc.UpdateLocation(ctx, p, LocationInput{Lat: 12.98, Lng: 77.60})
	if err != nil {
		t.Fatal(err)
	}
	if c := d.Location.Coord(); c.Lat != 12.98 || c.Lng != 77.60 || d.LocationUpdatedAt == nil {
		t.Fatalf("location not stored: %+v", d.Location)
	}
	last := f.sink.locs[len(f.sink.locs)-1]
	if last.DriverID != d.ID.Hex() || last.Lat != 12.98 || !last.Available {
		t.Fatalf("unexpected streamed location %+v", last)
	}

	if _, err := f.svc.SetAvailability(ctx, p, false); err != nil {
		t.Fatal(err)
	}
	if f.index.Len() != 0 {
		t.Fatal("offline driver should leave the index")
	}
}

func TestNearbyDrivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	near, _ := f.onlineDriver(t, "KA01AA0001", 12.9716, 77.5946)
	far, _ := f.onlineDriver(t, "KA01AA0002", 12.9900, 77.6100)
	f.onlineDriver(t, "KA01AA0003", 13.5, 78.5)

	got, err := f.svc.NearbyDrivers(ctx, 12.9716, 77.5946, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Driver.ID != near.ID || got[1].Driver.ID != far.ID {
		t.Fatalf("expected the two close drivers nearest first, got %d", len(got))
	}
	if got[0].DistanceMeters > got[1].DistanceMeters {
		t.Fatal("results not ordered by distance")
	}
	if _, err := f.svc.NearbyDrivers(ctx, 100, 0, 5, 10); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("expected invalid coordinates, got %v", err)
	}
}

func TestVehicles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newDriverPrincipal()
	other := newDriverPrincipal()
	in := VehicleInput{Make: "Maruti", Model: "Dzire", Year: 2021, PlateNumber: "ka 01 mn 4321", Type: "sedan", Capacity: 4}

	v, err := f.svc.CreateVehicle(ctx, owner, in)
	if err != nil {
		t.Fatal(err)
	}
	if v.PlateNumber != "KA01MN4321" || v.Status != models.VehicleActive {
		t.Fatalf("unexpected vehicle %+v", v)
	}
	in.PlateNumber = "KA01MN4321"
	if _, err := f.svc.CreateVehicle(ctx, other, in); !apperr.Is(err, http.StatusConflict) {
		t.Fatalf("duplicate plate should conflict, got %v", err)
	}
	rider := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
	if _, err := f.svc.CreateVehicle(ctx, rider, in); !apperr.Is(err, http.StatusForbidden) {
		t.Fatalf("riders cannot add vehicles, got %v", err)
	}

	if _, err := f.svc.GetVehicle(ctx, other, v.ID); !apperr.Is(err, http.StatusForbidden) {
		t.Fatalf("other drivers cannot read the vehicle, got %v", err)
	}
	mine, total, err := f.svc.ListVehicles(ctx, other, storage.VehicleFilter{}, storage.Page{})
	if err != nil || total != 0 || len(mine) != 0 {
		t.Fatalf("other driver should see no vehicles, got %d (%v)", total, err)
	}
	_, total, _ = f.svc.ListVehicles(ctx, f.admin, storage.VehicleFilter{}, storage.Page{})
	if total != 1 {
		t.Fatalf("admin should see every vehicle, got %d", total)
	}

	color := "white"
	v, err = f.svc.UpdateVehicle(ctx, owner, v.ID, UpdateVehicleInput{Color: &color})
	if err != nil || v.Color != "white" {
		t.Fatalf("update failed: %v", err)
	}
}

func TestDeleteVehicleTakesDriverOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, p := f.onlineDriver(t, "KA01AB1234", 12.97, 77.59)

	if err := f.svc.DeleteVehicle(ctx, p, *d.VehicleID); err != nil {
		t.Fatal(err)
	}
	v, err := f.store.Vehicles.Get(ctx, *d.VehicleID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != models.VehicleInactive || v.CurrentDriverID != nil {
		t.Fatalf("vehicle should be retired, got %+v", v)
	}
	d, err = f.svc.GetDriver(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.VehicleID != nil || d.Available || f.index.Len() != 0 {
		t.Fatal("driver should be left offline without a vehicle")
	}
	if _, err := f.svc.AssignVehicle(ctx, p, d.ID, v.ID); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("retired vehicle cannot be assigned, got %v", err)
	}
}

func TestAssignVehicleSwapsPairing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, p := f.onlineDriver(t, "KA01AB1234", 12.97, 77.59)
	first := *d.VehicleID

	second, err := f.svc.CreateVehicle(ctx, p, VehicleInput{Make: "Honda", Model: "City", Year: 2023, PlateNumber: "KA02CD5678", Type: "sedan", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	d, err = f.svc.AssignVehicle(ctx, p, d.ID, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *d.VehicleID != second.ID {
		t.Fatal("driver should use the new vehicle")
	}
	old, _ := f.store.Vehicles.Get(ctx, first)
	if old.CurrentDriverID != nil {
		t.Fatal("previous vehicle should be released")
	}

	rival, _ := f.onlineDriver(t, "KA03EF9999", 12.97, 77.59)
	if _, err := f.svc.AssignVehicle(ctx, f.admin, rival.ID, second.ID); !apperr.Is(err, http.StatusConflict) {
		t.Fatalf("a vehicle in use cannot be taken, got %v", err)
	}
}

func TestReviews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.onlineDriver(t, "KA01AB1234", 12.97, 77.59)
	rider := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}

	trip := &models.Trip{TripID: "TR-1", UserID: rider.UserID, DriverID: models.IDPtr(d.ID), Status: models.TripInProgress}
	if err := f.store.Trips.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	in := ReviewInput{TripID: trip.ID.Hex(), Rating: 4, Comment: "smooth ride"}
	if _, err := f.svc.CreateReview(ctx, rider, in); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("unfinished trip cannot be reviewed, got %v", err)
	}

	trip.Status = models.TripCompleted
	if err := f.store.Trips.Update(ctx, trip); err != nil {
		t.Fatal(err)
	}
	stranger := auth.Principal{UserID: primitive.NewObjectID(), Role: models.RoleUser}
	if _, err := f.svc.CreateReview(ctx, stranger, in); !apperr.Is(err, http.StatusForbidden) {
		t.Fatalf("only the rider can review, got %v", err)
	}
	bad := in
	bad.Rating = 6
	if _, err := f.svc.CreateReview(ctx, rider, bad); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("rating out of range, got %v", err)
	}

	if _, err := f.svc.CreateReview(ctx, rider, in); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateReview(ctx, rider, in); !apperr.Is(err, http.StatusConflict) {
		t.Fatalf("second review should conflict, got %v", err)
	}

	d, _ = f.svc.GetDriver(ctx, d.ID)
	if d.Performance.Rating != 4 || d.Performance.RatingCount != 1 {
		t.Fatalf("rating not folded in: %+v", d.Performance)
	}
	reviews, total, err := f.svc.ListDriverReviews(ctx, d.ID, storage.Page{})
	if err != nil || total != 1 || reviews[0].Comment != "smooth ride" {
		t.Fatalf("unexpected reviews %d (%v)", total, err)
	}
}
