package booking

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/pricing"
	"github.com/example/ride-booking/internal/storage"
)

type Dashboard struct {
	Bookings      map[models.BookingStatus]int64 `json:"bookings"`
	TotalBookings int64                          `json:"totalBookings"`
	Users         int64                          `json:"users"`
	ActiveDrivers int64                          `json:"activeDrivers"`
	OpenTrips     int64                          `json:"openTrips"`
	Revenue       float64                        `json:"revenue"`
	Refunded      float64                        `json:"refunded"`
}

// Dashboard gathers admin counters concurrently. Revenue is captured money
// minus succeeded refunds.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	g, ctx := errgroup.WithContext(ctx)
	counts := make([]int64, len(models.BookingStatuses))
	for i, st := range models.BookingStatuses {
		i, st := i, st
		g.Go(func() error {
			n, err := s.store.Bookings.Count(ctx, storage.BookingFilter{Statuses: []models.BookingStatus{st}})
			counts[i] = n
			return err
		})
	}
	out := &Dashboard{Bookings: make(map[models.BookingStatus]int64, len(models.BookingStatuses))}
	g.Go(func() error {
		n, err := s.store.Users.Count(ctx, storage.UserFilter{Status: models.UserActive})
		out.Users = n
		return err
	})
	g.Go(func() error {
		n, err := s.store.Drivers.Count(ctx, storage.DriverFilter{Status: models.DriverActive})
		out.ActiveDrivers = n
		return err
	})
	g.Go(func() error {
		n, err := s.store.Trips.Count(ctx, storage.TripFilter{Statuses: []models.TripStatus{
			models.TripConfirmed, models.TripAssigned, models.TripDriverEnRoute, models.TripArrived, models.TripInProgress,
		}})
		out.OpenTrips = n
		return err
	})
	g.Go(func() error {
		paid, _, err := s.store.Payments.Find(ctx, storage.PaymentFilter{Statuses: []models.PaymentStatus{
			models.PaymentSucceeded, models.PaymentPartiallyRefunded, models.PaymentRefunded,
		}}, storage.Page{})
		if err != nil {
			return err
		}
		var gross, refunded float64
		for _, p := range paid {
			gross += p.Amount.Value
			refunded += p.TotalRefundedAmount()
		}
		out.Revenue = pricing.Round2(gross - refunded)
		out.Refunded = pricing.Round2(refunded)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, st := range models.BookingStatuses {
		out.Bookings[st] = counts[i]
		out.TotalBookings += counts[i]
	}
	return out, nil
}
