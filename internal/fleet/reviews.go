package fleet

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type ReviewInput struct {
	TripID  string `json:"tripId" validate:"required,mongodb"`
	Rating  int    `json:"rating" validate:"required,gte=1,lte=5"`
	Comment string `json:"comment" validate:"omitempty,max=1000"`
}

// CreateReview rates the driver of a completed trip. A rider reviews a
// trip once; the driver's average moves in the same transaction.
func (s *Service) CreateReview(ctx context.Context, actor auth.Principal, in ReviewInput) (*models.Review, error) {
	if in.Rating < 1 || in.Rating > 5 {
		return nil, apperr.Validation("rating must be between 1 and 5")
	}
	tripID, ok := models.ParseID(in.TripID)
	if !ok {
		return nil, apperr.Validation("invalid trip id")
	}
	var out *models.Review
	err := s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		trip, err := s.store.Trips.Get(ctx, tripID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("trip")
		}
		if err != nil {
			return err
		}
		if trip.UserID != actor.UserID {
			return apperr.Authorization("only the rider can review this trip")
		}
		if trip.Status != models.TripCompleted {
			return apperr.Validation("only completed trips can be reviewed")
		}
		if trip.DriverID == nil {
			return apperr.Validation("trip has no driver to review")
		}
		d, err := s.getDriver(ctx, *trip.DriverID)
		if err != nil {
			return err
		}
		r := &models.Review{
			UserID:   actor.UserID,
			DriverID: d.ID,
			TripID:   trip.ID,
			Rating:   in.Rating,
			Comment:  strings.TrimSpace(in.Comment),
		}
		if err := s.store.Reviews.Create(ctx, r); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.Conflict("trip already reviewed")
			}
			return err
		}
		d.AddRating(in.Rating)
		if err := s.store.Drivers.Update(ctx, d); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, storage.APIError(err)
	}
	return out, nil
}

func (s *Service) ListDriverReviews(ctx context.Context, driverID primitive.ObjectID, page storage.Page) ([]*models.Review, int64, error) {
	if _, err := s.getDriver(ctx, driverID); err != nil {
		return nil, 0, err
	}
	return s.store.Reviews.Find(ctx, storage.ReviewFilter{DriverID: &driverID}, page)
}
