package matcher

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/storage"
)

type Geo interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]geo.Candidate, error)
}

// Offer is the chosen driver for a pickup.
type Offer struct {
	DriverID       primitive.ObjectID `json:"driverId"`
	VehicleID      primitive.ObjectID `json:"vehicleId"`
	ETASeconds     float64            `json:"eta"`
	DistanceMeters float64            `json:"distance"`
	Cost           float64            `json:"cost"`
}

type Service struct {
	Geo      Geo
	Drivers  storage.Repo[models.Driver, storage.DriverFilter]
	ETA      *eta.Estimator
	TopN     int
	RadiusKm float64
}

// Match picks the cheapest eligible driver near origin. Cost is the ETA in
// seconds plus 30s per rating point below 5. Drivers in exclude are skipped.
func (s *Service) Match(ctx context.Context, origin models.Coord, exclude ...primitive.ObjectID) (Offer, bool, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	radius := s.RadiusKm
	if radius <= 0 {
		radius = 5
	}
	cands, err := s.Geo.Nearby(ctx, origin.Lat, origin.Lng, radius, topN)
	if err != nil {
		return Offer{}, false, err
	}
	if len(cands) == 0 {
		return Offer{}, false, nil
	}

	skip := make(map[primitive.ObjectID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	ids := make([]primitive.ObjectID, 0, len(cands))
	pos := make(map[primitive.ObjectID]geo.Candidate, len(cands))
	for _, c := range cands {
		id, ok := models.ParseID(c.DriverID)
		if !ok || skip[id] {
			continue
		}
		ids = append(ids, id)
		pos[id] = c
	}
	if len(ids) == 0 {
		return Offer{}, false, nil
	}
	drivers, _, err := s.Drivers.Find(ctx, storage.DriverFilter{IDs: ids}, storage.Page{})
	if err != nil {
		return Offer{}, false, err
	}

	estimator := s.ETA
	if estimator == nil {
		estimator = &eta.Estimator{}
	}
	type scored struct {
		d    *models.Driver
		est  eta.Estimate
		cost float64
	}
	scoredList := make([]scored, 0, len(drivers))
	for _, d := range drivers {
		if !d.CanDrive() {
			continue
		}
		est := estimator.Estimate(ctx, pos[d.ID].Coord, origin)
		cost := est.DurationSeconds + 30.0*(5.0-d.Performance.Rating) // cost = w1*eta + w2*(5 - rating)
		scoredList = append(scoredList, scored{d, est, cost})
	}
	if len(scoredList) == 0 {
		return Offer{}, false, nil
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].cost < scoredList[j].cost })

	best := scoredList[0]
	observability.MatchesTotal.Inc()
	return Offer{
		DriverID:       best.d.ID,
		VehicleID:      *best.d.VehicleID,
		ETASeconds:     best.est.DurationSeconds,
		DistanceMeters: best.est.DistanceMeters,
		Cost:           best.cost,
	}, true, nil
}
