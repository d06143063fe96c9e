package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DriverStatus string

const (
	DriverPendingApproval DriverStatus = "pending_approval"
	DriverActive          DriverStatus = "active"
	DriverSuspended       DriverStatus = "suspended"
	DriverArchived        DriverStatus = "archived"
)

// DriverTransitions is the approval lifecycle as code.
var DriverTransitions = map[DriverStatus][]DriverStatus{
	DriverPendingApproval: {DriverActive, DriverArchived},
	DriverActive:          {DriverSuspended, DriverArchived},
	DriverSuspended:       {DriverActive, DriverArchived},
}

func CanTransitionDriver(from, to DriverStatus) bool {
	return contains(DriverTransitions[from], to)
}

type License struct {
	Number    string    `json:"number" bson:"number"`
	Class     string    `json:"class" bson:"class"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expires_at"`
}

type DriverPerformance struct {
	Rating         float64 `json:"rating" bson:"rating"`
	RatingCount    int     `json:"ratingCount" bson:"rating_count"`
	TotalTrips     int     `json:"totalTrips" bson:"total_trips"`
	CompletedTrips int     `json:"completedTrips" bson:"completed_trips"`
	CancelledTrips int     `json:"cancelledTrips" bson:"cancelled_trips"`
	TotalEarnings  float64 `json:"totalEarnings" bson:"total_earnings"`
}

type Driver struct {
	Meta              `bson:",inline"`
	UserID            primitive.ObjectID  `json:"user" bson:"user"`
	License           License             `json:"license" bson:"license"`
	VehicleID         *primitive.ObjectID `json:"vehicle,omitempty" bson:"vehicle,omitempty"`
	Status            DriverStatus        `json:"status" bson:"status"`
	Available         bool                `json:"available" bson:"available"`
	Location          *GeoPoint           `json:"location,omitempty" bson:"location,omitempty"`
	LocationUpdatedAt *time.Time          `json:"locationUpdatedAt,omitempty" bson:"location_updated_at,omitempty"`
	Performance       DriverPerformance   `json:"performance" bson:"performance"`
}

// CanDrive reports whether the driver can be matched to a trip.
func (d *Driver) CanDrive() bool {
	return d.Status == DriverActive && d.Available && d.VehicleID != nil
}

// AddRating folds a new review into the running average.
func (d *Driver) AddRating(rating int) {
	p := &d.Performance
	total := p.Rating*float64(p.RatingCount) + float64(rating)
	p.RatingCount++
	p.Rating = total / float64(p.RatingCount)
}

// DriverLocation is the payload drivers post and the consumer ingests.
type DriverLocation struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type VehicleStatus string

const (
	VehicleActive      VehicleStatus = "active"
	VehicleMaintenance VehicleStatus = "maintenance"
	VehicleInactive    VehicleStatus = "inactive"
)

type Vehicle struct {
	Meta            `bson:",inline"`
	OwnerID         primitive.ObjectID  `json:"owner" bson:"owner"`
	CurrentDriverID *primitive.ObjectID `json:"currentDriver,omitempty" bson:"current_driver,omitempty"`
	Make            string              `json:"make" bson:"make"`
	Model           string              `json:"model" bson:"model"`
	Year            int                 `json:"year" bson:"year"`
	PlateNumber     string              `json:"plateNumber" bson:"plate_number"`
	Color           string              `json:"color,omitempty" bson:"color,omitempty"`
	Type            string              `json:"type" bson:"type"`
	Capacity        int                 `json:"capacity" bson:"capacity"`
	Status          VehicleStatus       `json:"status" bson:"status"`
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
