package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type TripStatus string

const (
	TripRequested     TripStatus = "requested"
	TripConfirmed     TripStatus = "confirmed"
	TripAssigned      TripStatus = "assigned"
	TripDriverEnRoute TripStatus = "driver_en_route"
	TripArrived       TripStatus = "arrived"
	TripInProgress    TripStatus = "in_progress"
	TripCompleted     TripStatus = "completed"
	TripCancelled     TripStatus = "cancelled"
)

// TripTransitions: assigned → confirmed is the driver backing out, which
// sends the trip back to matching.
var TripTransitions = map[TripStatus][]TripStatus{
	TripRequested:     {TripConfirmed, TripCancelled},
	TripConfirmed:     {TripAssigned, TripCancelled},
	TripAssigned:      {TripDriverEnRoute, TripConfirmed, TripCancelled},
	TripDriverEnRoute: {TripArrived, TripCancelled},
	TripArrived:       {TripInProgress, TripCancelled},
	TripInProgress:    {TripCompleted},
}

func CanTransitionTrip(from, to TripStatus) bool {
	return contains(TripTransitions[from], to)
}

type TripPricing struct {
	Estimated      float64 `json:"estimated" bson:"estimated"`
	WaitingMinutes float64 `json:"waitingMinutes" bson:"waiting_minutes"`
	WaitingCharge  float64 `json:"waitingCharge" bson:"waiting_charge"`
	Tolls          float64 `json:"tolls" bson:"tolls"`
	Final          float64 `json:"final" bson:"final"`
	Currency       string  `json:"currency" bson:"currency"`
}

type StatusChange struct {
	Status TripStatus         `json:"status" bson:"status"`
	At     time.Time          `json:"at" bson:"at"`
	By     primitive.ObjectID `json:"by,omitempty" bson:"by,omitempty"`
	Note   string             `json:"note,omitempty" bson:"note,omitempty"`
}

type Trip struct {
	Meta               `bson:",inline"`
	TripID             string              `json:"tripId" bson:"trip_id"`
	UserID             primitive.ObjectID  `json:"user" bson:"user"`
	RouteID            primitive.ObjectID  `json:"route" bson:"route"`
	BookingID          primitive.ObjectID  `json:"booking" bson:"booking"`
	DriverID           *primitive.ObjectID `json:"driver,omitempty" bson:"driver,omitempty"`
	VehicleID          *primitive.ObjectID `json:"vehicle,omitempty" bson:"vehicle,omitempty"`
	Passengers         int                 `json:"passengers" bson:"passengers"`
	ScheduledAt        time.Time           `json:"scheduledAt" bson:"scheduled_at"`
	Status             TripStatus          `json:"status" bson:"status"`
	Pricing            TripPricing         `json:"pricing" bson:"pricing"`
	StatusHistory      []StatusChange      `json:"statusHistory" bson:"status_history"`
	StartedAt          *time.Time          `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	CancelledAt        *time.Time          `json:"cancelledAt,omitempty" bson:"cancelled_at,omitempty"`
	CancellationReason string              `json:"cancellationReason,omitempty" bson:"cancellation_reason,omitempty"`
}

// Record appends to the history and moves the status; callers check the
// transition table first.
func (t *Trip) Record(to TripStatus, by primitive.ObjectID, note string, at time.Time) {
	t.Status = to
	t.StatusHistory = append(t.StatusHistory, StatusChange{Status: to, At: at, By: by, Note: note})
}
