package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Address struct {
	Street     string `json:"street,omitempty" bson:"street,omitempty"`
	City       string `json:"city,omitempty" bson:"city,omitempty"`
	State      string `json:"state,omitempty" bson:"state,omitempty"`
	Country    string `json:"country,omitempty" bson:"country,omitempty"`
	PostalCode string `json:"postalCode,omitempty" bson:"postal_code,omitempty"`
}

// Hotpoint is a named, geocoded pickup/dropoff location.
type Hotpoint struct {
	Meta        `bson:",inline"`
	Name        string   `json:"name" bson:"name"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
	Location    GeoPoint `json:"location" bson:"location"`
	Address     Address  `json:"address" bson:"address"`
	Category    string   `json:"category" bson:"category"`
	Active      bool     `json:"active" bson:"active"`
}

type ScheduleType string

const (
	ScheduleFixed    ScheduleType = "fixed"
	ScheduleOnDemand ScheduleType = "on_demand"
)

// PeakWindow applies Multiplier between Start and End (HH:MM, local to the
// departure time) on Days. Empty Days means every day; End before Start
// wraps past midnight.
type PeakWindow struct {
	Days       []int   `json:"days,omitempty" bson:"days,omitempty"`
	Start      string  `json:"start" bson:"start"`
	End        string  `json:"end" bson:"end"`
	Multiplier float64 `json:"multiplier" bson:"multiplier"`
}

func (w PeakWindow) Contains(t time.Time) bool {
	if len(w.Days) > 0 && !contains(w.Days, int(t.Weekday())) {
		return false
	}
	start, err1 := ParseClock(w.Start)
	end, err2 := ParseClock(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

type RoutePricing struct {
	BasePrice        float64      `json:"basePrice" bson:"base_price"`
	PricePerKm       float64      `json:"pricePerKm" bson:"price_per_km"`
	PricePerMinute   float64      `json:"pricePerMinute" bson:"price_per_minute"`
	Currency         string       `json:"currency" bson:"currency"`
	DynamicPricing   bool         `json:"dynamicPricing" bson:"dynamic_pricing"`
	PeakHours        []PeakWindow `json:"peakHours,omitempty" bson:"peak_hours,omitempty"`
	DemandMultiplier float64      `json:"demandMultiplier" bson:"demand_multiplier"`
}

type RouteSchedule struct {
	Type          ScheduleType `json:"type" bson:"type"`
	OperatingDays []int        `json:"operatingDays,omitempty" bson:"operating_days,omitempty"`
	StartTime     string       `json:"startTime,omitempty" bson:"start_time,omitempty"`
	EndTime       string       `json:"endTime,omitempty" bson:"end_time,omitempty"`
	Departures    []string     `json:"departures,omitempty" bson:"departures,omitempty"`
}

// Route is a priced origin→destination path with scheduling rules.
type Route struct {
	Meta            `bson:",inline"`
	Name            string               `json:"name" bson:"name"`
	Code            string               `json:"code,omitempty" bson:"code,omitempty"`
	Origin          primitive.ObjectID   `json:"origin" bson:"origin"`
	Destination     primitive.ObjectID   `json:"destination" bson:"destination"`
	Waypoints       []primitive.ObjectID `json:"waypoints,omitempty" bson:"waypoints,omitempty"`
	DistanceMeters  float64              `json:"distance" bson:"distance"`
	DurationSeconds float64              `json:"duration" bson:"duration"`
	Pricing         RoutePricing         `json:"pricing" bson:"pricing"`
	Schedule        RouteSchedule        `json:"schedule" bson:"schedule"`
	MaxPassengers   int                  `json:"maxPassengers" bson:"max_passengers"`
	Active          bool                 `json:"active" bson:"active"`
}

// IsAvailableAt reports whether the schedule admits a departure at t.
// Fixed schedules need an exact HH:MM match; on-demand schedules need t to
// fall within operating hours. Both honour operating days.
func (r *Route) IsAvailableAt(t time.Time) bool {
	s := r.Schedule
	if len(s.OperatingDays) > 0 && !contains(s.OperatingDays, int(t.Weekday())) {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	switch s.Type {
	case ScheduleFixed:
		for _, d := range s.Departures {
			if c, err := ParseClock(d); err == nil && c == m {
				return true
			}
		}
		return false
	default:
		if s.StartTime == "" || s.EndTime == "" {
			return true
		}
		start, err1 := ParseClock(s.StartTime)
		end, err2 := ParseClock(s.EndTime)
		if err1 != nil || err2 != nil {
			return false
		}
		if start <= end {
			return m >= start && m <= end
		}
		return m >= start || m <= end
	}
}

// ParseClock turns "HH:MM" into minutes after midnight.
func ParseClock(v string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	return hh*60 + mm, nil
}
