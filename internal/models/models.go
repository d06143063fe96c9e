package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Meta is embedded in every stored document. Version backs the
// compare-and-swap update used by the storage layer.
type Meta struct {
	ID        primitive.ObjectID `json:"id" bson:"_id"`
	Version   int                `json:"-" bson:"version"`
	CreatedAt time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time          `json:"updatedAt" bson:"updated_at"`
}

func (m *Meta) Base() *Meta { return m }

// Coord is a plain lat/lng pair used by geo, eta and matching code.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GeoPoint is a GeoJSON point; coordinates are [lng, lat].
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

func NewPoint(lat, lng float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{lng, lat}}
}

func (p GeoPoint) Valid() bool {
	if p.Type != "Point" || len(p.Coordinates) != 2 {
		return false
	}
	lng, lat := p.Coordinates[0], p.Coordinates[1]
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func (p GeoPoint) Coord() Coord {
	if len(p.Coordinates) != 2 {
		return Coord{}
	}
	return Coord{Lat: p.Coordinates[1], Lng: p.Coordinates[0]}
}

type Role string

const (
	RoleUser   Role = "user"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// ParseID converts a hex string into an ObjectID, returning false on junk.
func ParseID(s string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return id, true
}

func IDPtr(id primitive.ObjectID) *primitive.ObjectID { return &id }

func TimePtr(t time.Time) *time.Time { return &t }
