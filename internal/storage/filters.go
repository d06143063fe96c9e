package storage

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/models"
)

func eqID(want *primitive.ObjectID, got primitive.ObjectID) bool {
	return want == nil || *want == got
}

func eqIDPtr(want *primitive.ObjectID, got *primitive.ObjectID) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}

func eqBool(want *bool, got bool) bool {
	return want == nil || *want == got
}

func inList[T comparable](list []T, v T) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

type UserFilter struct {
	Email          string
	Role           models.Role
	Status         models.UserStatus
	ResetTokenHash string
}

func (f UserFilter) Match(u *models.User) bool {
	return (f.Email == "" || strings.EqualFold(f.Email, u.Email)) &&
		(f.Role == "" || f.Role == u.Role) &&
		(f.Status == "" || f.Status == u.Status) &&
		(f.ResetTokenHash == "" || f.ResetTokenHash == u.Security.ResetTokenHash)
}

func (f UserFilter) Query() bson.M {
	q := bson.M{}
	if f.Email != "" {
		q["email"] = strings.ToLower(f.Email)
	}
	if f.Role != "" {
		q["role"] = f.Role
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.ResetTokenHash != "" {
		q["security.reset_token_hash"] = f.ResetTokenHash
	}
	return q
}

type DriverFilter struct {
	IDs       []primitive.ObjectID
	UserID    *primitive.ObjectID
	Status    models.DriverStatus
	Available *bool
}

func (f DriverFilter) Match(d *models.Driver) bool {
	return inList(f.IDs, d.ID) && eqID(f.UserID, d.UserID) &&
		(f.Status == "" || f.Status == d.Status) && eqBool(f.Available, d.Available)
}

func (f DriverFilter) Query() bson.M {
	q := bson.M{}
	if len(f.IDs) > 0 {
		q["_id"] = bson.M{"$in": f.IDs}
	}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.Available != nil {
		q["available"] = *f.Available
	}
	return q
}

type VehicleFilter struct {
	OwnerID     *primitive.ObjectID
	DriverID    *primitive.ObjectID
	Status      models.VehicleStatus
	PlateNumber string
}

func (f VehicleFilter) Match(v *models.Vehicle) bool {
	return eqID(f.OwnerID, v.OwnerID) && eqIDPtr(f.DriverID, v.CurrentDriverID) &&
		(f.Status == "" || f.Status == v.Status) &&
		(f.PlateNumber == "" || strings.EqualFold(f.PlateNumber, v.PlateNumber))
}

func (f VehicleFilter) Query() bson.M {
	q := bson.M{}
	if f.OwnerID != nil {
		q["owner"] = *f.OwnerID
	}
	if f.DriverID != nil {
		q["current_driver"] = *f.DriverID
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.PlateNumber != "" {
		q["plate_number"] = strings.ToUpper(f.PlateNumber)
	}
	return q
}

type HotpointFilter struct {
	Category string
	Active   *bool
}

func (f HotpointFilter) Match(h *models.Hotpoint) bool {
	return (f.Category == "" || f.Category == h.Category) && eqBool(f.Active, h.Active)
}

func (f HotpointFilter) Query() bson.M {
	q := bson.M{}
	if f.Category != "" {
		q["category"] = f.Category
	}
	if f.Active != nil {
		q["active"] = *f.Active
	}
	return q
}

type RouteFilter struct {
	Active      *bool
	Origin      *primitive.ObjectID
	Destination *primitive.ObjectID
	Code        string
}

func (f RouteFilter) Match(r *models.Route) bool {
	return eqBool(f.Active, r.Active) && eqID(f.Origin, r.Origin) &&
		eqID(f.Destination, r.Destination) && (f.Code == "" || f.Code == r.Code)
}

func (f RouteFilter) Query() bson.M {
	q := bson.M{}
	if f.Active != nil {
		q["active"] = *f.Active
	}
	if f.Origin != nil {
		q["origin"] = *f.Origin
	}
	if f.Destination != nil {
		q["destination"] = *f.Destination
	}
	if f.Code != "" {
		q["code"] = f.Code
	}
	return q
}

type BookingFilter struct {
	BookingID   string
	UserID      *primitive.ObjectID
	RouteID     *primitive.ObjectID
	TripID      *primitive.ObjectID
	Statuses    []models.BookingStatus
	ScheduledAt *time.Time
}

func (f BookingFilter) Match(b *models.Booking) bool {
	if f.ScheduledAt != nil && !b.Schedule.ScheduledDateTime.Equal(f.ScheduledAt.Truncate(time.Millisecond)) {
		return false
	}
	return (f.BookingID == "" || f.BookingID == b.BookingID) && eqID(f.UserID, b.UserID) &&
		eqID(f.RouteID, b.RouteID) && eqIDPtr(f.TripID, b.TripID) && inList(f.Statuses, b.Status)
}

func (f BookingFilter) Query() bson.M {
	q := bson.M{}
	if f.BookingID != "" {
		q["booking_id"] = f.BookingID
	}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.RouteID != nil {
		q["route"] = *f.RouteID
	}
	if f.TripID != nil {
		q["trip"] = *f.TripID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	if f.ScheduledAt != nil {
		q["schedule.scheduled_date_time"] = f.ScheduledAt.Truncate(time.Millisecond)
	}
	return q
}

type TripFilter struct {
	UserID    *primitive.ObjectID
	DriverID  *primitive.ObjectID
	BookingID *primitive.ObjectID
	Statuses  []models.TripStatus
}

func (f TripFilter) Match(t *models.Trip) bool {
	return eqID(f.UserID, t.UserID) && eqIDPtr(f.DriverID, t.DriverID) &&
		eqID(f.BookingID, t.BookingID) && inList(f.Statuses, t.Status)
}

func (f TripFilter) Query() bson.M {
	q := bson.M{}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.DriverID != nil {
		q["driver"] = *f.DriverID
	}
	if f.BookingID != nil {
		q["booking"] = *f.BookingID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	return q
}

type PaymentFilter struct {
	UserID    *primitive.ObjectID
	BookingID *primitive.ObjectID
	Statuses  []models.PaymentStatus
}

func (f PaymentFilter) Match(p *models.Payment) bool {
	return eqID(f.UserID, p.UserID) && eqID(f.BookingID, p.BookingID) && inList(f.Statuses, p.Status)
}

func (f PaymentFilter) Query() bson.M {
	q := bson.M{}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.BookingID != nil {
		q["booking"] = *f.BookingID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	return q
}

type ReviewFilter struct {
	UserID   *primitive.ObjectID
	DriverID *primitive.ObjectID
	TripID   *primitive.ObjectID
}

func (f ReviewFilter) Match(r *models.Review) bool {
	return eqID(f.UserID, r.UserID) && eqID(f.DriverID, r.DriverID) && eqID(f.TripID, r.TripID)
}

func (f ReviewFilter) Query() bson.M {
	q := bson.M{}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.DriverID != nil {
		q["driver"] = *f.DriverID
	}
	if f.TripID != nil {
		q["trip"] = *f.TripID
	}
	return q
}

type NotificationFilter struct {
	UserID     *primitive.ObjectID
	UnreadOnly bool
}

func (f NotificationFilter) Match(n *models.Notification) bool {
	return eqID(f.UserID, n.UserID) && (!f.UnreadOnly || !n.Read)
}

func (f NotificationFilter) Query() bson.M {
	q := bson.M{}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.UnreadOnly {
		q["read"] = false
	}
	return q
}

type TicketFilter struct {
	UserID *primitive.ObjectID
	Status models.TicketStatus
}

func (f TicketFilter) Match(t *models.SupportTicket) bool {
	return eqID(f.UserID, t.UserID) && (f.Status == "" || f.Status == t.Status)
}

func (f TicketFilter) Query() bson.M {
	q := bson.M{}
	if f.UserID != nil {
		q["user"] = *f.UserID
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	return q
}

type PromoFilter struct {
	Code   string
	Active *bool
}

func (f PromoFilter) Match(p *models.PromoCode) bool {
	return (f.Code == "" || strings.EqualFold(f.Code, p.Code)) && eqBool(f.Active, p.Active)
}

func (f PromoFilter) Query() bson.M {
	q := bson.M{}
	if f.Code != "" {
		q["code"] = strings.ToUpper(f.Code)
	}
	if f.Active != nil {
		q["active"] = *f.Active
	}
	return q
}

type SettingFilter struct {
	Key string
}

func (f SettingFilter) Match(s *models.AdminSetting) bool {
	return f.Key == "" || f.Key == s.Key
}

func (f SettingFilter) Query() bson.M {
	q := bson.M{}
	if f.Key != "" {
		q["key"] = f.Key
	}
	return q
}

type ContentFilter struct {
	Slug          string
	PublishedOnly bool
}

func (f ContentFilter) Match(c *models.Content) bool {
	return (f.Slug == "" || f.Slug == c.Slug) && (!f.PublishedOnly || c.Published)
}

func (f ContentFilter) Query() bson.M {
	q := bson.M{}
	if f.Slug != "" {
		q["slug"] = f.Slug
	}
	if f.PublishedOnly {
		q["published"] = true
	}
	return q
}

type FeedbackFilter struct {
	Category string
}

func (f FeedbackFilter) Match(fb *models.Feedback) bool {
	return f.Category == "" || f.Category == fb.Category
}

func (f FeedbackFilter) Query() bson.M {
	q := bson.M{}
	if f.Category != "" {
		q["category"] = f.Category
	}
	return q
}
