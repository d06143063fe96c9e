package models

import "time"

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserInactive  UserStatus = "inactive"
	UserSuspended UserStatus = "suspended"
)

// Security holds login throttling and password reset state. None of it is
// ever serialized to clients.
type Security struct {
	LoginAttempts     int        `bson:"login_attempts"`
	LockUntil         *time.Time `bson:"lock_until,omitempty"`
	ResetTokenHash    string     `bson:"reset_token_hash,omitempty"`
	ResetTokenExpires *time.Time `bson:"reset_token_expires,omitempty"`
	PasswordChangedAt *time.Time `bson:"password_changed_at,omitempty"`
	LastLoginAt       *time.Time `bson:"last_login_at,omitempty"`
}

type User struct {
	Meta          `bson:",inline"`
	Name          string     `json:"name" bson:"name"`
	Email         string     `json:"email" bson:"email"`
	Phone         string     `json:"phone,omitempty" bson:"phone,omitempty"`
	PasswordHash  string     `json:"-" bson:"password_hash"`
	Role          Role       `json:"role" bson:"role"`
	Status        UserStatus `json:"status" bson:"status"`
	Security      Security   `json:"-" bson:"security"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty" bson:"deactivated_at,omitempty"`
}

// IsLocked reports whether the account is inside a lockout window.
func (u *User) IsLocked(now time.Time) bool {
	return u.Security.LockUntil != nil && u.Security.LockUntil.After(now)
}

// Anonymize implements the soft delete: the address is replaced so the
// original email can register again.
func (u *User) Anonymize(now time.Time) {
	u.Status = UserInactive
	u.Email = "deleted_" + u.ID.Hex() + "@deleted.local"
	u.Phone = ""
	u.DeactivatedAt = &now
}
