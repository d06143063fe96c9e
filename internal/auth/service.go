// Package auth handles registration, login, password recovery and user
// administration.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

const (
	MaxLoginAttempts = 5
	LockDuration     = 2 * time.Hour
	ResetTokenTTL    = time.Hour
)

type Service struct {
	store  *storage.Store
	tokens *TokenManager
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store *storage.Store, tokens *TokenManager, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, tokens: tokens, events: pub, logger: logger, now: time.Now}
}

type RegisterInput struct {
	Name     string      `json:"name" validate:"required,min=2,max=100"`
	Email    string      `json:"email" validate:"required,email"`
	Phone    string      `json:"phone" validate:"omitempty,max=32"`
	Password string      `json:"password" validate:"required,min=8"`
	Role     models.Role `json:"role" validate:"omitempty,oneof=user driver"`
}

type Result struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", apperr.Validation("invalid email address")
	}
	return email, nil
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Result, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	role := in.Role
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleDriver {
		return nil, apperr.Validation("role must be user or driver")
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		Name:         strings.TrimSpace(in.Name),
		Email:        email,
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		Role:         role,
		Status:       models.UserActive,
	}
	if err := s.store.Users.Create(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("a user with this email already exists")
		}
		return nil, err
	}
	return s.issue(u)
}

func (s *Service) issue(u *models.User) (*Result, error) {
	token, exp, err := s.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, ExpiresAt: exp, User: u}, nil
}

// Login locks the account for LockDuration after MaxLoginAttempts
// consecutive failures.
func (s *Service) Login(ctx context.Context, email, password string) (*Result, error) {
	invalid := apperr.Authentication("invalid email or password")
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}
	u, err := s.store.Users.FindOne(ctx, storage.UserFilter{Email: email})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if u.IsLocked(now) {
		return nil, apperr.Authentication("account is locked due to too many failed attempts, try again later")
	}
	if u.Status != models.UserActive {
		return nil, apperr.Authorization("account is not active")
	}
	if !CheckPassword(u.PasswordHash, password) {
		u.Security.LoginAttempts++
		if u.Security.LoginAttempts >= MaxLoginAttempts {
			u.Security.LockUntil = models.TimePtr(now.Add(LockDuration))
			u.Security.LoginAttempts = 0
			s.logger.Warn("account locked", "user_id", u.ID.Hex())
		}
		if err := s.store.Users.Update(ctx, u); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		return nil, invalid
	}
	u.Security.LoginAttempts = 0
	u.Security.LockUntil = nil
	u.Security.LastLoginAt = &now
	if err := s.store.Users.Update(ctx, u); err != nil && !errors.Is(err, storage.ErrConflict) {
		return nil, err
	}
	return s.issue(u)
}

// Authenticate validates a bearer token and that its user can still act.
// Tokens issued before the last password change are rejected.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Principal{}, apperr.Authentication("invalid or expired token")
	}
	id, ok := models.ParseID(claims.UserID)
	if !ok {
		return Principal{}, apperr.Authentication("invalid token subject")
	}
	u, err := s.store.Users.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Principal{}, apperr.Authentication("user no longer exists")
	}
	if err != nil {
		return Principal{}, err
	}
	if u.Status != models.UserActive {
		return Principal{}, apperr.Authentication("account is not active")
	}
	if pc := u.Security.PasswordChangedAt; pc != nil && claims.IssuedAt != nil && claims.IssuedAt.Time.Before(pc.Truncate(time.Second)) {
		return Principal{}, apperr.Authentication("password changed, please log in again")
	}
	return Principal{UserID: u.ID, Role: u.Role}, nil
}

// ForgotPassword returns the raw reset token, or "" when the address is
// unknown so callers cannot probe for accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.Users.FindOne(ctx, storage.UserFilter{Email: email})
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, hash, err := newResetToken()
	if err != nil {
		return "", err
	}
	u.Security.ResetTokenHash = hash
	u.Security.ResetTokenExpires = models.TimePtr(s.now().UTC().Add(ResetTokenTTL))
	if err := s.store.Users.Update(ctx, u); err != nil {
		return "", err
	}
	s.logger.Info("password reset requested", "user_id", u.ID.Hex())
	return raw, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, password string) (*Result, error) {
	if token == "" {
		return nil, apperr.Validation("reset token is required")
	}
	u, err := s.store.Users.FindOne(ctx, storage.UserFilter{ResetTokenHash: hashToken(token)})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Validation("reset token is invalid or has expired")
	}
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if u.Security.ResetTokenExpires == nil || now.After(*u.Security.ResetTokenExpires) {
		return nil, apperr.Validation("reset token is invalid or has expired")
	}
	if err := s.setPassword(ctx, u, password, now); err != nil {
		return nil, err
	}
	return s.issue(u)
}

func (s *Service) ChangePassword(ctx context.Context, userID primitive.ObjectID, current, next string) (*Result, error) {
	u, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !CheckPassword(u.PasswordHash, current) {
		return nil, apperr.Authentication("current password is incorrect")
	}
	if err := s.setPassword(ctx, u, next, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.issue(u)
}

func (s *Service) setPassword(ctx context.Context, u *models.User, password string, now time.Time) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.Security.ResetTokenHash = ""
	u.Security.ResetTokenExpires = nil
	u.Security.LoginAttempts = 0
	u.Security.LockUntil = nil
	// one second back so the token issued right after still validates
	u.Security.PasswordChangedAt = models.TimePtr(now.Add(-time.Second))
	return s.store.Users.Update(ctx, u)
}

func (s *Service) getUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	u, err := s.store.Users.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("user")
	}
	return u, err
}

func (s *Service) Me(ctx context.Context, p Principal) (*models.User, error) {
	return s.getUser(ctx, p.UserID)
}

func (s *Service) ListUsers(ctx context.Context, f storage.UserFilter, page storage.Page) ([]*models.User, int64, error) {
	return s.store.Users.Find(ctx, f, page)
}

func (s *Service) GetUser(ctx context.Context, p Principal, id primitive.ObjectID) (*models.User, error) {
	if !p.Owns(id) {
		return nil, apperr.Authorization("not allowed to view this user")
	}
	return s.getUser(ctx, id)
}

type UpdateUserInput struct {
	Name   *string            `json:"name" validate:"omitempty,min=2,max=100"`
	Phone  *string            `json:"phone" validate:"omitempty,max=32"`
	Role   *models.Role       `json:"role" validate:"omitempty,oneof=user driver admin"`
	Status *models.UserStatus `json:"status" validate:"omitempty,oneof=active suspended"`
}

func (s *Service) UpdateUser(ctx context.Context, p Principal, id primitive.ObjectID, in UpdateUserInput) (*models.User, error) {
	if !p.Owns(id) {
		return nil, apperr.Authorization("not allowed to update this user")
	}
	if (in.Role != nil || in.Status != nil) && !p.IsAdmin() {
		return nil, apperr.Authorization("only admins can change role or status")
	}
	u, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		u.Name = strings.TrimSpace(*in.Name)
	}
	if in.Phone != nil {
		u.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.Role != nil {
		if !in.Role.Valid() {
			return nil, apperr.Validation("invalid role")
		}
		u.Role = *in.Role
	}
	if in.Status != nil {
		u.Status = *in.Status
	}
	if err := s.store.Users.Update(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.Conflict("user was modified concurrently, retry")
		}
		return nil, err
	}
	return u, nil
}

// DeactivateUser soft-deletes the account and anonymizes its contact data.
func (s *Service) DeactivateUser(ctx context.Context, p Principal, id primitive.ObjectID) error {
	if !p.Owns(id) {
		return apperr.Authorization("not allowed to deactivate this user")
	}
	u, err := s.getUser(ctx, id)
	if err != nil {
		return err
	}
	if u.Status == models.UserInactive {
		return nil
	}
	u.Anonymize(s.now().UTC())
	if err := s.store.Users.Update(ctx, u); err != nil {
		return err
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, events.New(events.UserDeactivated, "user", u.ID.Hex(), p.UserID.Hex(), nil)); err != nil {
			s.logger.Warn("publish failed", "event", events.UserDeactivated, "error", err)
		}
	}
	return nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if _, err := s.store.Users.FindOne(ctx, storage.UserFilter{Email: email}); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	err = s.store.Users.Create(ctx, &models.User{Name: "Administrator", Email: email, PasswordHash: hash, Role: models.RoleAdmin, Status: models.UserActive})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	return err
}
