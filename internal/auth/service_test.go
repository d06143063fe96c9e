package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *clock, *events.Recorder) {
	t.Helper()
	c := &clock{t: time.Now().UTC().Truncate(time.Second)}
	tokens := NewTokenManager("test-secret", 24*time.Hour)
	tokens.now = c.now
	rec := &events.Recorder{}
	s := NewService(storage.NewMemoryStore(), tokens, rec, logging.Discard())
	s.now = c.now
	return s, c, rec
}

func register(t *testing.T, s *Service, email string) *Result {
	t.Helper()
	res, err := s.Register(context.Background(), RegisterInput{Name: "Asha", Email: email, Password: "password1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return res
}

func TestRegister(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	res := register(t, s, "  Asha@Example.COM ")
	if res.User.Email != "asha@example.com" || res.User.Role != models.RoleUser || res.Token == "" {
		t.Fatalf("unexpected result %+v", res.User)
	}

	_, err := s.Register(ctx, RegisterInput{Name: "Dup", Email: "asha@example.com", Password: "password1"})
	if !apperr.Is(err, http.StatusConflict) {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}
	_, err = s.Register(ctx, RegisterInput{Name: "Mallory", Email: "m@example.com", Password: "password1", Role: models.RoleAdmin})
	if !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("self-registering as admin should fail, got %v", err)
	}
	_, err = s.Register(ctx, RegisterInput{Name: "Bad", Email: "not-an-email", Password: "password1"})
	if !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("expected invalid email, got %v", err)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	s, c, _ := newTestService(t)
	ctx := context.Background()
	register(t, s, "rider@example.com")

	for i := 0; i < MaxLoginAttempts; i++ {
		_, err := s.Login(ctx, "rider@example.com", "wrong-password")
		if !apperr.Is(err, http.StatusUnauthorized) {
			t.Fatalf("attempt %d: expected 401, got %v", i+1, err)
		}
	}
	_, err := s.Login(ctx, "rider@example.com", "password1")
	if !apperr.Is(err, http.StatusUnauthorized) {
		t.Fatalf("locked account should refuse the right password, got %v", err)
	}

	c.add(LockDuration + time.Minute)
	res, err := s.Login(ctx, "rider@example.com", "password1")
	if err != nil {
		t.Fatalf("login after lock expired: %v", err)
	}
	if res.User.Security.LoginAttempts != 0 || res.User.Security.LastLoginAt == nil {
		t.Fatalf("unexpected security state %+v", res.User.Security)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.Login(context.Background(), "ghost@example.com", "password1")
	if !apperr.Is(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestAuthenticateRejectsTokensOlderThanPasswordChange(t *testing.T) {
	s, c, _ := newTestService(t)
	ctx := context.Background()
	res := register(t, s, "rider@example.com")

	p, err := s.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != res.User.ID || p.Role != models.RoleUser {
		t.Fatalf("unexpected principal %+v", p)
	}

	c.add(time.Hour)
	changed, err := s.ChangePassword(ctx, p.UserID, "password1", "password2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Authenticate(ctx, res.Token); !apperr.Is(err, http.StatusUnauthorized) {
		t.Fatalf("old token should be rejected, got %v", err)
	}
	if _, err := s.Authenticate(ctx, changed.Token); err != nil {
		t.Fatalf("fresh token should work: %v", err)
	}

	_, err = s.ChangePassword(ctx, p.UserID, "password1", "password3")
	if !apperr.Is(err, http.StatusUnauthorized) {
		t.Fatalf("wrong current password should be rejected, got %v", err)
	}
}

func TestPasswordReset(t *testing.T) {
	s, c, _ := newTestService(t)
	ctx := context.Background()
	register(t, s, "rider@example.com")

	raw, err := s.ForgotPassword(ctx, "ghost@example.com")
	if err != nil || raw != "" {
		t.Fatalf("unknown email should yield no token, got %q %v", raw, err)
	}
	raw, err = s.ForgotPassword(ctx, "RIDER@example.com")
	if err != nil || raw == "" {
		t.Fatalf("expected a token, got %q %v", raw, err)
	}

	if _, err := s.ResetPassword(ctx, "bogus", "newpassword"); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := s.ResetPassword(ctx, raw, "newpassword"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResetPassword(ctx, raw, "again-password"); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("reset token must be single use, got %v", err)
	}
	if _, err := s.Login(ctx, "rider@example.com", "newpassword"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	raw, _ = s.ForgotPassword(ctx, "rider@example.com")
	c.add(ResetTokenTTL + time.Second)
	if _, err := s.ResetPassword(ctx, raw, "another-password"); !apperr.Is(err, http.StatusBadRequest) {
		t.Fatalf("expired token should be rejected, got %v", err)
	}
}

func TestDeactivateUserAnonymizes(t *testing.T) {
	s, _, rec := newTestService(t)
	ctx := context.Background()
	res := register(t, s, "rider@example.com")
	p := Principal{UserID: res.User.ID, Role: models.RoleUser}

	if err := s.DeactivateUser(ctx, p, res.User.ID); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUser(ctx, p, res.User.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != models.UserInactive || u.Email == "rider@example.com" || u.DeactivatedAt == nil {
		t.Fatalf("user not anonymized: %+v", u)
	}
	if _, err := s.Authenticate(ctx, res.Token); !apperr.Is(err, http.StatusUnauthorized) {
		t.Fatalf("deactivated user token should fail, got %v", err)
	}
	if types := rec.Types(); len(types) != 1 || types[0] != events.UserDeactivated {
		t.Fatalf("unexpected events %v", types)
	}
	// the address is free again
	register(t, s, "rider@example.com")
}

func TestUpdateUserRoleRequiresAdmin(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	res := register(t, s, "rider@example.com")
	self := Principal{UserID: res.User.ID, Role: models.RoleUser}
	role := models.RoleAdmin

	_, err := s.UpdateUser(ctx, self, res.User.ID, UpdateUserInput{Role: &role})
	if !apperr.Is(err, http.StatusForbidden) {
		t.Fatalf("expected 403, got %v", err)
	}
	name := "Asha K"
	u, err := s.UpdateUser(ctx, self, res.User.ID, UpdateUserInput{Name: &name})
	if err != nil || u.Name != "Asha K" {
		t.Fatalf("self update failed: %v", err)
	}

	admin := Principal{UserID: u.ID, Role: models.RoleAdmin}
	driver := models.RoleDriver
	u, err = s.UpdateUser(ctx, admin, res.User.ID, UpdateUserInput{Role: &driver})
	if err != nil || u.Role != models.RoleDriver {
		t.Fatalf("admin role change failed: %v", err)
	}
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.EnsureAdmin(ctx, "admin@example.com", "admin-password"); err != nil {
			t.Fatal(err)
		}
	}
	users, total, err := s.ListUsers(ctx, storage.UserFilter{Role: models.RoleAdmin}, storage.Page{})
	if err != nil || total != 1 || users[0].Email != "admin@example.com" {
		t.Fatalf("expected one admin, got %d (%v)", total, err)
	}
	res, err := s.Login(ctx, "admin@example.com", "admin-password")
	if err != nil || res.User.Role != models.RoleAdmin {
		t.Fatalf("admin login failed: %v", err)
	}
}
