package httpapi

import (
	"net/http"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type forgotRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,nefield=CurrentPassword"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.auth.Register(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, res)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.auth.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, res)
}

// handleForgotPassword answers the same way whether or not the address
// exists. Outside production the reset token is echoed back since no mail
// transport is configured.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var in forgotRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.auth.ForgotPassword(r.Context(), in.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var data any
	if !s.production && token != "" {
		data = map[string]string{"resetToken": token}
	}
	message(w, http.StatusOK, "if the address is registered, reset instructions have been sent", data)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var in resetRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.auth.ResetPassword(r.Context(), in.Token, in.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, res)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.auth.Me(r.Context(), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, u)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var in changePasswordRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.auth.ChangePassword(r.Context(), actor(r).UserID, in.CurrentPassword, in.NewPassword)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, res)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.UserFilter{Role: models.Role(q.Get("role")), Status: models.UserStatus(q.Get("status"))}
	page := pageOf(r)
	users, total, err := s.auth.ListUsers(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list(w, users, total, page)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	uid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.auth.GetUser(r.Context(), actor(r), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	uid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in auth.UpdateUserInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.auth.UpdateUser(r.Context(), actor(r), uid, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, u)
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	uid, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.DeactivateUser(r.Context(), actor(r), uid); err != nil {
		s.fail(w, r, err)
		return
	}
	message(w, http.StatusOK, "account deactivated", nil)
}
