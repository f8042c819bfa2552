package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
	"github.com/cloudide/cloudide/internal/ratelimit"
	"github.com/cloudide/cloudide/internal/store"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string     `json:"token"`
	User  publicUser `json:"user"`
}

type publicUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
}

func toPublicUser(u *store.User) publicUser {
	return publicUser{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

// normalizeEmail case-folds and trims; the store sees only this form.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid email")
		return
	}
	if len(req.Password) < auth.MinPasswordLength {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "password must be at least %d characters", auth.MinPasswordLength)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	user := store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			apierr.WriteKind(w, apierr.KindConflict, "email already registered")
			return
		}
		apierr.Write(w, err)
		return
	}

	created, err := s.store.GetUser(user.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	token, err := s.tokens.Issue(created.ID, created.Email)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, sessionResponse{Token: token, User: toPublicUser(created)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimit.Allow(ratelimit.SourceIP(r)) {
		apierr.WriteKind(w, apierr.KindRateLimited, "too many login attempts")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}

	// A uniform failure response for unknown email and wrong password.
	user, err := s.store.GetUserByEmail(normalizeEmail(req.Email))
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		apierr.WriteKind(w, apierr.KindInvalidCredentials, "invalid credentials")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, sessionResponse{Token: token, User: toPublicUser(user)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	user, err := s.store.GetUser(claims.Subject)
	if err != nil {
		// A valid token for a deleted user is no longer a session.
		apierr.WriteKind(w, apierr.KindUnauthorized, "unknown user")
		return
	}
	apierr.WriteJSON(w, http.StatusOK, toPublicUser(user))
}
