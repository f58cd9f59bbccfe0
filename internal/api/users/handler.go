// Package users serves the profiles mirrored from access tokens.
package users

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/middleware"
	"github.com/good-yellow-bee/cowork/internal/api/respond"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

// UserResponse is the public form of a profile.
type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Handler serves profile lookups.
type Handler struct {
	users  storage.UserRepository
	logger *zap.Logger
}

// NewHandler creates a new user handler.
func NewHandler(users storage.UserRepository, logger *zap.Logger) *Handler {
	return &Handler{users: users, logger: logger}
}

// Me returns the caller's profile as last mirrored from their token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.users.GetByID(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	if user == nil {
		// Mirroring is best effort; the claims are authoritative.
		claims := middleware.GetClaims(ctx)
		if claims == nil {
			respond.JSONError(w, respond.ErrInvalidToken)
			return
		}
		user = claims.User()
	}
	respond.OK(w, userToResponse(user))
}

// Lookup finds a profile by email, so members can be invited by address.
// Only users who have used the server at least once are known.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	email, err := models.NormalizeEmail(r.URL.Query().Get("email"))
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}

	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	if user == nil {
		respond.JSONError(w, respond.NewNotFound("no user with email "+email))
		return
	}
	respond.OK(w, userToResponse(user))
}

func userToResponse(u *models.User) *UserResponse {
	return &UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
		UpdatedAt: u.UpdatedAt.Format(time.RFC3339),
	}
}
