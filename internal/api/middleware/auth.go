package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/auth"
	"github.com/good-yellow-bee/cowork/internal/api/respond"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

// Context keys for storing user information.
type contextKey string

const (
	userIDKey contextKey = "user_id"
	claimsKey contextKey = "claims"
)

// Authenticator validates access tokens and mirrors the caller's profile
// into the user store so senders can be resolved later.
type Authenticator struct {
	jwt    *auth.JWTService
	users  storage.UserRepository
	logger *zap.Logger

	// seen holds the last profile written per user; unchanged profiles
	// skip the upsert.
	seen sync.Map
}

// NewAuthenticator creates an Authenticator. users may be nil, in which
// case profiles are not mirrored.
func NewAuthenticator(jwtService *auth.JWTService, users storage.UserRepository, logger *zap.Logger) *Authenticator {
	return &Authenticator{jwt: jwtService, users: users, logger: logger}
}

// JWTAuth returns middleware that validates JWT tokens. Browsers cannot set
// headers on WebSocket or EventSource requests, so a "token" query parameter
// is accepted as well.
func (a *Authenticator) JWTAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			respond.JSONError(w, respond.ErrInvalidToken)
			return
		}

		claims, err := a.jwt.ValidateToken(tokenString)
		if err != nil {
			a.logger.Debug("jwt auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			respond.JSONError(w, respond.ErrInvalidToken)
			return
		}

		if err := a.mirror(r.Context(), claims); err != nil {
			respond.Err(w, a.logger, err)
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, claimsKey, claims)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) mirror(ctx context.Context, claims *auth.Claims) error {
	if a.users == nil {
		return nil
	}
	profile := claims.Email + "\x00" + claims.Name
	if prev, ok := a.seen.Load(claims.UserID); ok && prev.(string) == profile {
		return nil
	}
	if err := a.users.Upsert(ctx, claims.User()); err != nil {
		return err
	}
	a.seen.Store(claims.UserID, profile)
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// GetUserID returns the user ID from context.
func GetUserID(ctx context.Context) string {
	if v := ctx.Value(userIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetClaims returns the JWT claims from context.
func GetClaims(ctx context.Context) *auth.Claims {
	if v := ctx.Value(claimsKey); v != nil {
		if c, ok := v.(*auth.Claims); ok {
			return c
		}
	}
	return nil
}

// GetIdentity returns the caller as a room identity.
func GetIdentity(ctx context.Context) room.Identity {
	c := GetClaims(ctx)
	if c == nil {
		return room.Identity{}
	}
	return room.Identity{UserID: c.UserID, Email: c.Email, Name: c.Name}
}

// RequireMember rejects callers that are not members of the project named
// by the {id} URL parameter.
func RequireMember(projects storage.ProjectRepository, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := projectIDParam(r)
			project, err := projects.GetByID(r.Context(), projectID)
			if err != nil {
				respond.Err(w, logger, err)
				return
			}
			if project == nil {
				respond.JSONError(w, respond.NewNotFound("project not found"))
				return
			}

			ok, err := projects.IsMember(r.Context(), projectID, GetUserID(r.Context()))
			if err != nil {
				respond.Err(w, logger, err)
				return
			}
			if !ok {
				respond.JSONError(w, respond.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func projectIDParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}
