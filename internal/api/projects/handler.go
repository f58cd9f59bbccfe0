// Package projects serves project lifecycle, membership and file tree
// endpoints.
package projects

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/middleware"
	"github.com/good-yellow-bee/cowork/internal/api/respond"
	"github.com/good-yellow-bee/cowork/internal/bus"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

// State is the part of the message bus the handler needs.
type State interface {
	Snapshot(ctx context.Context, projectID string) (*bus.SnapshotView, error)
	SaveFileTree(ctx context.Context, projectID string, tree models.FileTree, ifVersion *int64, from *room.Peer) (*models.Project, error)
}

// Rooms closes the live room of a deleted project.
type Rooms interface {
	CloseRoom(projectID string)
}

// ProjectResponse is the public form of a project.
type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Handler struct {
	storage storage.Storage
	state   State
	rooms   Rooms
	logger  *zap.Logger
}

func NewHandler(store storage.Storage, state State, rooms Rooms, logger *zap.Logger) *Handler {
	return &Handler{storage: store, state: state, rooms: rooms, logger: logger}
}

// Request types
type CreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type DescriptionRequest struct {
	Description *string `json:"description"`
}

type FileTreeRequest struct {
	FileTree models.FileTree `json:"fileTree"`
}

type AddMembersRequest struct {
	UserIDs []string `json:"userIds"`
	Emails  []string `json:"emails"`
}

// List returns the caller's projects.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projects, err := h.storage.Projects().ListForUser(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}

	resp := make([]*ProjectResponse, len(projects))
	for i, p := range projects {
		resp[i] = projectToResponse(p)
	}
	respond.OK(w, resp)
}

// Create creates a project with the caller as its only member.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.JSONError(w, respond.NewBadRequest("invalid request body"))
		return
	}
	if err := ValidateName(req.Name); err != nil {
		respond.JSONError(w, respond.NewValidationError(err.Error()))
		return
	}
	if err := ValidateDescription(req.Description); err != nil {
		respond.JSONError(w, respond.NewValidationError(err.Error()))
		return
	}

	ctx := r.Context()
	project := models.NewProject(req.Name, req.Description)
	if err := h.storage.Projects().Create(ctx, project, middleware.GetUserID(ctx)); err != nil {
		if apiErr := respond.FromError(err); apiErr.Code == respond.ErrCodeConflict {
			respond.JSONError(w, respond.NewConflict("project name already exists"))
			return
		}
		respond.Err(w, h.logger, err)
		return
	}

	h.logger.Info("project created", zap.String("project_id", project.ID), zap.String("name", project.Name))
	respond.Created(w, projectToResponse(project))
}

// Get returns the project snapshot: project, file tree, messages and members.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.state.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(snap.Project.Version, 10)))
	respond.OK(w, snap)
}

// Delete removes the project with its members, files and messages, and
// disconnects its live room.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.storage.Projects().Delete(r.Context(), id); err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	h.rooms.CloseRoom(id)

	h.logger.Info("project deleted", zap.String("project_id", id), zap.String("by", middleware.GetUserID(r.Context())))
	respond.NoContent(w)
}

// UpdateDescription replaces the project description.
func (h *Handler) UpdateDescription(w http.ResponseWriter, r *http.Request) {
	var req DescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.JSONError(w, respond.NewBadRequest("invalid request body"))
		return
	}
	if req.Description == nil {
		respond.JSONError(w, respond.NewValidationError("description is required"))
		return
	}
	if err := ValidateDescription(*req.Description); err != nil {
		respond.JSONError(w, respond.NewValidationError(err.Error()))
		return
	}

	project, err := h.storage.Projects().UpdateDescription(r.Context(), chi.URLParam(r, "id"), *req.Description)
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	respond.OK(w, projectToResponse(project))
}

// SaveFileTree replaces the whole file tree. Without If-Match the last
// writer wins; with it a stale version is rejected with 409.
func (h *Handler) SaveFileTree(w http.ResponseWriter, r *http.Request) {
	ifVersion, err := ParseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		respond.JSONError(w, respond.NewBadRequest(err.Error()))
		return
	}

	var req FileTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.JSONError(w, respond.NewBadRequest("invalid request body: "+err.Error()))
		return
	}

	project, err := h.state.SaveFileTree(r.Context(), chi.URLParam(r, "id"), req.FileTree, ifVersion, nil)
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(project.Version, 10)))
	respond.OK(w, projectToResponse(project))
}

// ListMembers returns the project members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.storage.Projects().Members(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	respond.OK(w, members)
}

// AddMembers adds users by id or by the email of a known profile. Adding an
// existing member is a no-op.
func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.JSONError(w, respond.NewBadRequest("invalid request body"))
		return
	}
	if len(req.UserIDs) == 0 && len(req.Emails) == 0 {
		respond.JSONError(w, respond.NewValidationError("userIds or emails is required"))
		return
	}

	ctx := r.Context()
	ids := append([]string(nil), req.UserIDs...)
	for _, raw := range req.Emails {
		email, err := models.NormalizeEmail(raw)
		if err != nil {
			respond.Err(w, h.logger, err)
			return
		}
		user, err := h.storage.Users().GetByEmail(ctx, email)
		if err != nil {
			respond.Err(w, h.logger, err)
			return
		}
		if user == nil {
			respond.JSONError(w, respond.NewNotFound("no user with email "+email))
			return
		}
		ids = append(ids, user.ID)
	}

	id := chi.URLParam(r, "id")
	if err := h.storage.Projects().AddMembers(ctx, id, ids); err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	members, err := h.storage.Projects().Members(ctx, id)
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	respond.OK(w, members)
}

// RemoveMember removes one member. Peers already in the room stay connected
// until they leave; membership is checked at join.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userId")
	if err := h.storage.Projects().RemoveMembers(r.Context(), id, []string{userID}); err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	respond.NoContent(w)
}

func projectToResponse(p *models.Project) *ProjectResponse {
	return &ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.Format(time.RFC3339),
	}
}
