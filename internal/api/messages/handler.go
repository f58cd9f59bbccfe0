// Package messages serves the project chat log over REST.
package messages

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/middleware"
	"github.com/good-yellow-bee/cowork/internal/api/respond"
	"github.com/good-yellow-bee/cowork/internal/bus"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
)

// Poster is the part of the message bus the handler needs.
type Poster interface {
	Send(ctx context.Context, s bus.Send) (*models.Message, error)
	PostAs(ctx context.Context, projectID, sender, body, correlationID string) (*models.Message, error)
	History(ctx context.Context, projectID string) ([]room.MessagePayload, error)
}

type Handler struct {
	bus    Poster
	logger *zap.Logger
}

func NewHandler(p Poster, logger *zap.Logger) *Handler {
	return &Handler{bus: p, logger: logger}
}

// PostRequest is the body of POST /projects/{id}/messages.
type PostRequest struct {
	Message       string `json:"message"`
	SenderID      string `json:"senderId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Post appends a message to the log and broadcasts it to the room. The
// sender defaults to the caller; "ai" posts on behalf of the assistant.
// Posting as another user is rejected.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.JSONError(w, respond.NewBadRequest("invalid request body"))
		return
	}

	ctx := r.Context()
	projectID := chi.URLParam(r, "id")
	caller := middleware.GetIdentity(ctx)

	var (
		msg    *models.Message
		sender models.SenderRef
		err    error
	)
	switch req.SenderID {
	case "", caller.UserID:
		msg, err = h.bus.Send(ctx, bus.Send{
			ProjectID:     projectID,
			Sender:        caller,
			Body:          req.Message,
			CorrelationID: req.CorrelationID,
		})
		sender = models.SenderRef{ID: caller.UserID, Email: caller.Email, Name: caller.Name}
	case models.SenderAI:
		msg, err = h.bus.PostAs(ctx, projectID, models.SenderAI, req.Message, req.CorrelationID)
		sender = models.SentinelRef(models.SenderAI)
	default:
		respond.JSONError(w, respond.FromError(models.ErrAuthorization))
		return
	}
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	respond.Created(w, room.NewMessagePayload(msg, sender))
}

// List returns the ordered chat log with senders resolved.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	history, err := h.bus.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	respond.OK(w, history)
}
