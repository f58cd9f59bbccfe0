// Package live serves the real-time room channel over WebSocket and
// server-sent events.
package live

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/cowork/internal/api/middleware"
	"github.com/good-yellow-bee/cowork/internal/api/respond"
	"github.com/good-yellow-bee/cowork/internal/bus"
	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
)

// Bus is the part of the message bus inbound frames are dispatched to.
type Bus interface {
	Send(ctx context.Context, s bus.Send) (*models.Message, error)
	SaveFileTree(ctx context.Context, projectID string, tree models.FileTree, ifVersion *int64, from *room.Peer) (*models.Project, error)
}

// Rooms admits and removes peers.
type Rooms interface {
	Join(ctx context.Context, projectID string, identity room.Identity, transport room.Transport) (*room.Peer, error)
	Leave(peer *room.Peer)
}

// Config holds live channel settings.
type Config struct {
	// AllowedOrigins lists browser origins allowed to open a WebSocket.
	// Empty allows same-origin requests only.
	AllowedOrigins []string      `koanf:"allowed_origins"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	MaxFrameBytes  int64         `koanf:"max_frame_bytes"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 4 << 20
	}
}

// Handler serves the live endpoints.
type Handler struct {
	bus      Bus
	rooms    Rooms
	config   Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a live channel handler.
func NewHandler(b Bus, rooms Rooms, cfg Config, logger *zap.Logger) *Handler {
	cfg.SetDefaults()
	h := &Handler{bus: b, rooms: rooms, config: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// WebSocket handles GET /projects/{id}/ws. The peer receives every room
// event and may send project-message and file-tree-save frames.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	identity := middleware.GetIdentity(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", logging.Project(projectID), zap.Error(err))
		return
	}
	transport := newWSTransport(conn, h.config.WriteTimeout)

	peer, err := h.rooms.Join(r.Context(), projectID, identity, transport)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, models.ErrAuthorization) || errors.Is(err, models.ErrValidation) {
			code = websocket.ClosePolicyViolation
		}
		transport.closeWith(code, respond.FromError(err).Message)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		defer h.rooms.Leave(peer)
		return peer.WritePump(ctx, h.config.PingInterval)
	})
	g.Go(func() error {
		defer cancel()
		return h.readLoop(ctx, conn, transport, peer)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("websocket closed", logging.Project(projectID), zap.String("peer_id", peer.ID), zap.Error(err))
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, transport *wsTransport, peer *room.Peer) error {
	pongWait := 2 * h.config.PingInterval
	conn.SetReadLimit(h.config.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev room.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := h.dispatch(ctx, peer, ev); err != nil {
			var correlationID string
			if ev.Name == room.EventProjectMessage {
				var p room.SendPayload
				if ev.Decode(&p) == nil {
					correlationID = p.CorrelationID
				}
			}
			apiErr := respond.FromError(err)
			if apiErr.Status >= http.StatusInternalServerError {
				h.logger.Error("live frame failed", logging.Project(peer.ProjectID), zap.String("event", ev.Name), zap.Error(err))
			}
			reply := room.MustEvent(room.EventError, room.ErrorPayload{
				Code:          apiErr.Code,
				Message:       apiErr.Message,
				CorrelationID: correlationID,
			})
			if err := transport.WriteEvent(reply); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, peer *room.Peer, ev room.Event) error {
	switch ev.Name {
	case room.EventProjectMessage:
		var p room.SendPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		_, err := h.bus.Send(ctx, bus.Send{
			ProjectID:     peer.ProjectID,
			Sender:        peer.Identity,
			Body:          p.Message,
			CorrelationID: p.CorrelationID,
			From:          peer,
		})
		return err
	case room.EventFileTreeSave:
		var p room.SavePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		_, err := h.bus.SaveFileTree(ctx, peer.ProjectID, p.FileTree, p.Version, peer)
		return err
	default:
		return respond.NewBadRequest("unsupported event " + ev.Name)
	}
}

// Events handles GET /projects/{id}/events, a read-only stream of room
// events for clients that cannot hold a WebSocket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.JSONError(w, respond.ErrInternalServer)
		return
	}

	projectID := chi.URLParam(r, "id")
	transport := newSSETransport(NewSSEWriter(w, flusher))

	peer, err := h.rooms.Join(r.Context(), projectID, middleware.GetIdentity(r.Context()), transport)
	if err != nil {
		respond.Err(w, h.logger, err)
		return
	}
	defer h.rooms.Leave(peer)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	transport.sse.SendRetry(3000)

	if err := peer.WritePump(r.Context(), h.config.PingInterval); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("event stream closed", logging.Project(projectID), zap.Error(err))
	}
}
