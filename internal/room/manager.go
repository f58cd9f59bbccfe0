package room

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/metrics"
	"github.com/good-yellow-bee/cowork/internal/models"
)

// MembershipChecker reports whether a user may join a project's room.
type MembershipChecker interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// Config holds room settings.
type Config struct {
	PeerBuffer int `koanf:"peer_buffer"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.PeerBuffer <= 0 {
		c.PeerBuffer = 64
	}
}

// Manager owns the mapping from project id to its subscribed peers.
type Manager struct {
	members MembershipChecker
	config  Config
	logger  *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Peer]struct{}
}

// NewManager creates a room manager.
func NewManager(members MembershipChecker, cfg Config, logger *zap.Logger) *Manager {
	cfg.SetDefaults()
	return &Manager{
		members: members,
		config:  cfg,
		logger:  logger,
		rooms:   make(map[string]map[*Peer]struct{}),
	}
}

// Join subscribes a transport to the project's room. Membership is checked
// once here and never again for the life of the peer.
func (m *Manager) Join(ctx context.Context, projectID string, identity Identity, transport Transport) (*Peer, error) {
	if projectID == "" || identity.UserID == "" {
		metrics.RoomJoinsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: project id and user id are required", models.ErrValidation)
	}
	ok, err := m.members.IsMember(ctx, projectID, identity.UserID)
	if err != nil {
		metrics.RoomJoinsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		metrics.RoomJoinsTotal.WithLabelValues("denied").Inc()
		return nil, fmt.Errorf("%w: user %s in project %s", models.ErrAuthorization, identity.UserID, projectID)
	}

	peer := newPeer(projectID, identity, transport, m.config.PeerBuffer)

	m.mu.Lock()
	room, exists := m.rooms[projectID]
	if !exists {
		room = make(map[*Peer]struct{})
		m.rooms[projectID] = room
	}
	room[peer] = struct{}{}
	m.mu.Unlock()

	metrics.RoomJoinsTotal.WithLabelValues("ok").Inc()
	metrics.RoomPeersActive.Inc()
	m.logger.Debug("peer joined", logging.Project(projectID), logging.User(identity.UserID), zap.String("peer_id", peer.ID))
	return peer, nil
}

// Leave unsubscribes the peer and closes its transport. It is safe to call
// more than once.
func (m *Manager) Leave(peer *Peer) {
	m.mu.Lock()
	room := m.rooms[peer.ProjectID]
	_, present := room[peer]
	if present {
		delete(room, peer)
		if len(room) == 0 {
			delete(m.rooms, peer.ProjectID)
		}
	}
	m.mu.Unlock()

	peer.close()
	if present {
		metrics.RoomPeersActive.Dec()
		m.logger.Debug("peer left", logging.Project(peer.ProjectID), logging.User(peer.Identity.UserID), zap.String("peer_id", peer.ID))
	}
}

// Broadcast queues ev for every peer in the project's room except exclude,
// which may be nil. Delivery is at most once: a peer whose buffer is full
// misses the event. It returns the number of peers the event was queued for.
func (m *Manager) Broadcast(projectID string, ev Event, exclude *Peer) int {
	m.mu.RLock()
	peers := make([]*Peer, 0, len(m.rooms[projectID]))
	for p := range m.rooms[projectID] {
		if p != exclude {
			peers = append(peers, p)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if p.enqueue(ev) {
			delivered++
			continue
		}
		metrics.RoomEventsDropped.WithLabelValues(ev.Name).Inc()
		m.logger.Warn("peer missed event",
			logging.Project(projectID), zap.String("peer_id", p.ID), zap.String("event", ev.Name))
	}
	metrics.RoomEventsDelivered.WithLabelValues(ev.Name).Add(float64(delivered))
	return delivered
}

// PeerCount returns the number of peers in the project's room.
func (m *Manager) PeerCount(projectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[projectID])
}

// Rooms returns the number of rooms with at least one peer.
func (m *Manager) Rooms() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Peers returns the number of connected peers across all rooms.
func (m *Manager) Peers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, peers := range m.rooms {
		n += len(peers)
	}
	return n
}

// CloseRoom disconnects every peer of a project, used when it is deleted.
func (m *Manager) CloseRoom(projectID string) {
	m.mu.RLock()
	peers := make([]*Peer, 0, len(m.rooms[projectID]))
	for p := range m.rooms[projectID] {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	for _, p := range peers {
		m.Leave(p)
	}
}

// Close disconnects every peer.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseRoom(id)
	}
}
