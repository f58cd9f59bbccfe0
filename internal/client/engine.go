package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
)

// ErrNotConnected is returned by Send while no live channel is open.
var ErrNotConnected = errors.New("not connected to the project room")

// ConnState is the engine's connection state.
type ConnState int32

const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Message is a chat entry in the local view. Pending entries are optimistic
// local echoes not yet confirmed by the server.
type Message struct {
	room.MessagePayload
	Pending bool `json:"pending,omitempty"`
}

// Notice is a room-visible error: a failed assistant reply or a rejected
// frame.
type Notice struct {
	Kind          string
	Code          string
	Message       string
	CorrelationID string
}

// View is a copy of the engine's local state.
type View struct {
	Project  models.Project
	FileTree models.FileTree
	Messages []Message
	Members  []*models.ProjectMember
	Notices  []Notice
	State    ConnState
}

// EngineConfig configures a sync engine.
type EngineConfig struct {
	ProjectID string
	Self      models.SenderRef

	// OnUpdate receives a copy of the view after every change.
	OnUpdate func(View)
	// OnFileTree receives the full tree whenever it changes.
	OnFileTree func(models.FileTree)
	// OnState receives connection state transitions.
	OnState func(ConnState)
}

// Engine keeps a local, non-authoritative copy of one project in sync with
// the server: seeded from a REST snapshot, then advanced by live events.
// Every reconnect discards local state and reseeds.
type Engine struct {
	api     *Client
	cfg     EngineConfig
	backoff *Backoff
	logger  *zap.Logger
	state   atomic.Int32

	mu       sync.Mutex
	project  models.Project
	tree     models.FileTree
	messages []Message
	members  []*models.ProjectMember
	notices  []Notice
	seqs     map[int64]struct{} // persisted messages already in the view
	pending  map[string]struct{}
	ch       *Channel
	seeded   chan struct{}
	notifyMu sync.Mutex
}

// NewEngine creates an engine for cfg.ProjectID.
func NewEngine(api *Client, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		api:     api,
		cfg:     cfg,
		backoff: NewBackoff(),
		logger:  logger.With(zap.String("project_id", cfg.ProjectID)),
		tree:    models.FileTree{},
		seqs:    make(map[int64]struct{}),
		pending: make(map[string]struct{}),
		seeded:  make(chan struct{}),
	}
}

// WithBackoff replaces the reconnect backoff.
func (e *Engine) WithBackoff(b *Backoff) *Engine {
	e.backoff = b
	return e
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	return ConnState(e.state.Load())
}

// Ready is closed once the first snapshot has been applied.
func (e *Engine) Ready() <-chan struct{} {
	return e.seeded
}

// Run connects and keeps the engine in sync until ctx is cancelled. It
// returns early when the server rejects the caller outright.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(ConnStateDisconnected)

	for {
		err := e.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, models.ErrAuthorization) || errors.Is(err, models.ErrNotFound) || isUnauthorized(err) {
			return err
		}

		e.setState(ConnStateReconnecting)
		e.logger.Warn("live channel lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", e.backoff.Attempt()+1))
		if err := e.backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

// session runs one connection: dial, seed from a snapshot, then apply
// events until the channel ends. The channel is opened before the snapshot
// is fetched so nothing broadcast in between is lost; events the snapshot
// already covers are skipped by sequence number and tree version.
func (e *Engine) session(ctx context.Context) error {
	e.setState(ConnStateConnecting)

	ch, err := e.api.Dial(ctx, e.cfg.ProjectID)
	if err != nil {
		return err
	}
	defer ch.Close()

	snap, err := e.api.Snapshot(ctx, e.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	e.seed(snap, ch)
	e.backoff.Reset()
	e.setState(ConnStateConnected)
	e.logger.Debug("seeded from snapshot",
		zap.Int64("version", snap.Project.Version),
		zap.Int("messages", len(snap.Messages)))

	defer func() {
		e.mu.Lock()
		if e.ch == ch {
			e.ch = nil
		}
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch.Events():
			if !ok {
				if err := ch.Err(); err != nil {
					return err
				}
				return ErrChannelClosed
			}
			e.Apply(ev)
		}
	}
}

// seed discards local state and replaces it with the snapshot.
func (e *Engine) seed(snap *Snapshot, ch *Channel) {
	e.mu.Lock()
	e.project = snap.Project
	e.tree = snap.FileTree.Clone()
	if e.tree == nil {
		e.tree = models.FileTree{}
	}
	e.messages = make([]Message, len(snap.Messages))
	e.seqs = make(map[int64]struct{}, len(snap.Messages))
	for i, m := range snap.Messages {
		e.messages[i] = Message{MessagePayload: m}
		e.seqs[m.Seq] = struct{}{}
	}
	e.members = snap.Members
	e.notices = nil
	e.pending = make(map[string]struct{})
	e.ch = ch
	tree := e.tree.Clone()
	e.mu.Unlock()

	e.notify(tree)
	select {
	case <-e.seeded:
	default:
		close(e.seeded)
	}
}

// Apply folds one live event into the local state.
func (e *Engine) Apply(ev room.Event) {
	var treeChanged bool

	e.mu.Lock()
	switch ev.Name {
	case room.EventProjectMessage:
		var p room.MessagePayload
		if err := ev.Decode(&p); err != nil {
			e.mu.Unlock()
			e.logger.Warn("dropping malformed event", zap.String("event", ev.Name), zap.Error(err))
			return
		}
		if !e.applyMessage(p) {
			e.mu.Unlock()
			return
		}

	case room.EventMessageAccepted:
		var p room.AcceptedPayload
		if err := ev.Decode(&p); err != nil || !e.accept(p) {
			e.mu.Unlock()
			return
		}

	case room.EventFileTreeUpdated:
		var p room.FileTreeUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			e.mu.Unlock()
			e.logger.Warn("dropping malformed event", zap.String("event", ev.Name), zap.Error(err))
			return
		}
		if p.Version != 0 && p.Version <= e.project.Version {
			e.mu.Unlock()
			return
		}
		if p.Full {
			e.tree = p.FileTree.Clone()
			if e.tree == nil {
				e.tree = models.FileTree{}
			}
		} else {
			e.tree.Merge(p.FileTree)
		}
		if p.Version > e.project.Version {
			e.project.Version = p.Version
		}
		treeChanged = true

	case room.EventAssistantError:
		var p room.AssistantErrorPayload
		if err := ev.Decode(&p); err != nil {
			e.mu.Unlock()
			return
		}
		e.notices = append(e.notices, Notice{Kind: ev.Name, Message: p.Reason, CorrelationID: p.CorrelationID})

	case room.EventError:
		var p room.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			e.mu.Unlock()
			return
		}
		if p.CorrelationID != "" {
			e.dropPending(p.CorrelationID)
		}
		e.notices = append(e.notices, Notice{Kind: ev.Name, Code: p.Code, Message: p.Message, CorrelationID: p.CorrelationID})

	default:
		e.mu.Unlock()
		return
	}

	var tree models.FileTree
	if treeChanged {
		tree = e.tree.Clone()
	}
	e.mu.Unlock()
	e.notify(tree)
}

// applyMessage inserts or confirms a message. Sequence numbers already in
// the view are skipped; relayed messages from other instances may arrive
// late and are placed by seq. It reports whether the local state changed.
// Callers hold e.mu.
func (e *Engine) applyMessage(p room.MessagePayload) bool {
	if p.Seq > 0 {
		if _, ok := e.seqs[p.Seq]; ok {
			return false
		}
		e.seqs[p.Seq] = struct{}{}
	}

	if p.CorrelationID != "" {
		if _, ok := e.pending[p.CorrelationID]; ok {
			delete(e.pending, p.CorrelationID)
			for i := range e.messages {
				if e.messages[i].Pending && e.messages[i].CorrelationID == p.CorrelationID {
					e.messages[i] = Message{MessagePayload: p}
					return true
				}
			}
		}
	} else if p.Sender.ID == e.cfg.Self.ID {
		// No correlation id: match our oldest pending echo with the same text.
		for i := range e.messages {
			m := &e.messages[i]
			if m.Pending && m.Sender.ID == e.cfg.Self.ID && m.Message == p.Message {
				delete(e.pending, m.CorrelationID)
				*m = Message{MessagePayload: p}
				return true
			}
		}
	}

	e.insert(Message{MessagePayload: p})
	return true
}

// insert places a persisted message after every confirmed message with a
// lower seq. Pending messages stay where they are.
func (e *Engine) insert(m Message) {
	i := len(e.messages)
	if m.Seq > 0 {
		for i > 0 {
			prev := e.messages[i-1]
			if prev.Pending || prev.Seq < m.Seq {
				break
			}
			i--
		}
	}
	e.messages = append(e.messages, Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m
}

// accept confirms an optimistic message with its persisted identity.
func (e *Engine) accept(p room.AcceptedPayload) bool {
	if _, ok := e.pending[p.CorrelationID]; !ok {
		return false
	}
	delete(e.pending, p.CorrelationID)
	e.seqs[p.Seq] = struct{}{}
	for i := range e.messages {
		m := &e.messages[i]
		if m.Pending && m.CorrelationID == p.CorrelationID {
			m.ID = p.ID
			m.Seq = p.Seq
			m.Timestamp = p.Timestamp
			m.Pending = false
			return true
		}
	}
	return false
}

// dropPending removes an optimistic message the server rejected.
func (e *Engine) dropPending(correlationID string) {
	if _, ok := e.pending[correlationID]; !ok {
		return
	}
	delete(e.pending, correlationID)
	for i := range e.messages {
		if e.messages[i].Pending && e.messages[i].CorrelationID == correlationID {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return
		}
	}
}

// Send posts a chat message over the live channel. The message is shown
// locally at once and confirmed when the server's broadcast carrying the
// same correlation id comes back.
func (e *Engine) Send(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: message is empty", models.ErrValidation)
	}
	correlationID := uuid.NewString()

	e.mu.Lock()
	ch := e.ch
	if ch == nil {
		e.mu.Unlock()
		return "", ErrNotConnected
	}
	e.pending[correlationID] = struct{}{}
	e.messages = append(e.messages, Message{
		MessagePayload: room.MessagePayload{
			Sender:        e.cfg.Self,
			Message:       text,
			CorrelationID: correlationID,
			Timestamp:     time.Now().UTC(),
		},
		Pending: true,
	})
	e.mu.Unlock()
	e.notify(nil)

	err := ch.Send(room.EventProjectMessage, room.SendPayload{Message: text, CorrelationID: correlationID})
	if err != nil {
		e.mu.Lock()
		e.dropPending(correlationID)
		e.mu.Unlock()
		e.notify(nil)
		return "", err
	}
	return correlationID, nil
}

// SaveFileTree replaces the project tree through the REST API. With
// conditional set the write only succeeds against the locally held version.
func (e *Engine) SaveFileTree(ctx context.Context, tree models.FileTree, conditional bool) (*models.Project, error) {
	var ifVersion *int64
	if conditional {
		e.mu.Lock()
		v := e.project.Version
		e.mu.Unlock()
		ifVersion = &v
	}

	project, err := e.api.SaveFileTree(ctx, e.cfg.ProjectID, tree, ifVersion)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	changed := project.Version > e.project.Version
	if changed {
		e.tree = tree.Clone()
		e.project.Version = project.Version
		e.project.UpdatedAt = project.UpdatedAt
	}
	snapshot := e.tree.Clone()
	e.mu.Unlock()

	if changed {
		e.notify(snapshot)
	}
	return project, nil
}

// FileTree returns a copy of the local tree.
func (e *Engine) FileTree() models.FileTree {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Clone()
}

// View returns a copy of the local state.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() View {
	v := View{
		Project:  e.project,
		FileTree: e.tree.Clone(),
		Messages: append([]Message(nil), e.messages...),
		Members:  append([]*models.ProjectMember(nil), e.members...),
		Notices:  append([]Notice(nil), e.notices...),
		State:    e.State(),
	}
	return v
}

// notify runs the callbacks. A non-nil tree means the file tree changed.
func (e *Engine) notify(tree models.FileTree) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	if tree != nil && e.cfg.OnFileTree != nil {
		e.cfg.OnFileTree(tree)
	}
	if e.cfg.OnUpdate != nil {
		e.cfg.OnUpdate(e.View())
	}
}

func (e *Engine) setState(s ConnState) {
	old := ConnState(e.state.Swap(int32(s)))
	if old != s && e.cfg.OnState != nil {
		e.cfg.OnState(s)
	}
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 401
}
