// Package bus persists chat messages and file tree writes, then fans them
// out to the project's room, to other instances and to the assistant.
package bus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/assistant"
	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/metrics"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/relay"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

// Broadcaster delivers events to the peers of a room.
type Broadcaster interface {
	Broadcast(projectID string, ev room.Event, exclude *room.Peer) int
}

// Assistant receives every persisted human message as a candidate prompt.
type Assistant interface {
	Offer(msg *models.Message) *assistant.Job
}

// Bus serializes writes per project so the persisted order of a room's log
// equals the order in which its events are broadcast. Rooms never block
// each other.
type Bus struct {
	store     storage.Storage
	rooms     Broadcaster
	relay     relay.Relay
	assistant Assistant
	logger    *zap.Logger
	locks     *keyedMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithRelay publishes every broadcast event to other instances.
func WithRelay(r relay.Relay) Option {
	return func(b *Bus) { b.relay = r }
}

// WithAssistant offers human messages to a.
func WithAssistant(a Assistant) Option {
	return func(b *Bus) { b.assistant = a }
}

// New creates a bus.
func New(store storage.Storage, rooms Broadcaster, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		store:  store,
		rooms:  rooms,
		relay:  relay.Noop{},
		logger: logger,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetAssistant attaches the assistant after construction, since the
// assistant pipeline itself reports through the bus.
func (b *Bus) SetAssistant(a Assistant) {
	b.assistant = a
}

// Send is an inbound chat message.
type Send struct {
	ProjectID     string
	Sender        room.Identity
	Body          string
	CorrelationID string
	// From is the sender's live peer, excluded from the broadcast. Nil for
	// messages posted over REST.
	From *room.Peer
}

// Send persists a human message, broadcasts it to the rest of the room and
// offers it to the assistant. The caller must already have verified that
// the sender is a member.
func (b *Bus) Send(ctx context.Context, s Send) (*models.Message, error) {
	if s.Sender.UserID == "" || models.IsSentinelSender(s.Sender.UserID) {
		return nil, fmt.Errorf("%w: invalid sender %q", models.ErrValidation, s.Sender.UserID)
	}
	if strings.TrimSpace(s.Body) == "" {
		return nil, fmt.Errorf("%w: message is required", models.ErrValidation)
	}

	msg := &models.Message{
		ProjectID:     s.ProjectID,
		Sender:        s.Sender.UserID,
		Body:          s.Body,
		CorrelationID: s.CorrelationID,
	}
	ref := models.SenderRef{ID: s.Sender.UserID, Email: s.Sender.Email, Name: s.Sender.Name}
	if err := b.appendAndBroadcast(ctx, msg, ref, s.From); err != nil {
		return nil, err
	}

	if b.assistant != nil {
		if job := b.assistant.Offer(msg); job != nil {
			b.logger.Debug("message offered to assistant", logging.Project(msg.ProjectID), zap.String("job_id", job.ID))
		}
	}
	return msg, nil
}

// PostAs persists and broadcasts a message authored by a sentinel sender.
// It never reaches the assistant.
func (b *Bus) PostAs(ctx context.Context, projectID, sender, body, correlationID string) (*models.Message, error) {
	if !models.IsSentinelSender(sender) {
		return nil, fmt.Errorf("%w: %q is not a sentinel sender", models.ErrValidation, sender)
	}
	msg := &models.Message{
		ProjectID:     projectID,
		Sender:        sender,
		Body:          body,
		CorrelationID: correlationID,
	}
	if err := b.appendAndBroadcast(ctx, msg, models.SentinelRef(sender), nil); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *Bus) appendAndBroadcast(ctx context.Context, msg *models.Message, sender models.SenderRef, exclude *room.Peer) error {
	unlock := b.locks.Lock(msg.ProjectID)
	defer unlock()

	if err := b.store.Messages().Append(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesPersisted.WithLabelValues(senderKind(msg.Sender)).Inc()

	ev := room.MustEvent(room.EventProjectMessage, room.NewMessagePayload(msg, sender))
	b.fanOut(ctx, msg.ProjectID, ev, exclude)
	if exclude != nil {
		exclude.Deliver(room.MustEvent(room.EventMessageAccepted, room.AcceptedPayload{
			ID:            msg.ID,
			Seq:           msg.Seq,
			CorrelationID: msg.CorrelationID,
			Timestamp:     msg.Timestamp,
		}))
	}
	return nil
}

// SaveFileTree replaces the whole tree. With a nil ifVersion the write is
// unconditional and the last writer wins; otherwise a stale version fails
// with models.ErrVersionConflict. Other peers receive the full tree.
func (b *Bus) SaveFileTree(ctx context.Context, projectID string, tree models.FileTree, ifVersion *int64, from *room.Peer) (*models.Project, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: fileTree is required", models.ErrValidation)
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}

	unlock := b.locks.Lock(projectID)
	defer unlock()

	var (
		project *models.Project
		err     error
	)
	if ifVersion != nil {
		project, err = b.store.Projects().ReplaceFileTreeIfVersion(ctx, projectID, tree, *ifVersion)
	} else {
		project, err = b.store.Projects().ReplaceFileTree(ctx, projectID, tree)
	}
	if err != nil {
		return nil, err
	}
	metrics.FileTreeWrites.WithLabelValues("save").Inc()

	ev := room.MustEvent(room.EventFileTreeUpdated, room.FileTreeUpdatedPayload{
		FileTree: tree,
		Paths:    tree.Paths(),
		Version:  project.Version,
		Full:     true,
	})
	b.fanOut(ctx, projectID, ev, from)
	return project, nil
}

// ApplyReply merges an assistant patch into the stored tree and persists
// the reply as an "ai" message in one transaction, then broadcasts the
// message followed by the file-tree-updated signal. On error nothing is
// stored and nothing is broadcast.
func (b *Bus) ApplyReply(ctx context.Context, reply assistant.Reply) error {
	unlock := b.locks.Lock(reply.ProjectID)
	defer unlock()

	msg := &models.Message{ProjectID: reply.ProjectID, Sender: models.SenderAI, Body: reply.Body}
	var (
		project *models.Project
		paths   []string
	)
	if len(reply.Patch) > 0 {
		var err error
		project, err = b.store.Projects().UpdateFileTreeWithMessage(ctx, reply.ProjectID, func(tree models.FileTree) (models.FileTree, error) {
			paths = tree.Merge(reply.Patch)
			return tree, nil
		}, msg)
		if err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}
		metrics.FileTreeWrites.WithLabelValues("assistant").Inc()
	} else if err := b.store.Messages().Append(ctx, msg); err != nil {
		return fmt.Errorf("append reply: %w", err)
	}
	metrics.MessagesPersisted.WithLabelValues(senderKind(msg.Sender)).Inc()

	b.fanOut(ctx, reply.ProjectID,
		room.MustEvent(room.EventProjectMessage, room.NewMessagePayload(msg, models.SentinelRef(models.SenderAI))), nil)
	if project != nil {
		b.fanOut(ctx, reply.ProjectID, room.MustEvent(room.EventFileTreeUpdated, room.FileTreeUpdatedPayload{
			FileTree: reply.Patch,
			Paths:    paths,
			Version:  project.Version,
		}), nil)
	}
	return nil
}

// ReportFailure emits an assistant-error event and records the failure as a
// "system" message so it is never mistaken for an assistant reply.
func (b *Bus) ReportFailure(ctx context.Context, projectID, reason, correlationID string) error {
	b.fanOut(ctx, projectID, room.MustEvent(room.EventAssistantError, room.AssistantErrorPayload{
		Reason:        reason,
		CorrelationID: correlationID,
	}), nil)

	_, err := b.PostAs(ctx, projectID, models.SenderSystem, "Assistant error: "+reason, "")
	return err
}

// Deliver broadcasts an event that arrived from another instance.
func (b *Bus) Deliver(projectID string, ev room.Event) {
	b.rooms.Broadcast(projectID, ev, nil)
}

func (b *Bus) fanOut(ctx context.Context, projectID string, ev room.Event, exclude *room.Peer) {
	b.rooms.Broadcast(projectID, ev, exclude)
	if err := b.relay.Publish(ctx, projectID, ev); err != nil {
		b.logger.Warn("relay publish failed", logging.Project(projectID), zap.String("event", ev.Name), zap.Error(err))
	}
}

func senderKind(sender string) string {
	if models.IsSentinelSender(sender) {
		return sender
	}
	return "user"
}
