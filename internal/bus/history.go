package bus

import (
	"context"
	"fmt"

	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
)

// SnapshotView is a project snapshot with message senders resolved to the
// same shape the live channel uses.
type SnapshotView struct {
	Project  *models.Project         `json:"project"`
	FileTree models.FileTree         `json:"fileTree"`
	Messages []room.MessagePayload   `json:"messages"`
	Members  []*models.ProjectMember `json:"members"`
}

// Snapshot returns the authoritative project state for a (re)joining client.
func (b *Bus) Snapshot(ctx context.Context, projectID string) (*SnapshotView, error) {
	snap, err := b.store.Projects().Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	msgs, err := b.resolveSenders(ctx, snap.Messages, snap.Members)
	if err != nil {
		return nil, err
	}
	return &SnapshotView{
		Project:  snap.Project,
		FileTree: snap.FileTree,
		Messages: msgs,
		Members:  snap.Members,
	}, nil
}

// History returns the project's chat log in order with senders resolved.
func (b *Bus) History(ctx context.Context, projectID string) ([]room.MessagePayload, error) {
	msgs, err := b.store.Messages().List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	members, err := b.store.Projects().Members(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return b.resolveSenders(ctx, msgs, members)
}

// resolveSenders maps sender ids to display identities. Current members are
// resolved from the member list, former members from the user store, and
// sentinels to their fixed identities.
func (b *Bus) resolveSenders(ctx context.Context, msgs []*models.Message, members []*models.ProjectMember) ([]room.MessagePayload, error) {
	refs := make(map[string]models.SenderRef, len(members)+2)
	for _, m := range members {
		if m.Email != "" {
			refs[m.UserID] = models.SenderRef{ID: m.UserID, Email: m.Email, Name: m.Name}
		}
	}

	out := make([]room.MessagePayload, len(msgs))
	for i, msg := range msgs {
		ref, ok := refs[msg.Sender]
		if !ok {
			var err error
			if ref, err = b.lookupSender(ctx, msg.Sender); err != nil {
				return nil, err
			}
			refs[msg.Sender] = ref
		}
		out[i] = room.NewMessagePayload(msg, ref)
	}
	return out, nil
}

func (b *Bus) lookupSender(ctx context.Context, sender string) (models.SenderRef, error) {
	if models.IsSentinelSender(sender) {
		return models.SentinelRef(sender), nil
	}
	user, err := b.store.Users().GetByID(ctx, sender)
	if err != nil {
		return models.SenderRef{}, fmt.Errorf("resolve sender %s: %w", sender, err)
	}
	if user == nil {
		return models.SenderRef{ID: sender}, nil
	}
	return user.Ref(), nil
}
