// Package storage provides the project state store: membership, file trees
// and message logs.
package storage

import (
	"context"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error

	// Repository accessors
	Users() UserRepository
	Projects() ProjectRepository
	Messages() MessageRepository
}

// UserRepository stores profiles mirrored from the account service.
type UserRepository interface {
	Upsert(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// TreeUpdateFunc receives a copy of the stored tree and returns the tree to
// store. Returning an error aborts the write.
type TreeUpdateFunc func(tree models.FileTree) (models.FileTree, error)

// ProjectRepository defines project, membership and file tree operations.
// Every method is atomic; callers need no extra locking.
type ProjectRepository interface {
	// Create inserts the project with creatorID as its sole member.
	Create(ctx context.Context, project *models.Project, creatorID string) error
	GetByID(ctx context.Context, id string) (*models.Project, error)
	GetByName(ctx context.Context, name string) (*models.Project, error)
	UpdateDescription(ctx context.Context, id, description string) (*models.Project, error)
	// Delete removes the project and cascades its members, files and messages.
	Delete(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]*models.Project, error)

	AddMembers(ctx context.Context, projectID string, userIDs []string) error
	RemoveMembers(ctx context.Context, projectID string, userIDs []string) error
	Members(ctx context.Context, projectID string) ([]*models.ProjectMember, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)

	FileTree(ctx context.Context, projectID string) (models.FileTree, int64, error)
	// ReplaceFileTree overwrites the stored tree unconditionally (last write wins).
	ReplaceFileTree(ctx context.Context, projectID string, tree models.FileTree) (*models.Project, error)
	// ReplaceFileTreeIfVersion overwrites the tree only if the stored version
	// equals version, otherwise it returns models.ErrVersionConflict.
	ReplaceFileTreeIfVersion(ctx context.Context, projectID string, tree models.FileTree, version int64) (*models.Project, error)
	// UpdateFileTree runs read, fn and write in one transaction.
	UpdateFileTree(ctx context.Context, projectID string, fn TreeUpdateFunc) (*models.Project, error)
	// UpdateFileTreeWithMessage is UpdateFileTree plus appending msg, committed
	// together or not at all.
	UpdateFileTreeWithMessage(ctx context.Context, projectID string, fn TreeUpdateFunc, msg *models.Message) (*models.Project, error)

	// Snapshot returns project, tree, messages and members read consistently.
	Snapshot(ctx context.Context, projectID string) (*models.Snapshot, error)
}

// MessageRepository is the append-only chat log.
type MessageRepository interface {
	// Append assigns Seq and a per-project monotonic Timestamp, then stores msg.
	Append(ctx context.Context, msg *models.Message) error
	List(ctx context.Context, projectID string) ([]*models.Message, error)
	// Recent returns up to limit of the newest messages, oldest first.
	Recent(ctx context.Context, projectID string, limit int) ([]*models.Message, error)
}
