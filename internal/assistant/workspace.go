package assistant

import (
	"context"

	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

type storageWorkspace struct {
	store storage.Storage
}

// StorageWorkspace reads prompt context from the project store.
func StorageWorkspace(store storage.Storage) Workspace {
	return storageWorkspace{store: store}
}

func (w storageWorkspace) Recent(ctx context.Context, projectID string, limit int) ([]*models.Message, error) {
	return w.store.Messages().Recent(ctx, projectID, limit)
}

func (w storageWorkspace) FileTree(ctx context.Context, projectID string) (models.FileTree, int64, error) {
	return w.store.Projects().FileTree(ctx, projectID)
}
