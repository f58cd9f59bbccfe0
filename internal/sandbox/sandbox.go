// Package sandbox runs a project's file tree: mount it, install, start and
// report when the started server is reachable.
package sandbox

import (
	"context"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// ServerReady announces a server started inside the container.
type ServerReady struct {
	Port int
	URL  string
}

// Process is a command spawned in a container.
type Process interface {
	// Output yields combined stdout and stderr lines and is closed when the
	// process exits.
	Output() <-chan string
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
}

// Container is the execution runtime a tree is mounted into.
type Container interface {
	Mount(ctx context.Context, tree models.FileTree) error
	Spawn(ctx context.Context, name string, args ...string) (Process, error)
	ServerReady() <-chan ServerReady
}
