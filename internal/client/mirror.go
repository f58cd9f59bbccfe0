package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// SaveFunc pushes a locally edited tree to the server.
type SaveFunc func(ctx context.Context, tree models.FileTree) error

// Mirror keeps a directory on disk in step with a project's file tree:
// remote trees are written out with Write, and local edits picked up by
// Watch are pushed back through a SaveFunc.
type Mirror struct {
	dir      string
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	synced models.FileTree
}

// NewMirror creates a mirror rooted at dir, creating it if needed.
func NewMirror(dir string, debounce time.Duration, logger *zap.Logger) (*Mirror, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve mirror dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{dir: abs, debounce: debounce, logger: logger}, nil
}

// Dir returns the mirror directory.
func (m *Mirror) Dir() string {
	return m.dir
}

// Write makes the directory match tree. Files written by an earlier Write
// that are no longer in tree are removed; other files are left alone.
func (m *Mirror) Write(tree models.FileTree) error {
	if err := tree.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range tree.Paths() {
		target, err := m.resolve(p)
		if err != nil {
			return err
		}
		if current, err := os.ReadFile(target); err == nil && string(current) == tree[p].Contents {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", p, err)
		}
		if err := os.WriteFile(target, []byte(tree[p].Contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	for p := range m.synced {
		if _, ok := tree[p]; ok {
			continue
		}
		target, err := m.resolve(p)
		if err != nil {
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	m.synced = tree.Clone()
	return nil
}

// ReadTree loads the directory as a file tree. Hidden entries and
// node_modules are skipped.
func (m *Mirror) ReadTree() (models.FileTree, error) {
	tree := models.FileTree{}
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == m.dir {
			return nil
		}
		if ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(m.dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = models.FileNode{Contents: string(data)}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read mirror dir: %w", err)
	}
	return tree, nil
}

// Watch pushes local edits through save until ctx is cancelled. Bursts of
// filesystem events are coalesced; a tree equal to the last synced one is
// not pushed, so trees applied by Write do not echo back.
func (m *Mirror) Watch(ctx context.Context, save SaveFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := m.watchTree(watcher, m.dir); err != nil {
		return err
	}

	timer := time.NewTimer(m.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignored(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := m.watchTree(watcher, event.Name); err != nil {
						m.logger.Warn("failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			timer.Reset(m.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			if err := m.push(ctx, save); err != nil {
				m.logger.Warn("failed to push local edits", zap.Error(err))
			}
		}
	}
}

func (m *Mirror) push(ctx context.Context, save SaveFunc) error {
	m.mu.Lock()
	tree, err := m.ReadTree()
	unchanged := err == nil && m.synced != nil && m.synced.Equal(tree)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if unchanged {
		return nil
	}

	if err := save(ctx, tree); err != nil {
		return err
	}
	m.mu.Lock()
	m.synced = tree
	m.mu.Unlock()
	m.logger.Info("pushed local edits", zap.Int("files", len(tree)))
	return nil
}

// watchTree adds dir and every non-ignored directory below it; fsnotify
// watches are not recursive.
func (m *Mirror) watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != m.dir && ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

func (m *Mirror) resolve(p string) (string, error) {
	target := filepath.Join(m.dir, filepath.FromSlash(p))
	if !strings.HasPrefix(target, m.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q leaves the mirror", models.ErrValidation, p)
	}
	return target, nil
}

func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}
