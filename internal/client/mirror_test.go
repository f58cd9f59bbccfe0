package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/good-yellow-bee/cowork/internal/models"
)

func TestMirror_WriteAndRead(t *testing.T) {
	m, err := NewMirror(t.TempDir(), 0, nil)
	require.NoError(t, err)

	tree := models.FileTree{
		"index.js":     {Contents: "console.log(1)"},
		"src/app.js":   {Contents: "export {}"},
		"src/empty.md": {Contents: ""},
	}
	require.NoError(t, m.Write(tree))

	data, err := os.ReadFile(filepath.Join(m.Dir(), "src", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "export {}", string(data))

	// Hidden files and node_modules stay out of the tree.
	require.NoError(t, os.MkdirAll(filepath.Join(m.Dir(), "node_modules", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "node_modules", "x", "i.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), ".env"), []byte("SECRET=1"), 0o644))

	read, err := m.ReadTree()
	require.NoError(t, err)
	assert.True(t, read.Equal(tree), "read %v", read)
}

func TestMirror_WriteRemovesDroppedFiles(t *testing.T) {
	m, err := NewMirror(t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "local.txt"), []byte("mine"), 0o644))

	require.NoError(t, m.Write(models.FileTree{"a.js": {Contents: "a"}, "b.js": {Contents: "b"}}))
	require.NoError(t, m.Write(models.FileTree{"a.js": {Contents: "A"}}))

	_, err = os.Stat(filepath.Join(m.Dir(), "b.js"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(m.Dir(), "local.txt"))
	assert.NoError(t, err, "files never written by the mirror are kept")
}

func TestMirror_WriteRejectsEscapingPaths(t *testing.T) {
	m, err := NewMirror(t.TempDir(), 0, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Write(models.FileTree{"../out.js": {Contents: "x"}}), models.ErrValidation)
}

type recordingSave struct {
	mu    sync.Mutex
	trees []models.FileTree
}

func (r *recordingSave) save(_ context.Context, tree models.FileTree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees = append(r.trees, tree)
	return nil
}

func (r *recordingSave) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trees)
}

func (r *recordingSave) last() models.FileTree {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trees[len(r.trees)-1]
}

func TestMirror_WatchPushesLocalEdits(t *testing.T) {
	m, err := NewMirror(t.TempDir(), 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, m.Write(models.FileTree{"index.js": {Contents: "v1"}}))

	rec := &recordingSave{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, rec.save) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "index.js"), []byte("v2"), 0o644))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "v2", rec.last()["index.js"].Contents)

	// New directories are watched too.
	require.NoError(t, os.MkdirAll(filepath.Join(m.Dir(), "lib"), 0o755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "lib", "util.js"), []byte("u"), 0o644))
	require.Eventually(t, func() bool {
		return rec.count() >= 2 && rec.last()["lib/util.js"].Contents == "u"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMirror_RemoteWriteDoesNotEcho(t *testing.T) {
	m, err := NewMirror(t.TempDir(), 50*time.Millisecond, nil)
	require.NoError(t, err)

	rec := &recordingSave{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, rec.save) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, m.Write(models.FileTree{"remote.js": {Contents: "from server"}}))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, rec.count())
}
