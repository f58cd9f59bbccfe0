package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/models"
)

func newTestContainer(t *testing.T) *LocalContainer {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	c, err := NewLocalContainer(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestLocalContainer_Mount(t *testing.T) {
	c := newTestContainer(t)
	tree := models.FileTree{
		"package.json":    {Contents: `{"name":"x"}`},
		"src/routes/a.js": {Contents: "module.exports = 1"},
	}
	require.NoError(t, c.Mount(context.Background(), tree))

	data, err := os.ReadFile(filepath.Join(c.Dir(), "src", "routes", "a.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 1", string(data))

	err = c.Mount(context.Background(), models.FileTree{"../escape": {Contents: ""}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLocalContainer_SpawnDetectsServer(t *testing.T) {
	c := newTestContainer(t)
	p, err := c.Spawn(context.Background(), "sh", "-c", "echo booting; echo 'Server running at http://localhost:3456/'")
	require.NoError(t, err)

	var lines []string
	for line := range p.Output() {
		lines = append(lines, line)
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, []string{"booting", "Server running at http://localhost:3456/"}, lines)

	select {
	case ready := <-c.ServerReady():
		assert.Equal(t, 3456, ready.Port)
		assert.Equal(t, "http://localhost:3456/", ready.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("no server-ready event")
	}
}

func TestRunner_KillsPreviousRun(t *testing.T) {
	c := newTestContainer(t)
	r := NewRunner(c, RunnerConfig{
		Install: []string{"sh", "-c", "echo installed"},
		Start:   []string{"sh", "-c", "sleep 30"},
	}, zap.NewNop())
	tree := models.FileTree{"index.js": {Contents: ""}}

	var installOutput []string
	first, err := r.Run(context.Background(), tree, func(line string) {
		installOutput = append(installOutput, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"installed"}, installOutput)

	second, err := r.Run(context.Background(), tree, nil)
	require.NoError(t, err)

	exited := make(chan struct{})
	go func() {
		first.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("previous run still alive")
	}

	r.Stop()
	assert.Error(t, second.Wait())
}

func TestRunner_InstallFailure(t *testing.T) {
	c := newTestContainer(t)
	r := NewRunner(c, RunnerConfig{
		Install: []string{"sh", "-c", "exit 1"},
		Start:   []string{"sh", "-c", "sleep 30"},
	}, zap.NewNop())

	_, err := r.Run(context.Background(), models.FileTree{}, nil)
	assert.ErrorContains(t, err, "install")
}
