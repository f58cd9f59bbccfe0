package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// RunnerConfig names the install and start commands.
type RunnerConfig struct {
	Install []string `yaml:"install"`
	Start   []string `yaml:"start"`
}

// DefaultRunnerConfig runs npm install then npm start.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Install: []string{"npm", "install"},
		Start:   []string{"npm", "start"},
	}
}

// Runner executes at most one run of a tree at a time. Starting a run kills
// the previous one before the new start command is spawned.
type Runner struct {
	container Container
	config    RunnerConfig
	logger    *zap.Logger

	mu      sync.Mutex
	current Process
}

// NewRunner creates a runner over container.
func NewRunner(container Container, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if len(cfg.Start) == 0 {
		cfg = DefaultRunnerConfig()
	}
	return &Runner{container: container, config: cfg, logger: logger}
}

// Run mounts tree, runs the install command to completion, stops the
// previous run and spawns the start command. Install output is passed to
// onOutput when it is not nil.
func (r *Runner) Run(ctx context.Context, tree models.FileTree, onOutput func(string)) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.container.Mount(ctx, tree); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	if len(r.config.Install) > 0 {
		install, err := r.container.Spawn(ctx, r.config.Install[0], r.config.Install[1:]...)
		if err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
		for line := range install.Output() {
			if onOutput != nil {
				onOutput(line)
			}
		}
		if err := install.Wait(); err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
	}

	r.stopLocked()

	start, err := r.container.Spawn(ctx, r.config.Start[0], r.config.Start[1:]...)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	r.current = start
	return start, nil
}

// Stop kills the current run, if any.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runner) stopLocked() {
	if r.current == nil {
		return
	}
	if err := r.current.Kill(); err != nil {
		r.logger.Warn("kill previous run", zap.Error(err))
	}
	// A killed process always exits with an error.
	_ = r.current.Wait()
	r.current = nil
}
