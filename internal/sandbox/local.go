package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/models"
)

var serverURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::\]):(\d+)[^\s]*`)

// LocalContainer mounts trees into a directory and runs commands there.
type LocalContainer struct {
	dir    string
	env    []string
	logger *zap.Logger
	ready  chan ServerReady
}

// NewLocalContainer creates a container rooted at dir.
func NewLocalContainer(dir string, logger *zap.Logger) (*LocalContainer, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &LocalContainer{
		dir:    abs,
		env:    os.Environ(),
		logger: logger,
		ready:  make(chan ServerReady, 8),
	}, nil
}

// Dir returns the mount directory.
func (c *LocalContainer) Dir() string {
	return c.dir
}

// Mount writes every file of tree below the mount directory. Files not in
// tree are left alone.
func (c *LocalContainer) Mount(ctx context.Context, tree models.FileTree) error {
	if err := tree.Validate(); err != nil {
		return err
	}
	for _, p := range tree.Paths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(c.dir, filepath.FromSlash(p))
		if !strings.HasPrefix(target, c.dir+string(filepath.Separator)) {
			return fmt.Errorf("%w: path %q leaves the sandbox", models.ErrValidation, p)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", p, err)
		}
		if err := os.WriteFile(target, []byte(tree[p].Contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}

// Spawn starts name in the mount directory.
func (c *LocalContainer) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.dir
	cmd.Env = c.env
	configureProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	c.logger.Debug("sandbox process started", zap.String("cmd", name), zap.Strings("args", args), zap.Int("pid", cmd.Process.Pid))

	p := &localProcess{cmd: cmd, output: make(chan string, 256), exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		pw.Close()
		close(p.exited)
	}()
	go c.scan(pr, p.output)
	return p, nil
}

// ServerReady yields one event per server URL seen in process output.
func (c *LocalContainer) ServerReady() <-chan ServerReady {
	return c.ready
}

func (c *LocalContainer) scan(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := serverURLPattern.FindStringSubmatch(line); m != nil {
			port, _ := strconv.Atoi(m[1])
			select {
			case c.ready <- ServerReady{Port: port, URL: m[0]}:
			default:
			}
		}
		// Nobody may be reading a long running server's output.
		select {
		case out <- line:
		default:
		}
	}
}

type localProcess struct {
	cmd      *exec.Cmd
	output   chan string
	exited   chan struct{}
	waitErr  error
	killOnce sync.Once
	killErr  error
}

func (p *localProcess) Output() <-chan string {
	return p.output
}

// Kill terminates the process and its children.
func (p *localProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.killErr = killProcessGroup(p.cmd)
	})
	return p.killErr
}

func (p *localProcess) Wait() error {
	<-p.exited
	return p.waitErr
}
