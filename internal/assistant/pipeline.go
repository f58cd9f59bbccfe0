package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/metrics"
	"github.com/good-yellow-bee/cowork/internal/models"
)

// State is the position of a job in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingGeneration
	StateApplying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingGeneration:
		return "awaiting_generation"
	case StateApplying:
		return "applying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reply is a successful generation ready to be applied to a project.
type Reply struct {
	ProjectID string
	// Body is the serialized Envelope stored as the assistant message.
	Body  string
	Patch models.FileTree
}

// Sink applies job outcomes to the project and its room.
type Sink interface {
	// ApplyReply merges the patch into the stored tree, persists the reply
	// and broadcasts both.
	ApplyReply(ctx context.Context, reply Reply) error
	// ReportFailure makes a failed job visible to the room.
	ReportFailure(ctx context.Context, projectID, reason, correlationID string) error
}

// Workspace is the read side of the project store used to build prompts.
type Workspace interface {
	Recent(ctx context.Context, projectID string, limit int) ([]*models.Message, error)
	FileTree(ctx context.Context, projectID string) (models.FileTree, int64, error)
}

// Job is one prompt moving through the pipeline.
type Job struct {
	ID            string
	ProjectID     string
	MessageID     string
	CorrelationID string
	Prompt        string

	mu     sync.Mutex
	state  State
	reason string
	done   chan struct{}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Reason returns why the job failed, if it did.
func (j *Job) Reason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}

// Done is closed once the job reaches Done or Failed.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) transition(to State, reason string) {
	j.mu.Lock()
	j.state = to
	j.reason = reason
	j.mu.Unlock()
}

// Pipeline runs jobs concurrently with chat delivery. A job is never
// cancelled because a peer left; only the configured timeout ends it early.
type Pipeline struct {
	gen       Generator
	workspace Workspace
	sink      Sink
	config    Config
	logger    *zap.Logger

	slots  chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPipeline creates a pipeline.
func NewPipeline(gen Generator, workspace Workspace, sink Sink, cfg Config, logger *zap.Logger) *Pipeline {
	cfg.SetDefaults()
	return &Pipeline{
		gen:       gen,
		workspace: workspace,
		sink:      sink,
		config:    cfg,
		logger:    logger.Named("assistant"),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Offer starts a job for msg if it is a candidate prompt. Messages from
// sentinel senders are never prompts. It returns nil when no job started.
func (p *Pipeline) Offer(msg *models.Message) *Job {
	if models.IsSentinelSender(msg.Sender) {
		return nil
	}
	prompt := msg.Body
	if prefix := p.config.TriggerPrefix; prefix != "" {
		if !strings.HasPrefix(prompt, prefix) {
			return nil
		}
		prompt = strings.TrimSpace(strings.TrimPrefix(prompt, prefix))
		if prompt == "" {
			return nil
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.wg.Add(1)
	p.mu.Unlock()

	job := &Job{
		ID:            uuid.New().String(),
		ProjectID:     msg.ProjectID,
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		Prompt:        prompt,
		done:          make(chan struct{}),
	}
	metrics.AssistantJobsInFlight.Inc()
	go p.run(job)
	return job
}

func (p *Pipeline) run(job *Job) {
	defer p.wg.Done()
	defer metrics.AssistantJobsInFlight.Dec()
	defer close(job.done)

	log := p.logger.With(logging.Project(job.ProjectID), zap.String("job_id", job.ID))

	p.slots <- struct{}{}
	defer func() { <-p.slots }()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("assistant job panicked", zap.Any("panic", r))
			p.fail(job, log, fmt.Sprintf("internal error: %v", r))
		}
	}()

	job.transition(StateAwaitingGeneration, "")
	raw, err := p.generate(ctx, job)
	if err != nil {
		p.fail(job, log, failureReason(err))
		return
	}

	result := Parse(raw)
	reply := Reply{ProjectID: job.ProjectID}
	switch r := result.(type) {
	case Failure:
		p.fail(job, log, (&GenerationError{Reason: r.Reason}).Error())
		return
	case TextWithPatch:
		reply.Patch = r.Patch
	}
	env, _ := envelopeOf(result)
	body, err := json.Marshal(env)
	if err != nil {
		p.fail(job, log, fmt.Sprintf("encode reply: %v", err))
		return
	}
	reply.Body = string(body)

	job.transition(StateApplying, "")
	applyCtx, cancelApply := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancelApply()
	if err := p.sink.ApplyReply(applyCtx, reply); err != nil {
		p.fail(job, log, fmt.Sprintf("apply reply: %v", err))
		return
	}

	job.transition(StateDone, "")
	metrics.AssistantJobsTotal.WithLabelValues(StateDone.String()).Inc()
	log.Info("assistant reply applied", zap.Int("patched_paths", len(reply.Patch)))
}

func (p *Pipeline) generate(ctx context.Context, job *Job) (string, error) {
	history, err := p.workspace.Recent(ctx, job.ProjectID, p.config.ContextMessages+1)
	if err != nil {
		return "", fmt.Errorf("load context: %w", err)
	}
	history = withoutMessage(history, job.MessageID)
	if len(history) > p.config.ContextMessages {
		history = history[len(history)-p.config.ContextMessages:]
	}
	tree, _, err := p.workspace.FileTree(ctx, job.ProjectID)
	if err != nil {
		return "", fmt.Errorf("load file tree: %w", err)
	}

	return invoke(ctx, p.gen, buildPrompt(history, tree.Paths(), job.Prompt))
}

// invoke calls gen in its own goroutine. The deadline holds even for a
// generator that ignores ctx, and a panicking generator becomes an error.
func invoke(ctx context.Context, gen Generator, prompt string) (string, error) {
	type generated struct {
		raw string
		err error
	}
	out := make(chan generated, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- generated{err: fmt.Errorf("generator panicked: %v", r)}
			}
		}()
		raw, err := gen.Generate(ctx, prompt)
		out <- generated{raw: raw, err: err}
	}()

	select {
	case res := <-out:
		metrics.AssistantGenerationDuration.Observe(time.Since(start).Seconds())
		if res.err != nil {
			return "", &GenerationError{Reason: "generator error", Err: res.err}
		}
		return res.raw, nil
	case <-ctx.Done():
		return "", &GenerationError{Reason: "generator error", Err: ctx.Err()}
	}
}

// sinkTimeout bounds applying or reporting a finished generation.
const sinkTimeout = 10 * time.Second

// fail moves the job to Failed and reports it to the room. Reporting uses
// its own deadline so a job that timed out can still be reported.
func (p *Pipeline) fail(job *Job, log *zap.Logger, reason string) {
	job.transition(StateFailed, reason)
	metrics.AssistantJobsTotal.WithLabelValues(StateFailed.String()).Inc()
	log.Warn("assistant job failed", zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := p.sink.ReportFailure(ctx, job.ProjectID, reason, job.CorrelationID); err != nil {
		log.Error("report assistant failure", zap.Error(err))
	}
}

// Close stops accepting jobs and waits for running ones.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Wait blocks until every started job has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "assistant timed out"
	}
	return err.Error()
}

func withoutMessage(history []*models.Message, id string) []*models.Message {
	out := history[:0:0]
	for _, msg := range history {
		if msg.ID != id {
			out = append(out, msg)
		}
	}
	return out
}
