package assistant

import (
	"context"
	"time"

	"github.com/good-yellow-bee/cowork/internal/metrics"
)

// Ask sends a single prompt with no project context and returns the parsed
// reply. Nothing is persisted or broadcast. A zero timeout means no limit
// beyond ctx.
func Ask(ctx context.Context, gen Generator, prompt string, timeout time.Duration) (Envelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := invoke(ctx, gen, buildPrompt(nil, nil, prompt))
	if err != nil {
		metrics.AssistantJobsTotal.WithLabelValues("ask_failed").Inc()
		return Envelope{}, err
	}
	result := Parse(raw)
	env, ok := envelopeOf(result)
	if !ok {
		metrics.AssistantJobsTotal.WithLabelValues("ask_failed").Inc()
		return Envelope{}, &GenerationError{Reason: result.(Failure).Reason}
	}
	metrics.AssistantJobsTotal.WithLabelValues("ask_done").Inc()
	return env, nil
}
