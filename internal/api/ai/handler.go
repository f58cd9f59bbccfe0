// Package ai exposes one-shot assistant prompts outside any project.
package ai

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/respond"
	"github.com/good-yellow-bee/cowork/internal/assistant"
)

const maxPromptBytes = 16 << 10

type Handler struct {
	gen     assistant.Generator
	timeout time.Duration
	logger  *zap.Logger
}

// NewHandler creates the handler. gen may be nil when the assistant is
// disabled.
func NewHandler(gen assistant.Generator, timeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{gen: gen, timeout: timeout, logger: logger}
}

// Result handles GET /assistant?prompt=... and returns {text, fileTree?}.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		respond.JSONError(w, respond.ErrAssistantDisabled)
		return
	}
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		respond.JSONError(w, respond.NewValidationError("prompt is required"))
		return
	}
	if len(prompt) > maxPromptBytes {
		respond.JSONError(w, respond.NewValidationError("prompt is too long"))
		return
	}

	env, err := assistant.Ask(r.Context(), h.gen, prompt, h.timeout)
	if err != nil {
		var genErr *assistant.GenerationError
		if errors.As(err, &genErr) {
			h.logger.Warn("one-shot prompt failed", zap.Error(err))
			respond.JSONError(w, &respond.Error{
				Code:    respond.ErrCodeUpstream,
				Message: err.Error(),
				Status:  http.StatusBadGateway,
			})
			return
		}
		respond.Err(w, h.logger, err)
		return
	}
	respond.OK(w, env)
}
