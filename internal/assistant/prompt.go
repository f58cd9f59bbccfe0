package assistant

import (
	"strings"

	"github.com/good-yellow-bee/cowork/internal/models"
)

const systemPrompt = `You are the assistant of a shared coding workspace. Several developers chat with you and with each other about one project.

Always answer with a single JSON object and nothing else:
{"text": "<markdown reply>", "fileTree": {"<path>": {"file": {"contents": "<full file contents>"}}}}

Rules:
- "text" is required.
- Include "fileTree" only when files must be created or changed. List only those files, each with its complete new contents.
- Paths are relative, use forward slashes and never contain "..".
- Node.js projects need a package.json with a "start" script.`

// buildPrompt renders the recent conversation followed by the request.
func buildPrompt(history []*models.Message, paths []string, request string) string {
	var b strings.Builder
	if len(paths) > 0 {
		b.WriteString("Files in the project:\n")
		for _, p := range paths {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range history {
			b.WriteString(speaker(msg.Sender))
			b.WriteString(": ")
			b.WriteString(historyText(msg))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Request:\n")
	b.WriteString(request)
	return b.String()
}

func speaker(sender string) string {
	switch sender {
	case models.SenderAI:
		return "assistant"
	case models.SenderSystem:
		return "system"
	default:
		return "user " + sender
	}
}

// historyText reduces assistant envelopes to their text so old file
// contents do not crowd the context.
func historyText(msg *models.Message) string {
	if msg.Sender != models.SenderAI {
		return msg.Body
	}
	if r, ok := envelopeOf(Parse(msg.Body)); ok {
		return r.Text
	}
	return msg.Body
}
