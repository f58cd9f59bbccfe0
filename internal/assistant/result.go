package assistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// Result is the outcome of one generation. It is exactly one of TextOnly,
// TextWithPatch or Failure.
type Result interface {
	isResult()
}

// TextOnly is a reply that does not touch the file tree.
type TextOnly struct {
	Text string
}

// TextWithPatch is a reply carrying paths to replace in the file tree.
type TextWithPatch struct {
	Text  string
	Patch models.FileTree
}

// Failure is a generation that produced nothing usable.
type Failure struct {
	Reason string
}

func (TextOnly) isResult()      {}
func (TextWithPatch) isResult() {}
func (Failure) isResult()       {}

// Envelope is the stored and broadcast form of an assistant reply.
type Envelope struct {
	Text     string          `json:"text"`
	FileTree models.FileTree `json:"fileTree,omitempty"`
}

// envelopeOf returns the serializable form of a successful result.
func envelopeOf(r Result) (Envelope, bool) {
	switch r := r.(type) {
	case TextOnly:
		return Envelope{Text: r.Text}, true
	case TextWithPatch:
		return Envelope{Text: r.Text, FileTree: r.Patch}, true
	default:
		return Envelope{}, false
	}
}

type rawEnvelope struct {
	Text     *string         `json:"text"`
	FileTree json.RawMessage `json:"fileTree"`
}

// Parse interprets a generator response. Anything that is not a JSON object
// with a string text field and an optional well-formed fileTree is a Failure.
func Parse(raw string) Result {
	body := stripFence(raw)
	if body == "" {
		return Failure{Reason: "empty response"}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var env rawEnvelope
	if err := dec.Decode(&env); err != nil {
		return Failure{Reason: fmt.Sprintf("response is not a JSON object: %v", err)}
	}
	if dec.More() {
		return Failure{Reason: "trailing data after JSON object"}
	}
	if env.Text == nil {
		return Failure{Reason: `response has no "text" field`}
	}

	if len(env.FileTree) == 0 || bytes.Equal(env.FileTree, []byte("null")) {
		return TextOnly{Text: *env.Text}
	}
	var patch models.FileTree
	if err := json.Unmarshal(env.FileTree, &patch); err != nil {
		return Failure{Reason: fmt.Sprintf("invalid fileTree: %v", err)}
	}
	if err := patch.Validate(); err != nil {
		return Failure{Reason: err.Error()}
	}
	if len(patch) == 0 {
		return TextOnly{Text: *env.Text}
	}
	return TextWithPatch{Text: *env.Text, Patch: patch}
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
